package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	owner_id TEXT NOT NULL,
	local_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	parent_local_id TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	added_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	version INTEGER NOT NULL DEFAULT 1,
	last_change TEXT NOT NULL,
	last_instance_id TEXT NOT NULL DEFAULT '',
	last_device_metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner_id, local_id)
);

CREATE TABLE IF NOT EXISTS bookmarks (
	owner_id TEXT NOT NULL,
	local_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	parent_local_id TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	added_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	version INTEGER NOT NULL DEFAULT 1,
	last_change TEXT NOT NULL,
	last_instance_id TEXT NOT NULL DEFAULT '',
	last_device_metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner_id, local_id)
);

CREATE INDEX IF NOT EXISTS idx_folders_owner_updated ON folders(owner_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_bookmarks_owner_updated ON bookmarks(owner_id, updated_at);

CREATE TABLE IF NOT EXISTS sync_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	changes_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	bookmarks_processed INTEGER NOT NULL DEFAULT 0,
	folders_processed INTEGER NOT NULL DEFAULT 0,
	device_metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_history_owner ON sync_history(owner_id, id);

CREATE TABLE IF NOT EXISTS sync_history_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	history_id INTEGER NOT NULL REFERENCES sync_history(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	message TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS client_instances (
	instance_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	browser_name TEXT NOT NULL DEFAULT '',
	browser_version TEXT NOT NULL DEFAULT '',
	os TEXT NOT NULL DEFAULT '',
	os_version TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	last_seen INTEGER NOT NULL
);
`

// entityTable holds the statements for one entity kind.
type entityTable struct {
	kind    models.EntityKind
	get     string
	upsert  string
	save    string
	changed string
	hasURL  bool
}

func newEntityTable(kind models.EntityKind, name string, hasURL bool) entityTable {
	urlCol := "'' AS url"
	if hasURL {
		urlCol = "url"
	}
	cols := "local_id, owner_id, title, " + urlCol + `, parent_local_id, position, added_at,
		status, version, last_change, last_instance_id, last_device_metadata, created_at, updated_at`

	insertCols := "owner_id, local_id, title, parent_local_id, position, added_at, status, version, " +
		"last_change, last_instance_id, last_device_metadata, created_at, updated_at"
	insertVals := "?, ?, ?, ?, ?, ?, 'active', 1, ?, ?, ?, ?, ?"
	setURL, saveURL := "", ""
	if hasURL {
		insertCols += ", url"
		insertVals += ", ?"
		setURL = "url = excluded.url,"
		saveURL = "url = ?,"
	}

	return entityTable{
		kind:   kind,
		hasURL: hasURL,
		get:    fmt.Sprintf(`SELECT %s FROM %s WHERE owner_id = ? AND local_id = ?`, cols, name),
		upsert: fmt.Sprintf(`
			INSERT INTO %[1]s (%[2]s)
			VALUES (%[3]s)
			ON CONFLICT(owner_id, local_id) DO UPDATE SET
				title = excluded.title,
				%[4]s
				parent_local_id = excluded.parent_local_id,
				position = excluded.position,
				added_at = excluded.added_at,
				status = 'active',
				version = %[1]s.version + 1,
				last_change = excluded.last_change,
				last_instance_id = excluded.last_instance_id,
				last_device_metadata = excluded.last_device_metadata,
				updated_at = excluded.updated_at
			RETURNING version`, name, insertCols, insertVals, setURL),
		save: fmt.Sprintf(`
			UPDATE %s SET
				title = ?,
				%s
				parent_local_id = ?,
				position = ?,
				status = ?,
				version = version + 1,
				last_change = ?,
				last_instance_id = ?,
				last_device_metadata = ?,
				updated_at = ?
			WHERE owner_id = ? AND local_id = ?
			RETURNING version`, name, saveURL),
		changed: fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE owner_id = ? AND updated_at > ? AND last_instance_id != ?
			ORDER BY updated_at, local_id`, cols, name),
	}
}

var (
	folderTable   = newEntityTable(models.EntityFolder, "folders", false)
	bookmarkTable = newEntityTable(models.EntityBookmark, "bookmarks", true)
)

func tableFor(kind models.EntityKind) (entityTable, error) {
	switch kind {
	case models.EntityFolder:
		return folderTable, nil
	case models.EntityBookmark:
		return bookmarkTable, nil
	default:
		return entityTable{}, fmt.Errorf("%w: unknown entity kind %q", models.ErrInvalidChange, kind)
	}
}

// SQLiteStore implements Store on SQLite through the pure-Go driver.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// OpenSQLite opens (or creates) the entity database at path.
func OpenSQLite(ctx context.Context, path string, logger *events.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "entity_store"),
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.logger.WithField("path", path).Debug("Entity store opened")

	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountByOwner implements Store.
func (s *SQLiteStore) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM folders WHERE owner_id = ?)
		     + (SELECT COUNT(*) FROM bookmarks WHERE owner_id = ?)
	`, ownerID, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// ChangedSince implements Store.
func (s *SQLiteStore) ChangedSince(ctx context.Context, ownerID, excludeInstance string, since time.Time) ([]models.Entity, error) {
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}

	var out []models.Entity
	for _, table := range []entityTable{folderTable, bookmarkTable} {
		entities, err := s.queryEntities(ctx, table, table.changed, ownerID, sinceNanos, excludeInstance)
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	return out, nil
}

func (s *SQLiteStore) queryEntities(ctx context.Context, table entityTable, query string, args ...interface{}) ([]models.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %ss: %w", table.kind, err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows, table.kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %ss: %w", table.kind, err)
	}
	return out, nil
}

// AppendHistory implements Store.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *models.SyncHistoryEntry) error {
	return s.WithTx(ctx, func(tx Tx) error {
		return tx.AppendHistory(entry)
	})
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, ownerID string, limit int) ([]models.SyncHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, instance_id, kind, changes_count, status,
		       bookmarks_processed, folders_processed, device_metadata, created_at
		FROM sync_history
		WHERE owner_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	var entries []models.SyncHistoryEntry
	for rows.Next() {
		var (
			e       models.SyncHistoryEntry
			meta    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.InstanceID, &e.Kind, &e.ChangesCount, &e.Status,
			&e.BookmarksProcessed, &e.FoldersProcessed, &meta, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &e.DeviceMetadata); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode history metadata: %w", err)
		}
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// The single connection is free again once rows are closed
	for i := range entries {
		errs, err := s.historyErrors(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Errors = errs
	}

	return entries, nil
}

func (s *SQLiteStore) historyErrors(ctx context.Context, historyID int64) ([]models.SyncHistoryError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, item_id, message FROM sync_history_errors
		WHERE history_id = ? ORDER BY id
	`, historyID)
	if err != nil {
		return nil, fmt.Errorf("query history errors: %w", err)
	}
	defer rows.Close()

	var out []models.SyncHistoryError
	for rows.Next() {
		var e models.SyncHistoryError
		if err := rows.Scan(&e.Kind, &e.ItemID, &e.Message); err != nil {
			return nil, fmt.Errorf("scan history error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertInstance implements Store.
func (s *SQLiteStore) UpsertInstance(ctx context.Context, inst models.ClientInstance) error {
	if inst.InstanceID == "" {
		return errors.New("instance id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_instances (instance_id, owner_id, device_id, browser_name, browser_version,
			os, os_version, user_agent, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			device_id = CASE WHEN excluded.device_id != '' THEN excluded.device_id ELSE client_instances.device_id END,
			browser_name = CASE WHEN excluded.browser_name != '' THEN excluded.browser_name ELSE client_instances.browser_name END,
			browser_version = CASE WHEN excluded.browser_version != '' THEN excluded.browser_version ELSE client_instances.browser_version END,
			os = CASE WHEN excluded.os != '' THEN excluded.os ELSE client_instances.os END,
			os_version = CASE WHEN excluded.os_version != '' THEN excluded.os_version ELSE client_instances.os_version END,
			user_agent = CASE WHEN excluded.user_agent != '' THEN excluded.user_agent ELSE client_instances.user_agent END,
			last_seen = MAX(client_instances.last_seen, excluded.last_seen)
	`, inst.InstanceID, inst.OwnerID, inst.DeviceID, inst.BrowserName, inst.BrowserVersion,
		inst.OS, inst.OSVersion, inst.UserAgent, inst.LastSeen.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// Instances implements Store.
func (s *SQLiteStore) Instances(ctx context.Context, ownerID string) ([]models.ClientInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, owner_id, device_id, browser_name, browser_version, os, os_version, user_agent, last_seen
		FROM client_instances WHERE owner_id = ? ORDER BY last_seen DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []models.ClientInstance
	for rows.Next() {
		var (
			inst models.ClientInstance
			seen int64
		)
		if err := rows.Scan(&inst.InstanceID, &inst.OwnerID, &inst.DeviceID, &inst.BrowserName,
			&inst.BrowserVersion, &inst.OS, &inst.OSVersion, &inst.UserAgent, &seen); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.LastSeen = fromNanos(seen)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// sqliteTx implements Tx.
type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(kind models.EntityKind, ownerID, localID string) (*models.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	e, err := scanEntity(t.tx.QueryRowContext(t.ctx, table.get, ownerID, localID), kind)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (t *sqliteTx) Upsert(e *models.Entity) (int64, error) {
	table, err := tableFor(e.Kind)
	if err != nil {
		return 0, err
	}

	meta, err := json.Marshal(e.LastDeviceMetadata)
	if err != nil {
		return 0, fmt.Errorf("marshal device metadata: %w", err)
	}

	args := []interface{}{
		e.OwnerID, e.LocalID, e.Title, e.ParentLocalID, e.Position, toNanos(e.AddedAt),
		string(e.LastChange), e.LastInstanceID, string(meta), toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	}
	if table.hasURL {
		args = append(args, e.URL)
	}

	var version int64
	if err := t.tx.QueryRowContext(t.ctx, table.upsert, args...).Scan(&version); err != nil {
		return 0, fmt.Errorf("upsert %s %s: %w", e.Kind, e.LocalID, err)
	}

	e.Version = version
	e.Status = models.StatusActive
	return version, nil
}

func (t *sqliteTx) Save(e *models.Entity) (int64, error) {
	table, err := tableFor(e.Kind)
	if err != nil {
		return 0, err
	}

	meta, err := json.Marshal(e.LastDeviceMetadata)
	if err != nil {
		return 0, fmt.Errorf("marshal device metadata: %w", err)
	}

	args := []interface{}{e.Title}
	if table.hasURL {
		args = append(args, e.URL)
	}
	args = append(args,
		e.ParentLocalID, e.Position, string(e.Status), string(e.LastChange), e.LastInstanceID,
		string(meta), toNanos(e.UpdatedAt), e.OwnerID, e.LocalID,
	)

	var version int64
	err = t.tx.QueryRowContext(t.ctx, table.save, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s %s", models.ErrNotFound, e.Kind, e.LocalID)
	}
	if err != nil {
		return 0, fmt.Errorf("save %s %s: %w", e.Kind, e.LocalID, err)
	}

	e.Version = version
	return version, nil
}

func (t *sqliteTx) AppendHistory(entry *models.SyncHistoryEntry) error {
	meta, err := json.Marshal(entry.DeviceMetadata)
	if err != nil {
		return fmt.Errorf("marshal device metadata: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sync_history (owner_id, instance_id, kind, changes_count, status,
			bookmarks_processed, folders_processed, device_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.OwnerID, entry.InstanceID, string(entry.Kind), entry.ChangesCount, string(entry.Status),
		entry.BookmarksProcessed, entry.FoldersProcessed, string(meta), entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read history id: %w", err)
	}
	entry.ID = id

	for _, e := range entry.Errors {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO sync_history_errors (history_id, kind, item_id, message)
			VALUES (?, ?, ?, ?)
		`, id, string(e.Kind), e.ItemID, e.Message); err != nil {
			return fmt.Errorf("insert history error: %w", err)
		}
	}

	return nil
}

func scanEntity(row interface{ Scan(dest ...any) error }, kind models.EntityKind) (*models.Entity, error) {
	var (
		e    models.Entity
		meta string
	)
	var added, created, updated int64
	err := row.Scan(&e.LocalID, &e.OwnerID, &e.Title, &e.URL, &e.ParentLocalID, &e.Position, &added,
		&e.Status, &e.Version, &e.LastChange, &e.LastInstanceID, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", kind, err)
	}

	if err := json.Unmarshal([]byte(meta), &e.LastDeviceMetadata); err != nil {
		return nil, fmt.Errorf("decode device metadata: %w", err)
	}

	e.Kind = kind
	e.AddedAt = fromNanos(added)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
