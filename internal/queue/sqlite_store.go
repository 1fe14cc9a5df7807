package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

// SQLiteStore implements the queue on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) the queue database at dbPath.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_queue_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS changes (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        type TEXT NOT NULL,
        target_id TEXT NOT NULL,
        record TEXT NOT NULL,
        captured_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS meta (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Enqueue appends a change.
func (s *SQLiteStore) Enqueue(change *models.ChangeRecord) (int64, error) {
	record, err := json.Marshal(change)
	if err != nil {
		return 0, queueErr("enqueue", fmt.Errorf("marshal change: %w", err))
	}

	res, err := s.db.Exec(`
        INSERT INTO changes (id, type, target_id, record, captured_at)
        VALUES (?, ?, ?, ?, ?)
    `, change.ID, change.Type(), change.TargetID, string(record), change.CapturedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			err = fmt.Errorf("%w: %s", ErrDuplicateID, change.ID)
		}
		return 0, queueErr("enqueue", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, queueErr("enqueue", fmt.Errorf("read seq: %w", err))
	}
	change.Seq = seq

	s.logger.WithFields(map[string]interface{}{
		"seq":       seq,
		"type":      change.Type(),
		"target_id": change.TargetID,
	}).Debug("Change enqueued")

	return seq, nil
}

// ListPending returns queued changes ordered by seq.
func (s *SQLiteStore) ListPending() ([]models.ChangeRecord, error) {
	rows, err := s.db.Query("SELECT seq, record FROM changes ORDER BY seq")
	if err != nil {
		return nil, queueErr("list", fmt.Errorf("query changes: %w", err))
	}
	defer rows.Close()

	var changes []models.ChangeRecord
	for rows.Next() {
		var (
			seq    int64
			record string
		)
		if err := rows.Scan(&seq, &record); err != nil {
			return nil, queueErr("list", fmt.Errorf("scan change row: %w", err))
		}

		var change models.ChangeRecord
		if err := json.Unmarshal([]byte(record), &change); err != nil {
			return nil, queueErr("list", fmt.Errorf("decode change %d: %w", seq, err))
		}
		change.Seq = seq
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, queueErr("list", fmt.Errorf("iterate changes: %w", err))
	}

	return changes, nil
}

// Acknowledge removes changes up to and including upTo.
func (s *SQLiteStore) Acknowledge(upTo int64) (int, error) {
	res, err := s.db.Exec("DELETE FROM changes WHERE seq <= ?", upTo)
	if err != nil {
		return 0, queueErr("acknowledge", err)
	}

	n, _ := res.RowsAffected()
	s.logger.WithFields(map[string]interface{}{
		"up_to":   upTo,
		"removed": n,
	}).Debug("Changes acknowledged")

	return int(n), nil
}

// HighWater returns the newest queued seq.
func (s *SQLiteStore) HighWater() (int64, error) {
	var seq int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&seq); err != nil {
		return 0, queueErr("high_water", err)
	}
	return seq, nil
}

// Pending counts queued changes.
func (s *SQLiteStore) Pending() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&n); err != nil {
		return 0, queueErr("pending", err)
	}
	return n, nil
}

// Identity loads the identity, generating and persisting it on first use.
func (s *SQLiteStore) Identity() (models.DeviceIdentity, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.DeviceIdentity{}, queueErr("identity", fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	fresh := models.NewDeviceIdentity()
	for key, value := range map[string]string{
		metaOwnerID:    fresh.OwnerID,
		metaInstanceID: fresh.InstanceID,
	} {
		if _, err := tx.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
			return models.DeviceIdentity{}, queueErr("identity", fmt.Errorf("insert %s: %w", key, err))
		}
	}

	var id models.DeviceIdentity
	if err := tx.QueryRow("SELECT value FROM meta WHERE key = ?", metaOwnerID).Scan(&id.OwnerID); err != nil {
		return models.DeviceIdentity{}, queueErr("identity", fmt.Errorf("read owner id: %w", err))
	}
	if err := tx.QueryRow("SELECT value FROM meta WHERE key = ?", metaInstanceID).Scan(&id.InstanceID); err != nil {
		return models.DeviceIdentity{}, queueErr("identity", fmt.Errorf("read instance id: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return models.DeviceIdentity{}, queueErr("identity", fmt.Errorf("commit: %w", err))
	}

	if !id.Valid() {
		return models.DeviceIdentity{}, queueErr("identity", models.ErrIdentityMissing)
	}
	return id, nil
}

// LastSync returns the stored sync marker.
func (s *SQLiteStore) LastSync() (time.Time, error) {
	value, err := s.getMeta(metaLastSync)
	if err != nil || value == "" {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, queueErr("last_sync", fmt.Errorf("parse %q: %w", value, err))
	}
	return t, nil
}

// SetLastSync stores the sync marker.
func (s *SQLiteStore) SetLastSync(t time.Time) error {
	return s.setMeta(metaLastSync, t.UTC().Format(time.RFC3339Nano))
}

// LastError returns the last recorded failure.
func (s *SQLiteStore) LastError() (string, error) {
	return s.getMeta(metaLastError)
}

// SetLastError records a failure; an empty message clears it.
func (s *SQLiteStore) SetLastError(msg string) error {
	return s.setMeta(metaLastError, msg)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", queueErr("meta "+key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(key, value string) error {
	_, err := s.db.Exec(`
        INSERT INTO meta (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, key, value)
	if err != nil {
		return queueErr("meta "+key, err)
	}
	return nil
}
