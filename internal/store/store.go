// Package store persists the server side of sync: folders, bookmarks, the
// sync-history ledger and client instance heartbeats. It applies no policy.
package store

import (
	"context"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// Store is the entity store used by the ingest service.
type Store interface {
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// CountByOwner counts folder and bookmark rows of owner, tombstones
	// included.
	CountByOwner(ctx context.Context, ownerID string) (int, error)

	// ChangedSince returns entities of owner last written after since by an
	// instance other than excludeInstance. Folders come before bookmarks,
	// each in write order.
	ChangedSince(ctx context.Context, ownerID, excludeInstance string, since time.Time) ([]models.Entity, error)

	// AppendHistory adds a ledger entry with its errors.
	AppendHistory(ctx context.Context, entry *models.SyncHistoryEntry) error

	// History lists the newest ledger entries of owner first.
	History(ctx context.Context, ownerID string, limit int) ([]models.SyncHistoryEntry, error)

	// UpsertInstance records a client heartbeat.
	UpsertInstance(ctx context.Context, inst models.ClientInstance) error

	// Instances lists the known instances of owner.
	Instances(ctx context.Context, ownerID string) ([]models.ClientInstance, error)

	Close() error
}

// Tx is the write surface available inside a transaction.
type Tx interface {
	// Get loads one entity, returning models.ErrNotFound when absent.
	Get(kind models.EntityKind, ownerID, localID string) (*models.Entity, error)

	// Upsert inserts e, or rewrites the existing row with the same natural
	// key back to active. It returns the stored version.
	Upsert(e *models.Entity) (int64, error)

	// Save writes the mutable fields of an existing entity and bumps its
	// version. It returns models.ErrNotFound when the row is missing.
	Save(e *models.Entity) (int64, error)

	// AppendHistory adds a ledger entry inside the transaction.
	AppendHistory(entry *models.SyncHistoryEntry) error
}
