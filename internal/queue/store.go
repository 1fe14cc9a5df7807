package queue

import (
	"errors"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// Store is the durable local buffer of captured changes plus the agent's
// identity and sync markers.
type Store interface {
	// Enqueue durably appends change and assigns its Seq.
	Enqueue(change *models.ChangeRecord) (int64, error)

	// ListPending returns unacknowledged changes in capture order.
	ListPending() ([]models.ChangeRecord, error)

	// Acknowledge removes every change with Seq <= upTo and returns how
	// many were removed. Acknowledging twice is a no-op.
	Acknowledge(upTo int64) (int, error)

	// HighWater returns the newest Seq in the queue, or 0 when empty.
	HighWater() (int64, error)

	// Pending returns the number of unacknowledged changes.
	Pending() (int, error)

	// Identity returns the persisted identity, creating it on first call.
	Identity() (models.DeviceIdentity, error)

	// LastSync returns the server time of the last successful sync.
	LastSync() (time.Time, error)
	SetLastSync(t time.Time) error

	// LastError returns the message of the last failed sync attempt.
	LastError() (string, error)
	SetLastError(msg string) error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrQueueCorrupt = errors.New("queue file is corrupt")
	ErrDuplicateID  = errors.New("change id already queued")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// Metadata keys shared by the backends.
const (
	metaOwnerID    = "owner_id"
	metaInstanceID = "instance_id"
	metaLastSync   = "last_sync"
	metaLastError  = "last_error"
)

func queueErr(op string, err error) error {
	return &models.QueueError{Op: op, Err: err}
}
