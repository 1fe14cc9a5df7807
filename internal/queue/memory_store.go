package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	nextSeq   int64
	changes   []models.ChangeRecord
	identity  *models.DeviceIdentity
	lastSync  time.Time
	lastError string

	// Error injection
	enqueueErr error
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Enqueue appends a change.
func (m *MemoryStore) Enqueue(change *models.ChangeRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enqueueErr != nil {
		return 0, queueErr("enqueue", m.enqueueErr)
	}

	for _, c := range m.changes {
		if c.ID == change.ID {
			return 0, queueErr("enqueue", fmt.Errorf("%w: %s", ErrDuplicateID, change.ID))
		}
	}

	m.nextSeq++
	change.Seq = m.nextSeq
	m.changes = append(m.changes, *change)
	return change.Seq, nil
}

// ListPending returns queued changes in order.
func (m *MemoryStore) ListPending() ([]models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.changes) == 0 {
		return nil, nil
	}
	return append([]models.ChangeRecord(nil), m.changes...), nil
}

// Acknowledge removes changes up to and including upTo.
func (m *MemoryStore) Acknowledge(upTo int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.changes[:0:0]
	for _, c := range m.changes {
		if c.Seq > upTo {
			kept = append(kept, c)
		}
	}
	removed := len(m.changes) - len(kept)
	m.changes = kept
	return removed, nil
}

// HighWater returns the newest queued seq.
func (m *MemoryStore) HighWater() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.changes); n > 0 {
		return m.changes[n-1].Seq, nil
	}
	return 0, nil
}

// Pending counts queued changes.
func (m *MemoryStore) Pending() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.changes), nil
}

// Identity returns the identity, generating it on first use.
func (m *MemoryStore) Identity() (models.DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		id := models.NewDeviceIdentity()
		m.identity = &id
	}
	return *m.identity, nil
}

// LastSync returns the stored sync marker.
func (m *MemoryStore) LastSync() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastSync, nil
}

// SetLastSync stores the sync marker.
func (m *MemoryStore) SetLastSync(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSync = t
	return nil
}

// LastError returns the last recorded failure.
func (m *MemoryStore) LastError() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastError, nil
}

// SetLastError records a failure.
func (m *MemoryStore) SetLastError(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = msg
	return nil
}

// Close releases resources.
func (m *MemoryStore) Close() error {
	return nil
}

// Helper methods for testing

// SetIdentity installs a fixed identity.
func (m *MemoryStore) SetIdentity(id models.DeviceIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.identity = &id
}

// FailEnqueue makes every subsequent Enqueue fail with err; nil restores
// normal behavior.
func (m *MemoryStore) FailEnqueue(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enqueueErr = err
}
