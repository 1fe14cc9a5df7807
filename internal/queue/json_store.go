package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

// JSONStore implements the queue as a single checksummed JSON file. Every
// mutation rewrites the file atomically and keeps the previous copy as a
// backup.
type JSONStore struct {
	path   string
	logger *events.Logger

	mu    sync.Mutex
	state *queueFile
}

type queueFile struct {
	SchemaVersion int                    `json:"schema_version"`
	NextSeq       int64                  `json:"next_seq"`
	Identity      *models.DeviceIdentity `json:"identity,omitempty"`
	LastSync      time.Time              `json:"last_sync"`
	LastError     string                 `json:"last_error,omitempty"`
	Changes       []models.ChangeRecord  `json:"changes"`
	SavedAt       time.Time              `json:"saved_at"`
	Checksum      string                 `json:"checksum,omitempty"`
}

// NewJSONStore opens the queue file under baseDir, creating the directory
// if needed.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	s := &JSONStore{
		path:   filepath.Join(baseDir, "queue.json"),
		logger: logger.WithField("component", "json_queue_store"),
	}

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	s.state = state

	return s, nil
}

// Enqueue appends a change.
func (s *JSONStore) Enqueue(change *models.ChangeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.state.Changes {
		if c.ID == change.ID {
			return 0, queueErr("enqueue", fmt.Errorf("%w: %s", ErrDuplicateID, change.ID))
		}
	}

	next := *s.state
	next.NextSeq++
	stored := *change
	stored.Seq = next.NextSeq
	next.Changes = append(append([]models.ChangeRecord(nil), s.state.Changes...), stored)

	if err := s.save(&next); err != nil {
		return 0, queueErr("enqueue", err)
	}
	s.state = &next
	change.Seq = stored.Seq

	return stored.Seq, nil
}

// ListPending returns queued changes in order.
func (s *JSONStore) ListPending() ([]models.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.Changes) == 0 {
		return nil, nil
	}
	return append([]models.ChangeRecord(nil), s.state.Changes...), nil
}

// Acknowledge removes changes up to and including upTo.
func (s *JSONStore) Acknowledge(upTo int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []models.ChangeRecord
	for _, c := range s.state.Changes {
		if c.Seq > upTo {
			kept = append(kept, c)
		}
	}

	removed := len(s.state.Changes) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	next := *s.state
	next.Changes = kept
	if err := s.save(&next); err != nil {
		return 0, queueErr("acknowledge", err)
	}
	s.state = &next

	return removed, nil
}

// HighWater returns the newest queued seq.
func (s *JSONStore) HighWater() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.state.Changes); n > 0 {
		return s.state.Changes[n-1].Seq, nil
	}
	return 0, nil
}

// Pending counts queued changes.
func (s *JSONStore) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.state.Changes), nil
}

// Identity returns the identity, generating it on first use.
func (s *JSONStore) Identity() (models.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Identity != nil && s.state.Identity.Valid() {
		return *s.state.Identity, nil
	}

	id := models.NewDeviceIdentity()
	next := *s.state
	next.Identity = &id
	if err := s.save(&next); err != nil {
		return models.DeviceIdentity{}, queueErr("identity", err)
	}
	s.state = &next

	s.logger.WithField("instance_id", id.InstanceID).Info("Generated device identity")
	return id, nil
}

// LastSync returns the stored sync marker.
func (s *JSONStore) LastSync() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.LastSync, nil
}

// SetLastSync stores the sync marker.
func (s *JSONStore) SetLastSync(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.state
	next.LastSync = t.UTC()
	if err := s.save(&next); err != nil {
		return queueErr("last_sync", err)
	}
	s.state = &next
	return nil
}

// LastError returns the last recorded failure.
func (s *JSONStore) LastError() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.LastError, nil
}

// SetLastError records a failure; an empty message clears it.
func (s *JSONStore) SetLastError(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.state
	next.LastError = msg
	if err := s.save(&next); err != nil {
		return queueErr("last_error", err)
	}
	s.state = &next
	return nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) load() (*queueFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &queueFile{SchemaVersion: CurrentSchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	state, err := decodeQueueFile(data)
	if err != nil {
		s.logger.WithError(err).Error("Queue file unreadable")

		backup, berr := os.ReadFile(s.path + ".backup")
		if berr != nil {
			return nil, ErrQueueCorrupt
		}
		if state, berr = decodeQueueFile(backup); berr != nil {
			return nil, ErrQueueCorrupt
		}
		s.logger.Warn("Loaded queue from backup due to corruption")
	}

	if state.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", state.SchemaVersion).Warn("Queue schema version mismatch")
	}

	return state, nil
}

func decodeQueueFile(data []byte) (*queueFile, error) {
	var state queueFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if state.Checksum != "" {
		want := state.Checksum
		got, err := checksum(&state)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
		}
		state.Checksum = want
	}

	return &state, nil
}

// checksum hashes the file contents with the checksum field cleared.
func checksum(state *queueFile) (string, error) {
	c := *state
	c.Checksum = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func (s *JSONStore) save(state *queueFile) error {
	state.SchemaVersion = CurrentSchemaVersion
	state.SavedAt = time.Now().UTC()

	sum, err := checksum(state)
	if err != nil {
		return err
	}
	state.Checksum = sum

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename queue file: %w", err)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
