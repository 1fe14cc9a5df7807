// Package ingest applies agent submissions to the entity store and keeps
// the sync-history ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/store"
)

// Service implements the server side of sync.
type Service struct {
	store        store.Store
	logger       *events.Logger
	now          func() time.Time
	maxBatchSize int
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxBatchSize caps how many changes one batch applies; zero means
// unlimited. Changes past the cap are deferred to the agent's next batch.
func WithMaxBatchSize(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxBatchSize = n
		}
	}
}

// NewService creates an ingest service over st.
func NewService(st store.Store, logger *events.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		logger: logger.WithField("component", "ingest"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckStatus reports whether owner needs an initial import and counts the
// changes other instances made since the marker.
func (s *Service) CheckStatus(ctx context.Context, ownerID, instanceID string, since time.Time) (*models.StatusResponse, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("status: %w", models.ErrIdentityMissing)
	}

	s.heartbeat(ctx, ownerID, instanceID, models.DeviceMetadata{})

	count, err := s.store.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}

	resp := &models.StatusResponse{
		NeedsInitialSync: count == 0,
		ServerTime:       s.now().UTC(),
	}
	if count == 0 {
		return resp, nil
	}

	remote, err := s.remoteChanges(ctx, ownerID, instanceID, since)
	if err != nil {
		return nil, err
	}
	for _, rc := range remote {
		resp.PendingChanges.Add(rc.Kind)
	}

	return resp, nil
}

// ApplyBatch applies changes one transaction per item. Item failures are
// reported in the results and never stop the batch. With a cap set, only
// the leading changes are applied and the remainder is reported as deferred.
func (s *Service) ApplyBatch(ctx context.Context, req *models.BatchRequest) (*models.SyncResponse, error) {
	if req.OwnerID == "" || req.InstanceID == "" {
		return nil, fmt.Errorf("batch: %w", models.ErrIdentityMissing)
	}

	changes := req.Changes
	deferred := 0
	if s.maxBatchSize > 0 && len(changes) > s.maxBatchSize {
		deferred = len(changes) - s.maxBatchSize
		changes = changes[:s.maxBatchSize]
	}

	logger := events.FromContext(ctx).WithFields(map[string]interface{}{
		"owner_id":    req.OwnerID,
		"instance_id": req.InstanceID,
		"changes":     len(changes),
	})
	if deferred > 0 {
		logger.WithField("deferred", deferred).Warn("Batch exceeds cap, deferring the tail")
	}

	s.heartbeat(ctx, req.OwnerID, req.InstanceID, req.Metadata)

	count, err := s.store.CountByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	if count == 0 {
		logger.Info("Owner has no entities, initial import required")
		return &models.SyncResponse{
			Action:     models.ActionNeedInitialImport,
			ServerTime: s.now().UTC(),
		}, nil
	}

	entry := &models.SyncHistoryEntry{
		OwnerID:        req.OwnerID,
		InstanceID:     req.InstanceID,
		Kind:           models.SyncKindSync,
		ChangesCount:   len(changes),
		DeviceMetadata: req.Metadata,
	}

	results := make([]models.ItemResult, 0, len(changes))
	applied := 0
	for i := range changes {
		change := &changes[i]

		version, err := s.applyChange(ctx, req, change)
		res := models.ItemResult{ID: change.ID, TargetID: change.TargetID}
		if err != nil {
			res.ErrorKind = models.ClassifyItemError(err)
			res.Error = err.Error()
			entry.Errors = append(entry.Errors, models.SyncHistoryError{
				Kind:    res.ErrorKind,
				ItemID:  change.ID,
				Message: err.Error(),
			})
			logger.WithError(err).WithFields(map[string]interface{}{
				"change_id": change.ID,
				"type":      change.Type(),
				"target_id": change.TargetID,
			}).Warn("Change rejected")
		} else {
			res.Success = true
			res.Version = version
			applied++
			switch change.EntityKind {
			case models.EntityBookmark:
				entry.BookmarksProcessed++
			case models.EntityFolder:
				entry.FoldersProcessed++
			}
		}
		results = append(results, res)
	}

	entry.Status = models.StatusFor(len(changes), len(changes)-applied)
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	// Taken before the query so that anything written afterwards is picked
	// up by the next sync.
	serverTime := s.now().UTC()

	remote, err := s.remoteChanges(ctx, req.OwnerID, req.InstanceID, req.Since)
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"applied": applied,
		"failed":  len(changes) - applied,
		"remote":  len(remote),
		"status":  string(entry.Status),
	}).Info("Batch applied")

	return &models.SyncResponse{
		Action:         models.ActionSyncComplete,
		ChangesApplied: applied,
		Results:        results,
		RemoteChanges:  remote,
		ServerTime:     serverTime,
		Deferred:       deferred,
	}, nil
}

// applyChange runs one change in its own transaction and returns the
// resulting entity version.
func (s *Service) applyChange(ctx context.Context, req *models.BatchRequest, change *models.ChangeRecord) (int64, error) {
	if err := change.Validate(); err != nil {
		return 0, &models.IngestItemError{Kind: models.ItemErrorValidation, ItemID: change.ID, Err: err}
	}

	meta := req.Metadata.Merge(change.Metadata)

	var version int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		now := s.now().UTC()

		switch p := change.Payload.(type) {
		case models.CreatePayload:
			if err := checkBaseVersion(tx, req.OwnerID, change); err != nil {
				return err
			}
			added := p.DateAdded
			if added.IsZero() {
				added = now
			}
			v, err := tx.Upsert(&models.Entity{
				Kind:               change.EntityKind,
				LocalID:            change.TargetID,
				OwnerID:            req.OwnerID,
				Title:              p.Title,
				URL:                p.URL,
				ParentLocalID:      p.ParentID,
				Position:           p.Index,
				AddedAt:            added,
				LastChange:         models.ChangeCreate,
				LastInstanceID:     req.InstanceID,
				LastDeviceMetadata: meta,
				CreatedAt:          now,
				UpdatedAt:          now,
			})
			version = v
			return err

		case models.UpdatePayload:
			e, err := liveEntity(tx, req.OwnerID, change)
			if err != nil {
				return err
			}
			if p.Title != nil {
				e.Title = *p.Title
			}
			if p.URL != nil {
				e.URL = *p.URL
			}
			if p.Index != nil {
				e.Position = *p.Index
			}
			version, err = s.save(tx, e, models.ChangeUpdate, req.InstanceID, meta, now)
			return err

		case models.MovePayload:
			e, err := liveEntity(tx, req.OwnerID, change)
			if err != nil {
				return err
			}
			e.ParentLocalID = p.ParentID
			e.Position = p.Index
			version, err = s.save(tx, e, models.ChangeMove, req.InstanceID, meta, now)
			return err

		case models.DeletePayload:
			e, err := tx.Get(change.EntityKind, req.OwnerID, change.TargetID)
			if err != nil {
				return fmt.Errorf("%s %s: %w", change.EntityKind, change.TargetID, err)
			}
			if e.Deleted() {
				// Re-delivered delete
				version = e.Version
				return nil
			}
			if err := compareVersion(change, e); err != nil {
				return err
			}
			e.Status = models.StatusDeleted
			version, err = s.save(tx, e, models.ChangeDelete, req.InstanceID, meta, now)
			return err

		default:
			return fmt.Errorf("%w: unsupported payload %T", models.ErrInvalidChange, p)
		}
	})
	if err != nil {
		return 0, &models.IngestItemError{Kind: models.ClassifyItemError(err), ItemID: change.ID, Err: err}
	}

	return version, nil
}

func (s *Service) save(tx store.Tx, e *models.Entity, kind models.ChangeKind, instanceID string, meta models.DeviceMetadata, now time.Time) (int64, error) {
	e.LastChange = kind
	e.LastInstanceID = instanceID
	e.LastDeviceMetadata = meta
	e.UpdatedAt = now
	return tx.Save(e)
}

// liveEntity loads the target of an update or move, which must exist and
// not be a tombstone.
func liveEntity(tx store.Tx, ownerID string, change *models.ChangeRecord) (*models.Entity, error) {
	e, err := tx.Get(change.EntityKind, ownerID, change.TargetID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", change.EntityKind, change.TargetID, err)
	}
	if e.Deleted() {
		return nil, fmt.Errorf("%s %s is deleted: %w", change.EntityKind, change.TargetID, models.ErrNotFound)
	}
	if err := compareVersion(change, e); err != nil {
		return nil, err
	}
	return e, nil
}

// checkBaseVersion compares a create's base version with the stored row,
// if any. A missing row is fine for creates.
func checkBaseVersion(tx store.Tx, ownerID string, change *models.ChangeRecord) error {
	if change.BaseVersion == 0 {
		return nil
	}
	e, err := tx.Get(change.EntityKind, ownerID, change.TargetID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return compareVersion(change, e)
}

func compareVersion(change *models.ChangeRecord, e *models.Entity) error {
	if change.BaseVersion == 0 || change.BaseVersion == e.Version {
		return nil
	}
	return fmt.Errorf("%w: %s %s is at version %d, change made against %d",
		models.ErrConflict, change.EntityKind, change.TargetID, e.Version, change.BaseVersion)
}

// History lists the ledger of owner, newest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]models.SyncHistoryEntry, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("history: %w", models.ErrIdentityMissing)
	}
	return s.store.History(ctx, ownerID, limit)
}

// remoteChanges lists what instances other than instanceID changed since
// the marker, in replay form.
func (s *Service) remoteChanges(ctx context.Context, ownerID, instanceID string, since time.Time) ([]models.RemoteChange, error) {
	entities, err := s.store.ChangedSince(ctx, ownerID, instanceID, since)
	if err != nil {
		return nil, fmt.Errorf("query remote changes: %w", err)
	}

	var out []models.RemoteChange
	for i := range entities {
		if rc, ok := entities[i].RemoteChangeSince(since); ok {
			out = append(out, rc)
		}
	}
	return out, nil
}

// heartbeat records the instance; failures are logged only.
func (s *Service) heartbeat(ctx context.Context, ownerID, instanceID string, meta models.DeviceMetadata) {
	if instanceID == "" {
		return
	}
	inst := models.NewClientInstance(ownerID, instanceID, meta, s.now().UTC())
	if err := s.store.UpsertInstance(ctx, inst); err != nil {
		s.logger.WithError(err).WithField("instance_id", instanceID).Warn("Failed to record client instance")
	}
}
