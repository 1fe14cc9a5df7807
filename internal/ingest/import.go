package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/store"
)

// ApplyInitialImport stores a full tree in one transaction: every folder,
// parents first, then every bookmark. Any failure aborts the import with an
// *models.IngestFatalError and nothing is committed.
func (s *Service) ApplyInitialImport(ctx context.Context, req *models.InitialImportRequest) (*models.SyncResponse, error) {
	if req.OwnerID == "" || req.InstanceID == "" {
		return nil, fmt.Errorf("initial import: %w", models.ErrIdentityMissing)
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"owner_id":    req.OwnerID,
		"instance_id": req.InstanceID,
		"folders":     len(req.Folders),
		"bookmarks":   len(req.Bookmarks),
	})

	s.heartbeat(ctx, req.OwnerID, req.InstanceID, req.Metadata)

	entry := &models.SyncHistoryEntry{
		OwnerID:        req.OwnerID,
		InstanceID:     req.InstanceID,
		Kind:           models.SyncKindInitialImport,
		ChangesCount:   len(req.Folders) + len(req.Bookmarks),
		DeviceMetadata: req.Metadata,
	}

	folders, err := orderFolders(req.Folders)
	if err != nil {
		return nil, s.importFailed(ctx, entry, &models.IngestFatalError{Phase: "order folders", Err: err})
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		now := s.now().UTC()
		inserted := make(map[string]bool, len(folders))

		resolve := func(parentID string) error {
			if parentID == "" || inserted[parentID] {
				return nil
			}
			existing, err := tx.Get(models.EntityFolder, req.OwnerID, parentID)
			if errors.Is(err, models.ErrNotFound) || (err == nil && existing.Deleted()) {
				return fmt.Errorf("%w: parent folder %s", models.ErrNotFound, parentID)
			}
			return err
		}

		for _, f := range folders {
			if err := resolve(f.ParentID); err != nil {
				return &models.IngestFatalError{Phase: "folder " + f.ID, Err: err}
			}
			if _, err := tx.Upsert(s.importEntity(req, models.EntityFolder, f.ID, f.ParentID, f.Title, "", f.Index, f.DateAdded, now)); err != nil {
				return &models.IngestFatalError{Phase: "folder " + f.ID, Err: err}
			}
			inserted[f.ID] = true
			entry.FoldersProcessed++
		}

		for _, b := range req.Bookmarks {
			if err := validateImportURL(b); err != nil {
				return &models.IngestFatalError{Phase: "bookmark " + b.ID, Err: err}
			}
			if err := resolve(b.ParentID); err != nil {
				return &models.IngestFatalError{Phase: "bookmark " + b.ID, Err: err}
			}
			if _, err := tx.Upsert(s.importEntity(req, models.EntityBookmark, b.ID, b.ParentID, b.Title, b.URL, b.Index, b.DateAdded, now)); err != nil {
				return &models.IngestFatalError{Phase: "bookmark " + b.ID, Err: err}
			}
			entry.BookmarksProcessed++
		}

		entry.Status = models.SyncStatusSuccess
		return tx.AppendHistory(entry)
	})
	if err != nil {
		var fatal *models.IngestFatalError
		if !errors.As(err, &fatal) {
			fatal = &models.IngestFatalError{Phase: "commit", Err: err}
		}
		return nil, s.importFailed(ctx, entry, fatal)
	}

	logger.Info("Initial import stored")

	return &models.SyncResponse{
		Action: models.ActionInitialImportComplete,
		Imported: &models.ImportCounts{
			Folders:   entry.FoldersProcessed,
			Bookmarks: entry.BookmarksProcessed,
		},
		ServerTime: s.now().UTC(),
	}, nil
}

func (s *Service) importEntity(req *models.InitialImportRequest, kind models.EntityKind, id, parentID, title, url string, index int, added, now time.Time) *models.Entity {
	if added.IsZero() {
		added = now
	}
	return &models.Entity{
		Kind:               kind,
		LocalID:            id,
		OwnerID:            req.OwnerID,
		Title:              title,
		URL:                url,
		ParentLocalID:      parentID,
		Position:           index,
		AddedAt:            added,
		LastChange:         models.ChangeCreate,
		LastInstanceID:     req.InstanceID,
		LastDeviceMetadata: req.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// importFailed records a FAILED ledger entry outside the rolled back
// transaction and returns fatal.
func (s *Service) importFailed(ctx context.Context, entry *models.SyncHistoryEntry, fatal *models.IngestFatalError) error {
	entry.Status = models.SyncStatusFailed
	entry.FoldersProcessed = 0
	entry.BookmarksProcessed = 0
	entry.Errors = []models.SyncHistoryError{{
		Kind:    models.ClassifyItemError(fatal.Err),
		ItemID:  fatal.Phase,
		Message: fatal.Err.Error(),
	}}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		s.logger.WithError(err).Warn("Failed to record failed import")
	}

	s.logger.WithError(fatal).WithField("owner_id", entry.OwnerID).Error("Initial import failed")
	return fatal
}

// orderFolders sorts folders so every parent precedes its children. Parents
// outside the input keep their children in the first round; a cycle or a
// duplicate id is an error.
func orderFolders(folders []models.ImportFolder) ([]models.ImportFolder, error) {
	byID := make(map[string]models.ImportFolder, len(folders))
	children := make(map[string][]string)
	for _, f := range folders {
		if f.ID == "" {
			return nil, fmt.Errorf("%w: folder without id", models.ErrInvalidChange)
		}
		if _, dup := byID[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate folder %s", models.ErrInvalidChange, f.ID)
		}
		byID[f.ID] = f
	}

	var roots []string
	for _, f := range folders {
		if _, inInput := byID[f.ParentID]; inInput && f.ParentID != f.ID {
			children[f.ParentID] = append(children[f.ParentID], f.ID)
		} else if f.ParentID == f.ID {
			return nil, fmt.Errorf("%w: folder %s is its own parent", models.ErrInvalidChange, f.ID)
		} else {
			roots = append(roots, f.ID)
		}
	}
	sort.Strings(roots)

	ordered := make([]models.ImportFolder, 0, len(folders))
	queue := roots
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byID[id])

		kids := children[id]
		sort.Slice(kids, func(i, j int) bool {
			a, b := byID[kids[i]], byID[kids[j]]
			if a.Index != b.Index {
				return a.Index < b.Index
			}
			return a.ID < b.ID
		})
		queue = append(queue, kids...)
	}

	if len(ordered) != len(folders) {
		return nil, fmt.Errorf("%w: folder parents form a cycle", models.ErrInvalidChange)
	}
	return ordered, nil
}

func validateImportURL(b models.ImportBookmark) error {
	if b.ID == "" {
		return fmt.Errorf("%w: bookmark without id", models.ErrInvalidChange)
	}
	if b.URL == "" {
		return fmt.Errorf("%w: bookmark %s has no url", models.ErrInvalidChange, b.ID)
	}
	return nil
}
