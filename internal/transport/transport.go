// Package transport is the agent's stateless client for the ingest server.
// Requests are bounded by the configured timeout and never retried here;
// a failed attempt is retried by the next sync.
package transport

import (
	"context"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// API paths.
const (
	PathStatus        = "/api/sync/status"
	PathBatch         = "/api/sync/batch"
	PathInitialImport = "/api/sync/initial-import"
	PathHistory       = "/api/sync/history"
)

// Transport performs the network operations the sync engine needs.
type Transport interface {
	// Status asks whether owner needs an initial import and how many
	// changes other instances made since the marker.
	Status(ctx context.Context, ownerID, instanceID string, since time.Time) (*models.StatusResponse, error)

	// SubmitBatch sends queued changes.
	SubmitBatch(ctx context.Context, req *models.BatchRequest) (*models.SyncResponse, error)

	// SubmitInitialImport uploads a full tree.
	SubmitInitialImport(ctx context.Context, req *models.InitialImportRequest) (*models.SyncResponse, error)

	// Close releases idle connections.
	Close() error
}
