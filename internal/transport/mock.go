package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration
	StatusResponse *models.StatusResponse
	BatchResponse  *models.SyncResponse
	ImportResponse *models.SyncResponse

	// Dynamic responses, used instead of the fixed ones when set
	BatchFunc  func(*models.BatchRequest) (*models.SyncResponse, error)
	ImportFunc func(*models.InitialImportRequest) (*models.SyncResponse, error)

	// Error injection
	StatusError error
	BatchError  error
	ImportError error

	// OnSubmit runs while a submission is "in flight".
	OnSubmit func()

	// Request tracking
	StatusRequests []StatusRequest
	BatchRequests  []models.BatchRequest
	ImportRequests []models.InitialImportRequest

	closed bool
}

// StatusRequest tracks Status calls.
type StatusRequest struct {
	OwnerID    string
	InstanceID string
	Since      time.Time
}

// NewMockTransport creates a mock transport that reports an owner with
// data and accepts every batch.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		StatusResponse: &models.StatusResponse{},
	}
}

// Status mocks the status call.
func (m *MockTransport) Status(ctx context.Context, ownerID, instanceID string, since time.Time) (*models.StatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusRequests = append(m.StatusRequests, StatusRequest{OwnerID: ownerID, InstanceID: instanceID, Since: since})

	if m.StatusError != nil {
		return nil, m.StatusError
	}
	resp := *m.StatusResponse
	return &resp, nil
}

// SubmitBatch mocks batch submission.
func (m *MockTransport) SubmitBatch(ctx context.Context, req *models.BatchRequest) (*models.SyncResponse, error) {
	m.mu.Lock()
	m.BatchRequests = append(m.BatchRequests, *req)
	onSubmit, fn := m.OnSubmit, m.BatchFunc
	err, fixed := m.BatchError, m.BatchResponse
	m.mu.Unlock()

	if onSubmit != nil {
		onSubmit()
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, &models.TransportError{Op: "batch", Err: cerr}
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}
	if fixed != nil {
		resp := *fixed
		return &resp, nil
	}

	results := make([]models.ItemResult, len(req.Changes))
	for i, c := range req.Changes {
		results[i] = models.ItemResult{ID: c.ID, TargetID: c.TargetID, Success: true, Version: 1}
	}
	return &models.SyncResponse{
		Action:         models.ActionSyncComplete,
		ChangesApplied: len(req.Changes),
		Results:        results,
		ServerTime:     time.Now().UTC(),
	}, nil
}

// SubmitInitialImport mocks initial import.
func (m *MockTransport) SubmitInitialImport(ctx context.Context, req *models.InitialImportRequest) (*models.SyncResponse, error) {
	m.mu.Lock()
	m.ImportRequests = append(m.ImportRequests, *req)
	onSubmit, fn := m.OnSubmit, m.ImportFunc
	err, fixed := m.ImportError, m.ImportResponse
	m.mu.Unlock()

	if onSubmit != nil {
		onSubmit()
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, &models.TransportError{Op: "initial_import", Err: cerr}
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}
	if fixed != nil {
		resp := *fixed
		return &resp, nil
	}

	return &models.SyncResponse{
		Action: models.ActionInitialImportComplete,
		Imported: &models.ImportCounts{
			Folders:   len(req.Folders),
			Bookmarks: len(req.Bookmarks),
		},
		ServerTime: time.Now().UTC(),
	}, nil
}

// Close marks the mock closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Helper methods for testing

// BatchCount returns the number of batch submissions.
func (m *MockTransport) BatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.BatchRequests)
}

// ImportCount returns the number of initial imports.
func (m *MockTransport) ImportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.ImportRequests)
}

// SetStatus replaces the status answer.
func (m *MockTransport) SetStatus(needsInitialImport bool, pending models.Counts) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusResponse = &models.StatusResponse{NeedsInitialSync: needsInitialImport, PendingChanges: pending}
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}
