package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeQueue       = "QUEUE_ERROR"
	ErrCodeHost        = "HOST_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeServerError = "SERVER_ERROR"
	ErrCodeTooLarge    = "BATCH_TOO_LARGE"
)

// Sentinel errors
var (
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrIdentityMissing = errors.New("device identity missing")
	ErrNotFound        = errors.New("not found")
	ErrInvalidChange   = errors.New("invalid change")
	ErrConflict        = errors.New("version conflict")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrHostUnavailable = errors.New("host not connected")
	ErrCaptureStopped  = errors.New("capture loop stopped")
	ErrBatchTooLarge   = errors.New("batch too large")
	ErrUnexpectedReply = errors.New("unexpected server reply")
)

// APIError represents an error response from the ingest server.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// CaptureError is a host notification that could not be normalized.
type CaptureError struct {
	Event  string
	NodeID string
	Reason string
}

func (e *CaptureError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("capture %s %s: %s", e.Event, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("capture %s: %s", e.Event, e.Reason)
}

// QueueError is a failed durable queue operation.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// TransportError is a network failure or non-2xx response.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IngestItemError is one change of a batch that failed server-side.
type IngestItemError struct {
	Kind   ItemErrorKind
	ItemID string
	Err    error
}

func (e *IngestItemError) Error() string {
	return fmt.Sprintf("ingest item %s [%s]: %v", e.ItemID, e.Kind, e.Err)
}

func (e *IngestItemError) Unwrap() error {
	return e.Err
}

// ClassifyItemError maps an item failure onto its ledger kind.
func ClassifyItemError(err error) ItemErrorKind {
	var itemErr *IngestItemError
	switch {
	case errors.As(err, &itemErr):
		return itemErr.Kind
	case errors.Is(err, ErrInvalidChange):
		return ItemErrorValidation
	case errors.Is(err, ErrNotFound):
		return ItemErrorNotFound
	case errors.Is(err, ErrConflict):
		return ItemErrorConflict
	default:
		return ItemErrorStorage
	}
}

// IngestFatalError aborts a whole initial import.
type IngestFatalError struct {
	Phase string
	Err   error
}

func (e *IngestFatalError) Error() string {
	return fmt.Sprintf("initial import %s: %v", e.Phase, e.Err)
}

func (e *IngestFatalError) Unwrap() error {
	return e.Err
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code    string
	Phase   string
	OwnerID string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s [%s]: owner %s: %v", e.Phase, e.Code, e.OwnerID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
