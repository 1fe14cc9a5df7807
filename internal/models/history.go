package models

import "time"

// SyncKind distinguishes ledger entries.
type SyncKind string

const (
	SyncKindInitialImport SyncKind = "INITIAL_IMPORT"
	SyncKindSync          SyncKind = "SYNC"
)

// SyncStatus is the overall outcome recorded in the ledger.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusPartial SyncStatus = "PARTIAL"
	SyncStatusFailed  SyncStatus = "FAILED"
)

// StatusFor derives the ledger status of a run that processed total items
// of which failed did not apply. An empty run is a success.
func StatusFor(total, failed int) SyncStatus {
	switch {
	case failed == 0:
		return SyncStatusSuccess
	case failed >= total:
		return SyncStatusFailed
	default:
		return SyncStatusPartial
	}
}

// ItemErrorKind classifies a per-item ingest failure.
type ItemErrorKind string

const (
	ItemErrorValidation ItemErrorKind = "VALIDATION"
	ItemErrorNotFound   ItemErrorKind = "NOT_FOUND"
	ItemErrorConflict   ItemErrorKind = "CONFLICT"
	ItemErrorStorage    ItemErrorKind = "STORAGE"
)

// SyncHistoryEntry is one append-only ledger row.
type SyncHistoryEntry struct {
	ID                 int64              `json:"id"`
	OwnerID            string             `json:"ownerId"`
	InstanceID         string             `json:"instanceId"`
	Kind               SyncKind           `json:"kind"`
	ChangesCount       int                `json:"changesCount"`
	Status             SyncStatus         `json:"status"`
	BookmarksProcessed int                `json:"bookmarksProcessed"`
	FoldersProcessed   int                `json:"foldersProcessed"`
	DeviceMetadata     DeviceMetadata     `json:"deviceMetadata"`
	CreatedAt          time.Time          `json:"createdAt"`
	Errors             []SyncHistoryError `json:"errors,omitempty"`
}

// SyncHistoryError records one failed item of a ledger entry.
type SyncHistoryError struct {
	Kind    ItemErrorKind `json:"kind"`
	ItemID  string        `json:"itemId"`
	Message string        `json:"message"`
}
