package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire headers.
const (
	HeaderOwnerID    = "X-Owner-ID"
	HeaderInstanceID = "X-Instance-ID"
	HeaderRequestID  = "X-Request-ID"
)

// SyncAction is the outcome of a submission.
type SyncAction string

const (
	ActionInitialImportComplete SyncAction = "INITIAL_IMPORT_COMPLETE"
	ActionSyncComplete          SyncAction = "SYNC_COMPLETE"
	ActionNeedInitialImport     SyncAction = "NEED_INITIAL_IMPORT"
)

// APIResponse is the envelope of every server response.
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Counts groups pending remote changes by kind.
type Counts struct {
	Adds    int `json:"adds"`
	Updates int `json:"updates"`
	Moves   int `json:"moves"`
	Deletes int `json:"deletes"`
}

// Total returns the number of changes counted.
func (c Counts) Total() int {
	return c.Adds + c.Updates + c.Moves + c.Deletes
}

// Add counts one change of kind.
func (c *Counts) Add(kind ChangeKind) {
	switch kind {
	case ChangeCreate:
		c.Adds++
	case ChangeUpdate:
		c.Updates++
	case ChangeMove:
		c.Moves++
	case ChangeDelete:
		c.Deletes++
	}
}

// StatusResponse answers GET /api/sync/status.
type StatusResponse struct {
	NeedsInitialSync bool      `json:"needsInitialSync"`
	PendingChanges   Counts    `json:"pendingChanges"`
	ServerTime       time.Time `json:"serverTime"`
}

// BatchRequest is the body of POST /api/sync/batch.
type BatchRequest struct {
	Changes    []ChangeRecord `json:"changes"`
	OwnerID    string         `json:"ownerId"`
	InstanceID string         `json:"instanceId"`
	Since      time.Time      `json:"since"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   DeviceMetadata `json:"metadata"`
}

// UnmarshalJSON decodes the changes one at a time. A change that does not
// decode keeps its ids and carries the error in DecodeErr, so one bad item
// cannot sink the rest of the batch.
func (r *BatchRequest) UnmarshalJSON(b []byte) error {
	type plain BatchRequest
	var raw struct {
		plain
		Changes []json.RawMessage `json:"changes"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*r = BatchRequest(raw.plain)
	r.Changes = make([]ChangeRecord, 0, len(raw.Changes))
	for _, item := range raw.Changes {
		var c ChangeRecord
		if err := json.Unmarshal(item, &c); err != nil {
			c = undecodableChange(item, err)
		}
		r.Changes = append(r.Changes, c)
	}
	return nil
}

func undecodableChange(item json.RawMessage, err error) ChangeRecord {
	var ids struct {
		ID       string `json:"id"`
		TargetID string `json:"targetId"`
	}
	// Best effort, the item may not even be an object
	_ = json.Unmarshal(item, &ids)

	if !errors.Is(err, ErrInvalidChange) {
		err = fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return ChangeRecord{ID: ids.ID, TargetID: ids.TargetID, DecodeErr: err}
}

// ImportFolder is one folder of an initial import.
type ImportFolder struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Title     string    `json:"title"`
	Index     int       `json:"index"`
	DateAdded time.Time `json:"dateAdded"`
}

// ImportBookmark is one bookmark of an initial import.
type ImportBookmark struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Index     int       `json:"index"`
	DateAdded time.Time `json:"dateAdded"`
}

// InitialImportRequest is the body of POST /api/sync/initial-import.
type InitialImportRequest struct {
	Folders    []ImportFolder   `json:"folders"`
	Bookmarks  []ImportBookmark `json:"bookmarks"`
	OwnerID    string           `json:"ownerId"`
	InstanceID string           `json:"instanceId"`
	Metadata   DeviceMetadata   `json:"metadata"`
}

// ImportCounts reports how many entities an initial import wrote.
type ImportCounts struct {
	Folders   int `json:"folders"`
	Bookmarks int `json:"bookmarks"`
}

// ItemResult is the per-change outcome of a batch.
type ItemResult struct {
	ID        string        `json:"id"`
	TargetID  string        `json:"targetId"`
	Success   bool          `json:"success"`
	Version   int64         `json:"version,omitempty"`
	ErrorKind ItemErrorKind `json:"errorKind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SyncResponse is the data of a batch or initial-import response.
type SyncResponse struct {
	Action         SyncAction     `json:"action"`
	ChangesApplied int            `json:"changesApplied"`
	Results        []ItemResult   `json:"results,omitempty"`
	RemoteChanges  []RemoteChange `json:"remoteChanges,omitempty"`
	Imported       *ImportCounts  `json:"imported,omitempty"`
	ServerTime     time.Time      `json:"serverTime"`

	// Deferred counts trailing changes the server left unprocessed because
	// the batch exceeded its cap. They are still pending on the agent.
	Deferred int `json:"deferred,omitempty"`
}

// Failed returns the results that did not apply.
func (r *SyncResponse) Failed() []ItemResult {
	var failed []ItemResult
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}
