package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChangeKind is the kind of mutation a change record describes.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "CREATE"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
	ChangeMove   ChangeKind = "MOVE"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeMove:
		return true
	}
	return false
}

// EntityKind distinguishes bookmarks from folders.
type EntityKind string

const (
	EntityBookmark EntityKind = "bookmark"
	EntityFolder   EntityKind = "folder"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == EntityBookmark || k == EntityFolder
}

// ChangeType builds the wire type string, e.g. CREATE_BOOKMARK.
func ChangeType(kind ChangeKind, entity EntityKind) string {
	return string(kind) + "_" + strings.ToUpper(string(entity))
}

// ParseChangeType splits a wire type string into its kind and entity.
func ParseChangeType(s string) (ChangeKind, EntityKind, error) {
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("%w: malformed change type %q", ErrInvalidChange, s)
	}

	kind := ChangeKind(s[:idx])
	entity := EntityKind(strings.ToLower(s[idx+1:]))
	if !kind.Valid() || !entity.Valid() {
		return "", "", fmt.Errorf("%w: unknown change type %q", ErrInvalidChange, s)
	}
	return kind, entity, nil
}

// ChangeRecord is one captured local mutation.
type ChangeRecord struct {
	ID         string     // UUID assigned at capture
	Seq        int64      // Queue position, assigned on durable append
	Kind       ChangeKind // CREATE, UPDATE, DELETE or MOVE
	EntityKind EntityKind
	TargetID   string // Host-native node id
	Payload    Payload

	// BaseVersion is the entity version the change was made against.
	// Zero means last-write-wins.
	BaseVersion int64

	CapturedAt time.Time
	Metadata   DeviceMetadata

	// DecodeErr is set on a batch item that arrived in a form that could
	// not be decoded. Only ID and TargetID are meaningful then.
	DecodeErr error
}

// Type returns the wire type string of the record.
func (c *ChangeRecord) Type() string {
	return ChangeType(c.Kind, c.EntityKind)
}

// Validate checks the record is well formed for ingest.
func (c *ChangeRecord) Validate() error {
	if c.DecodeErr != nil {
		return c.DecodeErr
	}
	if c.TargetID == "" {
		return fmt.Errorf("%w: missing target id", ErrInvalidChange)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, c.Kind)
	}
	if !c.EntityKind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidChange, c.EntityKind)
	}
	if c.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidChange, c.Type())
	}
	if c.Payload.Kind() != c.Kind {
		return fmt.Errorf("%w: %s carries a %s payload", ErrInvalidChange, c.Type(), c.Payload.Kind())
	}
	if c.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version", ErrInvalidChange)
	}
	return c.Payload.validate(c.EntityKind)
}

type changeJSON struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq,omitempty"`
	Type        string          `json:"type"`
	TargetID    string          `json:"targetId"`
	Data        json.RawMessage `json:"data"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	Metadata    DeviceMetadata  `json:"metadata"`
	CapturedAt  time.Time       `json:"capturedAt"`
}

// MarshalJSON encodes the record in its wire form.
func (c ChangeRecord) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return json.Marshal(changeJSON{
		ID:          c.ID,
		Seq:         c.Seq,
		Type:        c.Type(),
		TargetID:    c.TargetID,
		Data:        data,
		BaseVersion: c.BaseVersion,
		Metadata:    c.Metadata,
		CapturedAt:  c.CapturedAt,
	})
}

// UnmarshalJSON decodes the wire form, selecting the payload type from the
// change type string.
func (c *ChangeRecord) UnmarshalJSON(b []byte) error {
	var raw changeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	kind, entity, err := ParseChangeType(raw.Type)
	if err != nil {
		return err
	}

	payload, err := DecodePayload(kind, raw.Data)
	if err != nil {
		return err
	}

	*c = ChangeRecord{
		ID:          raw.ID,
		Seq:         raw.Seq,
		Kind:        kind,
		EntityKind:  entity,
		TargetID:    raw.TargetID,
		Payload:     payload,
		BaseVersion: raw.BaseVersion,
		CapturedAt:  raw.CapturedAt,
		Metadata:    raw.Metadata,
	}
	return nil
}
