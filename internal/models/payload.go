package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Payload is the kind-specific body of a change. The concrete types are
// CreatePayload, UpdatePayload, MovePayload and DeletePayload.
type Payload interface {
	Kind() ChangeKind
	validate(entity EntityKind) error
}

// CreatePayload carries the full state of a new node.
type CreatePayload struct {
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	ParentID  string    `json:"parentId"`
	Index     int       `json:"index"`
	DateAdded time.Time `json:"dateAdded"`
}

// UpdatePayload carries only the fields that changed.
type UpdatePayload struct {
	Title *string `json:"title,omitempty"`
	URL   *string `json:"url,omitempty"`
	Index *int    `json:"index,omitempty"`
}

// MovePayload describes a change of parent.
type MovePayload struct {
	ParentID    string `json:"parentId"`
	OldParentID string `json:"oldParentId,omitempty"`
	Index       int    `json:"index"`
	OldIndex    int    `json:"oldIndex"`
}

// DeletePayload records where the node was removed from.
type DeletePayload struct {
	ParentID string `json:"parentId,omitempty"`
	Index    int    `json:"index"`
}

func (CreatePayload) Kind() ChangeKind { return ChangeCreate }
func (UpdatePayload) Kind() ChangeKind { return ChangeUpdate }
func (MovePayload) Kind() ChangeKind   { return ChangeMove }
func (DeletePayload) Kind() ChangeKind { return ChangeDelete }

func (p CreatePayload) validate(entity EntityKind) error {
	if p.Index < 0 {
		return fmt.Errorf("%w: negative index", ErrInvalidChange)
	}
	switch entity {
	case EntityBookmark:
		if err := validateURL(p.URL); err != nil {
			return err
		}
	case EntityFolder:
		if p.URL != "" {
			return fmt.Errorf("%w: folder cannot have a url", ErrInvalidChange)
		}
	}
	return nil
}

func (p UpdatePayload) validate(entity EntityKind) error {
	if p.Title == nil && p.URL == nil && p.Index == nil {
		return fmt.Errorf("%w: update without fields", ErrInvalidChange)
	}
	if p.Index != nil && *p.Index < 0 {
		return fmt.Errorf("%w: negative index", ErrInvalidChange)
	}
	if p.URL != nil {
		if entity == EntityFolder {
			return fmt.Errorf("%w: folder cannot have a url", ErrInvalidChange)
		}
		if err := validateURL(*p.URL); err != nil {
			return err
		}
	}
	return nil
}

func (p MovePayload) validate(EntityKind) error {
	if p.ParentID == "" {
		return fmt.Errorf("%w: move without destination parent", ErrInvalidChange)
	}
	if p.Index < 0 {
		return fmt.Errorf("%w: negative index", ErrInvalidChange)
	}
	return nil
}

func (p DeletePayload) validate(EntityKind) error {
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: bookmark without url", ErrInvalidChange)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: invalid url %q", ErrInvalidChange, raw)
	}
	return nil
}

// DecodePayload decodes raw JSON into the concrete payload for kind.
func DecodePayload(kind ChangeKind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing %s payload", ErrInvalidChange, kind)
	}

	switch kind {
	case ChangeCreate:
		var p CreatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode create payload: %v", ErrInvalidChange, err)
		}
		return p, nil
	case ChangeUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode update payload: %v", ErrInvalidChange, err)
		}
		return p, nil
	case ChangeMove:
		var p MovePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode move payload: %v", ErrInvalidChange, err)
		}
		return p, nil
	case ChangeDelete:
		var p DeletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode delete payload: %v", ErrInvalidChange, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, kind)
	}
}

// StringPtr returns a pointer to s, for building UpdatePayloads.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i, for building UpdatePayloads.
func IntPtr(i int) *int { return &i }
