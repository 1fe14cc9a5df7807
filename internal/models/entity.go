package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityStatus marks live rows and tombstones.
type EntityStatus string

const (
	StatusActive  EntityStatus = "active"
	StatusDeleted EntityStatus = "deleted"
)

// Entity is a stored bookmark or folder.
type Entity struct {
	Kind          EntityKind   `json:"kind"`
	LocalID       string       `json:"localId"`
	OwnerID       string       `json:"ownerId"`
	Title         string       `json:"title"`
	URL           string       `json:"url,omitempty"`
	ParentLocalID string       `json:"parentLocalId,omitempty"`
	Position      int          `json:"position"`
	AddedAt       time.Time    `json:"addedAt"`
	Status        EntityStatus `json:"status"`
	Version       int64        `json:"version"`

	LastChange         ChangeKind     `json:"lastChange"`
	LastInstanceID     string         `json:"lastInstanceId"`
	LastDeviceMetadata DeviceMetadata `json:"lastDeviceMetadata"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Deleted reports whether the entity is a tombstone.
func (e *Entity) Deleted() bool {
	return e.Status == StatusDeleted
}

// RemoteChangeSince describes how another instance should replay e, given
// the marker of its last sync. ok is false when there is nothing to replay:
// the entity was created and deleted entirely after since.
func (e *Entity) RemoteChangeSince(since time.Time) (RemoteChange, bool) {
	rc := RemoteChange{
		EntityKind: e.Kind,
		TargetID:   e.LocalID,
		Version:    e.Version,
	}

	createdAfter := since.IsZero() || e.CreatedAt.After(since)

	switch {
	case e.Deleted() && createdAfter:
		return RemoteChange{}, false
	case e.Deleted():
		rc.Kind = ChangeDelete
		rc.Payload = DeletePayload{ParentID: e.ParentLocalID, Index: e.Position}
	case createdAfter || e.LastChange == ChangeCreate:
		rc.Kind = ChangeCreate
		rc.Payload = CreatePayload{
			Title:     e.Title,
			URL:       e.URL,
			ParentID:  e.ParentLocalID,
			Index:     e.Position,
			DateAdded: e.AddedAt,
		}
	case e.LastChange == ChangeMove:
		rc.Kind = ChangeMove
		rc.Payload = MovePayload{ParentID: e.ParentLocalID, Index: e.Position}
	default:
		rc.Kind = ChangeUpdate
		up := UpdatePayload{Title: StringPtr(e.Title), Index: IntPtr(e.Position)}
		if e.Kind == EntityBookmark {
			up.URL = StringPtr(e.URL)
		}
		rc.Payload = up
	}

	return rc, true
}

// RemoteChange is an entity change made by another instance, returned to
// the agent for apply-back.
type RemoteChange struct {
	Kind       ChangeKind
	EntityKind EntityKind
	TargetID   string
	Version    int64
	Payload    Payload
}

// Type returns the wire type string.
func (r *RemoteChange) Type() string {
	return ChangeType(r.Kind, r.EntityKind)
}

type remoteChangeJSON struct {
	Type     string          `json:"type"`
	TargetID string          `json:"targetId"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data"`
}

// MarshalJSON encodes the wire form.
func (r RemoteChange) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(remoteChangeJSON{
		Type:     r.Type(),
		TargetID: r.TargetID,
		Version:  r.Version,
		Data:     data,
	})
}

// UnmarshalJSON decodes the wire form.
func (r *RemoteChange) UnmarshalJSON(b []byte) error {
	var raw remoteChangeJSON
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

	*r = RemoteChange{
		Kind:       kind,
		EntityKind: entity,
		TargetID:   raw.TargetID,
		Version:    raw.Version,
		Payload:    payload,
	}
	return nil
}

// ClientInstance is the server's heartbeat record of one agent installation.
type ClientInstance struct {
	InstanceID     string    `json:"instanceId"`
	OwnerID        string    `json:"ownerId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	BrowserName    string    `json:"browserName,omitempty"`
	BrowserVersion string    `json:"browserVersion,omitempty"`
	OS             string    `json:"os,omitempty"`
	OSVersion      string    `json:"osVersion,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	LastSeen       time.Time `json:"lastSeen"`
}

// NewClientInstance builds a heartbeat record from request metadata.
func NewClientInstance(owner, instance string, meta DeviceMetadata, seen time.Time) ClientInstance {
	return ClientInstance{
		InstanceID:     instance,
		OwnerID:        owner,
		DeviceID:       meta.DeviceID,
		BrowserName:    meta.BrowserName,
		BrowserVersion: meta.BrowserVersion,
		OS:             meta.OS,
		OSVersion:      meta.OSVersion,
		UserAgent:      meta.UserAgent,
		LastSeen:       seen,
	}
}
