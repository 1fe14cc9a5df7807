package models

import (
	"github.com/google/uuid"
)

// DeviceIdentity scopes an installation's changes on the server.
type DeviceIdentity struct {
	OwnerID    string `json:"ownerId"`    // Groups entities server-side
	InstanceID string `json:"instanceId"` // One per installation
}

// NewDeviceIdentity generates a fresh identity.
func NewDeviceIdentity() DeviceIdentity {
	return DeviceIdentity{
		OwnerID:    uuid.NewString(),
		InstanceID: uuid.NewString(),
	}
}

// WithOwner returns a copy scoped to owner, or the identity unchanged when
// owner is empty.
func (d DeviceIdentity) WithOwner(owner string) DeviceIdentity {
	if owner != "" {
		d.OwnerID = owner
	}
	return d
}

// Valid reports whether both identifiers are set.
func (d DeviceIdentity) Valid() bool {
	return d.OwnerID != "" && d.InstanceID != ""
}

// DeviceMetadata describes the device and host a change came from.
type DeviceMetadata struct {
	DeviceID       string `json:"deviceId,omitempty"`
	BrowserName    string `json:"browserName,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	OSVersion      string `json:"osVersion,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
}

// Merge fills empty fields of m from other.
func (m DeviceMetadata) Merge(other DeviceMetadata) DeviceMetadata {
	if m.DeviceID == "" {
		m.DeviceID = other.DeviceID
	}
	if m.BrowserName == "" {
		m.BrowserName = other.BrowserName
	}
	if m.BrowserVersion == "" {
		m.BrowserVersion = other.BrowserVersion
	}
	if m.OS == "" {
		m.OS = other.OS
	}
	if m.OSVersion == "" {
		m.OSVersion = other.OSVersion
	}
	if m.UserAgent == "" {
		m.UserAgent = other.UserAgent
	}
	return m
}
