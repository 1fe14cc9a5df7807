package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/models"
)

func TestParseChangeType(t *testing.T) {
	kind, entity, err := models.ParseChangeType("MOVE_FOLDER")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeMove, kind)
	assert.Equal(t, models.EntityFolder, entity)

	for _, bad := range []string{"", "CREATE", "CREATE_", "_BOOKMARK", "RENAME_BOOKMARK", "CREATE_SEPARATOR"} {
		_, _, err := models.ParseChangeType(bad)
		assert.ErrorIs(t, err, models.ErrInvalidChange, bad)
	}
}

func TestChangeRecordWireForm(t *testing.T) {
	captured := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := models.ChangeRecord{
		ID:         "c-1",
		Seq:        7,
		Kind:       models.ChangeUpdate,
		EntityKind: models.EntityBookmark,
		TargetID:   "b1",
		Payload:    models.UpdatePayload{Title: models.StringPtr("Renamed")},
		CapturedAt: captured,
		Metadata:   models.DeviceMetadata{BrowserName: "firefox"},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "UPDATE_BOOKMARK", wire["type"])
	assert.Equal(t, "b1", wire["targetId"])
	assert.Equal(t, map[string]interface{}{"title": "Renamed"}, wire["data"])

	var decoded models.ChangeRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec, decoded)

	// The concrete payload type is restored, not a generic map
	up, ok := decoded.Payload.(models.UpdatePayload)
	require.True(t, ok)
	assert.Nil(t, up.URL)
	assert.Nil(t, up.Index)
}

func TestChangeRecordRejectsUnknownType(t *testing.T) {
	var rec models.ChangeRecord
	err := json.Unmarshal([]byte(`{"id":"x","type":"EXPLODE_BOOKMARK","targetId":"b","data":{}}`), &rec)
	assert.ErrorIs(t, err, models.ErrInvalidChange)

	err = json.Unmarshal([]byte(`{"id":"x","type":"CREATE_BOOKMARK","targetId":"b"}`), &rec)
	assert.ErrorIs(t, err, models.ErrInvalidChange)
}

func TestChangeRecordValidate(t *testing.T) {
	base := func(kind models.ChangeKind, entity models.EntityKind, p models.Payload) models.ChangeRecord {
		return models.ChangeRecord{ID: "c", Kind: kind, EntityKind: entity, TargetID: "n1", Payload: p}
	}

	tests := []struct {
		name    string
		rec     models.ChangeRecord
		wantErr bool
	}{
		{"bookmark create", base(models.ChangeCreate, models.EntityBookmark,
			models.CreatePayload{Title: "x", URL: "https://example.com", ParentID: "f1"}), false},
		{"folder create", base(models.ChangeCreate, models.EntityFolder,
			models.CreatePayload{Title: "f", ParentID: "root"}), false},
		{"bookmark without url", base(models.ChangeCreate, models.EntityBookmark,
			models.CreatePayload{Title: "x"}), true},
		{"relative url", base(models.ChangeCreate, models.EntityBookmark,
			models.CreatePayload{Title: "x", URL: "example.com/path"}), true},
		{"folder with url", base(models.ChangeCreate, models.EntityFolder,
			models.CreatePayload{Title: "f", URL: "https://example.com"}), true},
		{"empty update", base(models.ChangeUpdate, models.EntityBookmark, models.UpdatePayload{}), true},
		{"index update", base(models.ChangeUpdate, models.EntityFolder,
			models.UpdatePayload{Index: models.IntPtr(2)}), false},
		{"folder url update", base(models.ChangeUpdate, models.EntityFolder,
			models.UpdatePayload{URL: models.StringPtr("https://example.com")}), true},
		{"move without parent", base(models.ChangeMove, models.EntityBookmark, models.MovePayload{}), true},
		{"delete", base(models.ChangeDelete, models.EntityFolder, models.DeletePayload{ParentID: "f1"}), false},
		{"payload kind mismatch", base(models.ChangeDelete, models.EntityFolder, models.MovePayload{ParentID: "p"}), true},
		{"missing payload", base(models.ChangeDelete, models.EntityFolder, nil), true},
		{"missing target", models.ChangeRecord{Kind: models.ChangeDelete, EntityKind: models.EntityFolder,
			Payload: models.DeletePayload{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidChange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRemoteChangeSince(t *testing.T) {
	since := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	before := since.Add(-time.Hour)
	after := since.Add(time.Hour)

	entity := func(created time.Time, status models.EntityStatus, last models.ChangeKind) models.Entity {
		return models.Entity{
			Kind: models.EntityBookmark, LocalID: "b1", Title: "t", URL: "https://example.com",
			ParentLocalID: "f1", Position: 3, Status: status, Version: 4, LastChange: last,
			CreatedAt: created, UpdatedAt: after,
		}
	}

	t.Run("created after marker replays as create", func(t *testing.T) {
		e := entity(after, models.StatusActive, models.ChangeUpdate)
		rc, ok := e.RemoteChangeSince(since)
		require.True(t, ok)
		assert.Equal(t, models.ChangeCreate, rc.Kind)
		assert.Equal(t, "f1", rc.Payload.(models.CreatePayload).ParentID)
	})

	t.Run("created and deleted after marker is skipped", func(t *testing.T) {
		e := entity(after, models.StatusDeleted, models.ChangeDelete)
		_, ok := e.RemoteChangeSince(since)
		assert.False(t, ok)
	})

	t.Run("older entity deleted", func(t *testing.T) {
		e := entity(before, models.StatusDeleted, models.ChangeDelete)
		rc, ok := e.RemoteChangeSince(since)
		require.True(t, ok)
		assert.Equal(t, models.ChangeDelete, rc.Kind)
	})

	t.Run("older entity moved", func(t *testing.T) {
		e := entity(before, models.StatusActive, models.ChangeMove)
		rc, ok := e.RemoteChangeSince(since)
		require.True(t, ok)
		assert.Equal(t, models.MovePayload{ParentID: "f1", Index: 3}, rc.Payload)
	})

	t.Run("older entity updated", func(t *testing.T) {
		e := entity(before, models.StatusActive, models.ChangeUpdate)
		rc, ok := e.RemoteChangeSince(since)
		require.True(t, ok)
		up := rc.Payload.(models.UpdatePayload)
		assert.Equal(t, "t", *up.Title)
		assert.Equal(t, "https://example.com", *up.URL)
		assert.Equal(t, int64(4), rc.Version)
	})
}

func TestRemoteChangeJSON(t *testing.T) {
	rc := models.RemoteChange{
		Kind:       models.ChangeMove,
		EntityKind: models.EntityFolder,
		TargetID:   "f2",
		Version:    9,
		Payload:    models.MovePayload{ParentID: "f1", Index: 1},
	}

	data, err := json.Marshal(rc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"MOVE_FOLDER"`)

	var decoded models.RemoteChange
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rc, decoded)
}

func TestDeviceIdentity(t *testing.T) {
	id := models.NewDeviceIdentity()
	assert.True(t, id.Valid())
	assert.NotEqual(t, id.OwnerID, id.InstanceID)

	scoped := id.WithOwner("account-1")
	assert.Equal(t, "account-1", scoped.OwnerID)
	assert.Equal(t, id.InstanceID, scoped.InstanceID)
	assert.Equal(t, id, id.WithOwner(""))
}

func TestDeviceMetadataMerge(t *testing.T) {
	m := models.DeviceMetadata{BrowserName: "firefox"}
	merged := m.Merge(models.DeviceMetadata{BrowserName: "chrome", OS: "linux", DeviceID: "d1"})

	assert.Equal(t, "firefox", merged.BrowserName)
	assert.Equal(t, "linux", merged.OS)
	assert.Equal(t, "d1", merged.DeviceID)
}
