package sync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/services/sync"
)

func TestFlatten(t *testing.T) {
	added := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	root := &host.Node{ID: "root", Type: host.NodeFolder, Title: "Bookmarks", Children: []*host.Node{
		{ID: "f1", ParentID: "root", Index: 0, Type: host.NodeFolder, Title: "Café", DateAdded: added, Children: []*host.Node{
			{ID: "b1", ParentID: "f1", Index: 0, Type: host.NodeBookmark, Title: "Go", URL: "https://go.dev"},
			{ID: "s1", ParentID: "f1", Index: 1, Type: host.NodeSeparator},
			{ID: "f2", ParentID: "f1", Index: 2, Type: host.NodeFolder, Title: "Empty"},
		}},
		{ID: "b2", ParentID: "root", Index: 1, Type: host.NodeBookmark, Title: "Top", URL: "https://example.com"},
	}}

	req := sync.Flatten(root)

	require.Len(t, req.Folders, 3)
	assert.Equal(t, models.ImportFolder{ID: "root", Title: "Bookmarks"}, req.Folders[0])
	assert.Equal(t, "f1", req.Folders[1].ID)
	assert.Equal(t, "Café", req.Folders[1].Title)
	assert.Equal(t, time.UTC, req.Folders[1].DateAdded.Location())
	assert.True(t, req.Folders[1].DateAdded.Equal(added))
	assert.Equal(t, models.ImportFolder{ID: "f2", ParentID: "f1", Title: "Empty", Index: 2}, req.Folders[2])

	require.Len(t, req.Bookmarks, 2)
	assert.Equal(t, "b1", req.Bookmarks[0].ID)
	assert.Equal(t, "https://go.dev", req.Bookmarks[0].URL)
	assert.Equal(t, "root", req.Bookmarks[1].ParentID)
	assert.Equal(t, 1, req.Bookmarks[1].Index)
}

func TestFlattenEmptyTree(t *testing.T) {
	req := sync.Flatten(nil)
	assert.NotNil(t, req.Folders)
	assert.NotNil(t, req.Bookmarks)
	assert.Empty(t, req.Folders)
}

func TestCommandFor(t *testing.T) {
	added := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		change models.RemoteChange
		want   host.Command
	}{
		{
			name: "create bookmark",
			change: models.RemoteChange{Kind: models.ChangeCreate, EntityKind: models.EntityBookmark, TargetID: "b1",
				Payload: models.CreatePayload{Title: "Go", URL: "https://go.dev", ParentID: "f1", Index: 2, DateAdded: added}},
			want: host.Command{Op: host.OpCreate, ID: "b1", NodeType: host.NodeBookmark, ParentID: "f1",
				Index: models.IntPtr(2), Title: models.StringPtr("Go"), URL: models.StringPtr("https://go.dev"), DateAdded: added},
		},
		{
			name: "create folder carries no url",
			change: models.RemoteChange{Kind: models.ChangeCreate, EntityKind: models.EntityFolder, TargetID: "f1",
				Payload: models.CreatePayload{Title: "Work", ParentID: "root"}},
			want: host.Command{Op: host.OpCreate, ID: "f1", NodeType: host.NodeFolder, ParentID: "root",
				Index: models.IntPtr(0), Title: models.StringPtr("Work")},
		},
		{
			name: "update",
			change: models.RemoteChange{Kind: models.ChangeUpdate, EntityKind: models.EntityBookmark, TargetID: "b1",
				Payload: models.UpdatePayload{Title: models.StringPtr("New")}},
			want: host.Command{Op: host.OpUpdate, ID: "b1", NodeType: host.NodeBookmark, Title: models.StringPtr("New")},
		},
		{
			name: "move",
			change: models.RemoteChange{Kind: models.ChangeMove, EntityKind: models.EntityFolder, TargetID: "f2",
				Payload: models.MovePayload{ParentID: "f1", Index: 1}},
			want: host.Command{Op: host.OpMove, ID: "f2", NodeType: host.NodeFolder, ParentID: "f1", Index: models.IntPtr(1)},
		},
		{
			name: "delete",
			change: models.RemoteChange{Kind: models.ChangeDelete, EntityKind: models.EntityBookmark, TargetID: "b1",
				Payload: models.DeletePayload{ParentID: "f1"}},
			want: host.Command{Op: host.OpRemove, ID: "b1", NodeType: host.NodeBookmark},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sync.CommandFor(&tt.change)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := sync.CommandFor(&models.RemoteChange{Kind: models.ChangeDelete, EntityKind: models.EntityBookmark, TargetID: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidChange)
}
