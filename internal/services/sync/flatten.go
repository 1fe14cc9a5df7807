package sync

import (
	"fmt"

	"github.com/gazzetta/bookmarx/internal/capture"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
)

// Flatten turns a tree snapshot into an initial-import request. The root
// folder is included with an empty parent so every parent reference in the
// request resolves. Separators are skipped.
func Flatten(root *host.Node) *models.InitialImportRequest {
	req := &models.InitialImportRequest{
		Folders:   []models.ImportFolder{},
		Bookmarks: []models.ImportBookmark{},
	}

	_ = host.Walk(root, func(n *host.Node) error {
		switch n.Type {
		case host.NodeFolder:
			req.Folders = append(req.Folders, models.ImportFolder{
				ID:        n.ID,
				ParentID:  n.ParentID,
				Title:     capture.NormalizeTitle(n.Title),
				Index:     n.Index,
				DateAdded: n.DateAdded.UTC(),
			})
		case host.NodeBookmark:
			req.Bookmarks = append(req.Bookmarks, models.ImportBookmark{
				ID:        n.ID,
				ParentID:  n.ParentID,
				Title:     capture.NormalizeTitle(n.Title),
				URL:       n.URL,
				Index:     n.Index,
				DateAdded: n.DateAdded.UTC(),
			})
		}
		return nil
	})

	return req
}

// CommandFor converts a remote change into the host command that replays
// it.
func CommandFor(rc *models.RemoteChange) (host.Command, error) {
	nodeType := host.NodeBookmark
	if rc.EntityKind == models.EntityFolder {
		nodeType = host.NodeFolder
	}
	cmd := host.Command{ID: rc.TargetID, NodeType: nodeType}

	switch p := rc.Payload.(type) {
	case models.CreatePayload:
		cmd.Op = host.OpCreate
		cmd.ParentID = p.ParentID
		cmd.Index = models.IntPtr(p.Index)
		cmd.Title = models.StringPtr(p.Title)
		if nodeType == host.NodeBookmark {
			cmd.URL = models.StringPtr(p.URL)
		}
		cmd.DateAdded = p.DateAdded
	case models.UpdatePayload:
		cmd.Op = host.OpUpdate
		cmd.Title = p.Title
		cmd.URL = p.URL
		cmd.Index = p.Index
	case models.MovePayload:
		cmd.Op = host.OpMove
		cmd.ParentID = p.ParentID
		cmd.Index = models.IntPtr(p.Index)
	case models.DeletePayload:
		cmd.Op = host.OpRemove
	default:
		return host.Command{}, fmt.Errorf("%w: %s has no payload", models.ErrInvalidChange, rc.Type())
	}

	if rc.TargetID == "" {
		return host.Command{}, fmt.Errorf("%w: remote change without target", models.ErrInvalidChange)
	}
	return cmd, nil
}
