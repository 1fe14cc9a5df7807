package capture

import (
	"errors"

	"golang.org/x/text/unicode/norm"

	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
)

// errIgnored marks notifications that are valid but not synced, such as
// separators.
var errIgnored = errors.New("ignored node type")

// Normalize turns a host notification into a change record without id,
// seq or metadata. It returns a *models.CaptureError for malformed input.
func Normalize(ev host.Event) (*models.ChangeRecord, error) {
	if ev.ID == "" {
		return nil, captureErr(ev, "empty node id")
	}

	entity, err := entityKind(ev)
	if err != nil {
		return nil, err
	}

	rec := &models.ChangeRecord{
		EntityKind: entity,
		TargetID:   ev.ID,
		CapturedAt: ev.Timestamp,
	}

	switch ev.Type {
	case host.EventCreated:
		if ev.ParentID == "" {
			return nil, captureErr(ev, "created node without parent")
		}
		if ev.Index < 0 {
			return nil, captureErr(ev, "negative index")
		}
		p := models.CreatePayload{
			ParentID:  ev.ParentID,
			Index:     ev.Index,
			DateAdded: ev.DateAdded,
		}
		if ev.Title != nil {
			p.Title = NormalizeTitle(*ev.Title)
		}
		if ev.URL != nil {
			p.URL = *ev.URL
		}
		if entity == models.EntityBookmark && p.URL == "" {
			return nil, captureErr(ev, "bookmark without url")
		}
		rec.Kind = models.ChangeCreate
		rec.Payload = p

	case host.EventChanged:
		if ev.Title == nil && ev.URL == nil {
			return nil, captureErr(ev, "change without title or url")
		}
		var p models.UpdatePayload
		if ev.Title != nil {
			p.Title = models.StringPtr(NormalizeTitle(*ev.Title))
		}
		if ev.URL != nil {
			p.URL = models.StringPtr(*ev.URL)
		}
		rec.Kind = models.ChangeUpdate
		rec.Payload = p

	case host.EventMoved:
		if ev.ParentID == "" {
			return nil, captureErr(ev, "move without destination parent")
		}
		if ev.Index < 0 {
			return nil, captureErr(ev, "negative index")
		}
		if ev.ParentID == ev.OldParentID {
			// Reorder within the same folder
			rec.Kind = models.ChangeUpdate
			rec.Payload = models.UpdatePayload{Index: models.IntPtr(ev.Index)}
		} else {
			rec.Kind = models.ChangeMove
			rec.Payload = models.MovePayload{
				ParentID:    ev.ParentID,
				OldParentID: ev.OldParentID,
				Index:       ev.Index,
				OldIndex:    ev.OldIndex,
			}
		}

	case host.EventRemoved:
		rec.Kind = models.ChangeDelete
		rec.Payload = models.DeletePayload{ParentID: ev.ParentID, Index: ev.Index}

	default:
		return nil, captureErr(ev, "unknown event type")
	}

	return rec, nil
}

func entityKind(ev host.Event) (models.EntityKind, error) {
	if ev.NodeType == "" {
		// Hosts that omit the type only do so for bookmarks carrying a url
		if ev.URL != nil && *ev.URL != "" {
			return models.EntityBookmark, nil
		}
		return "", captureErr(ev, "unknown node type")
	}

	kind, ok := ev.NodeType.EntityKind()
	if !ok {
		if ev.NodeType == host.NodeSeparator {
			return "", errIgnored
		}
		return "", captureErr(ev, "unsupported node type "+string(ev.NodeType))
	}
	return kind, nil
}

// NormalizeTitle puts a title in Unicode NFC so equal titles compare equal
// across hosts.
func NormalizeTitle(s string) string {
	return norm.NFC.String(s)
}

func captureErr(ev host.Event, reason string) error {
	event := string(ev.Type)
	if event == "" {
		event = "unknown"
	}
	return &models.CaptureError{Event: event, NodeID: ev.ID, Reason: reason}
}
