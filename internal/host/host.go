// Package host defines the contract between the agent and the application
// that owns the bookmark tree, plus two implementations: a WebSocket bridge
// the real host connects to and an in-memory tree for tests.
package host

import (
	"context"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// NodeType is the host's classification of a tree node.
type NodeType string

const (
	NodeBookmark  NodeType = "bookmark"
	NodeFolder    NodeType = "folder"
	NodeSeparator NodeType = "separator"
)

// EntityKind maps a node type onto the synced entity kind. Separators are
// not synced.
func (t NodeType) EntityKind() (models.EntityKind, bool) {
	switch t {
	case NodeBookmark:
		return models.EntityBookmark, true
	case NodeFolder:
		return models.EntityFolder, true
	default:
		return "", false
	}
}

// Node is one node of a tree snapshot.
type Node struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Type      NodeType  `json:"type"`
	DateAdded time.Time `json:"dateAdded"`
	Children  []*Node   `json:"children,omitempty"`
}

// EventType is the kind of host mutation notification.
type EventType string

const (
	EventCreated EventType = "created"
	EventChanged EventType = "changed"
	EventMoved   EventType = "moved"
	EventRemoved EventType = "removed"
)

// Event is one mutation notification raised by the host.
type Event struct {
	Type        EventType `json:"type"`
	ID          string    `json:"id"`
	NodeType    NodeType  `json:"nodeType,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	OldParentID string    `json:"oldParentId,omitempty"`
	Index       int       `json:"index"`
	OldIndex    int       `json:"oldIndex"`
	Title       *string   `json:"title,omitempty"`
	URL         *string   `json:"url,omitempty"`
	DateAdded   time.Time `json:"dateAdded"`
	Timestamp   time.Time `json:"timestamp"`
}

// CommandOp is an apply-back operation.
type CommandOp string

const (
	OpCreate CommandOp = "create"
	OpUpdate CommandOp = "update"
	OpMove   CommandOp = "move"
	OpRemove CommandOp = "remove"
)

// Command asks the host to mutate its tree on behalf of a remote change.
// Creates carry the id the node must take.
type Command struct {
	Op        CommandOp `json:"op"`
	ID        string    `json:"id"`
	NodeType  NodeType  `json:"nodeType,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	Index     *int      `json:"index,omitempty"`
	Title     *string   `json:"title,omitempty"`
	URL       *string   `json:"url,omitempty"`
	DateAdded time.Time `json:"dateAdded"`
}

// Snapshotter returns the full current tree.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*Node, error)
}

// Applier mutates the host tree. Apply must not return before every
// notification the mutation causes has been delivered on the event channel.
type Applier interface {
	Apply(ctx context.Context, cmd Command) error
}

// Tree is the complete host surface the agent depends on.
type Tree interface {
	Snapshotter
	Applier

	// Events delivers mutation notifications in the order they happened.
	Events() <-chan Event

	// Metadata describes the host application and device.
	Metadata() models.DeviceMetadata
}

// Walk visits n and its descendants depth first, parents before children.
func Walk(n *Node, fn func(*Node) error) error {
	if n == nil {
		return nil
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := Walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}
