package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gazzetta/bookmarx/internal/models"
)

// RootID is the id of the MemoryTree root folder.
const RootID = "root"

// MemoryTree is an in-process host. Local mutations (Create, Update, Move,
// Remove) and apply-back commands both emit notifications synchronously on
// the buffered event channel.
type MemoryTree struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	root     *Node
	events   chan Event
	nextID   int
	metadata models.DeviceMetadata
	now      func() time.Time

	// Error injection for Apply
	applyErr map[string]error
}

// NewMemoryTree creates a tree holding only the root folder.
func NewMemoryTree() *MemoryTree {
	root := &Node{ID: RootID, Title: "Bookmarks", Type: NodeFolder}
	return &MemoryTree{
		nodes:    map[string]*Node{RootID: root},
		root:     root,
		events:   make(chan Event, 1024),
		metadata: models.DeviceMetadata{BrowserName: "memory", OS: "test"},
		now:      time.Now,
		applyErr: make(map[string]error),
	}
}

// Events returns the notification channel.
func (m *MemoryTree) Events() <-chan Event {
	return m.events
}

// Metadata describes the fake host.
func (m *MemoryTree) Metadata() models.DeviceMetadata {
	return m.metadata
}

// Snapshot returns a deep copy of the tree.
func (m *MemoryTree) Snapshot(ctx context.Context) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return cloneNode(m.root), nil
}

// Node returns a copy of the node with id, without children.
func (m *MemoryTree) Node(id string) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Children = nil
	return cp, true
}

// Len returns the number of nodes, root included.
func (m *MemoryTree) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.nodes)
}

// FailApply makes Apply fail for commands targeting id.
func (m *MemoryTree) FailApply(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyErr[id] = err
}

// Create adds a node as a local mutation and returns its generated id.
func (m *MemoryTree) Create(parentID string, index int, typ NodeType, title, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		m.nextID++
		id = fmt.Sprintf("n%d", m.nextID)
		if _, taken := m.nodes[id]; !taken {
			break
		}
	}
	if err := m.create(id, parentID, index, typ, title, url, m.now()); err != nil {
		return "", err
	}
	return id, nil
}

// Update changes title and/or url as a local mutation.
func (m *MemoryTree) Update(id string, title, url *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update(id, title, url)
}

// Move reparents or reorders a node as a local mutation.
func (m *MemoryTree) Move(id, parentID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.move(id, parentID, index)
}

// Remove deletes a node and its subtree as a local mutation.
func (m *MemoryTree) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remove(id)
}

// Apply executes an apply-back command.
func (m *MemoryTree) Apply(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.applyErr[cmd.ID]; err != nil {
		return err
	}

	switch cmd.Op {
	case OpCreate:
		if _, exists := m.nodes[cmd.ID]; exists {
			return m.update(cmd.ID, cmd.Title, cmd.URL)
		}
		index := -1
		if cmd.Index != nil {
			index = *cmd.Index
		}
		var title, url string
		if cmd.Title != nil {
			title = *cmd.Title
		}
		if cmd.URL != nil {
			url = *cmd.URL
		}
		added := cmd.DateAdded
		if added.IsZero() {
			added = m.now()
		}
		return m.create(cmd.ID, cmd.ParentID, index, cmd.NodeType, title, url, added)
	case OpUpdate:
		if cmd.Title != nil || cmd.URL != nil {
			if err := m.update(cmd.ID, cmd.Title, cmd.URL); err != nil {
				return err
			}
		}
		if cmd.Index != nil {
			n, ok := m.nodes[cmd.ID]
			if !ok {
				return fmt.Errorf("node %s: %w", cmd.ID, models.ErrNotFound)
			}
			return m.move(cmd.ID, n.ParentID, *cmd.Index)
		}
		return nil
	case OpMove:
		index := -1
		if cmd.Index != nil {
			index = *cmd.Index
		}
		return m.move(cmd.ID, cmd.ParentID, index)
	case OpRemove:
		if _, ok := m.nodes[cmd.ID]; !ok {
			return nil
		}
		return m.remove(cmd.ID)
	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

func (m *MemoryTree) create(id, parentID string, index int, typ NodeType, title, url string, added time.Time) error {
	parent, ok := m.nodes[parentID]
	if !ok || parent.Type != NodeFolder {
		return fmt.Errorf("parent %s: %w", parentID, models.ErrNotFound)
	}
	if typ == "" {
		typ = NodeBookmark
		if url == "" {
			typ = NodeFolder
		}
	}

	n := &Node{ID: id, ParentID: parentID, Title: title, URL: url, Type: typ, DateAdded: added}
	index = insertChild(parent, n, index)
	m.nodes[id] = n

	t, u := title, url
	ev := Event{
		Type:      EventCreated,
		ID:        id,
		NodeType:  typ,
		ParentID:  parentID,
		Index:     index,
		Title:     &t,
		DateAdded: added,
		Timestamp: m.now(),
	}
	if typ == NodeBookmark {
		ev.URL = &u
	}
	m.events <- ev
	return nil
}

func (m *MemoryTree) update(id string, title, url *string) error {
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}

	ev := Event{Type: EventChanged, ID: id, NodeType: n.Type, ParentID: n.ParentID, Index: n.Index, Timestamp: m.now()}
	if title != nil {
		n.Title = *title
		t := *title
		ev.Title = &t
	}
	if url != nil && n.Type == NodeBookmark {
		n.URL = *url
		u := *url
		ev.URL = &u
	}
	m.events <- ev
	return nil
}

func (m *MemoryTree) move(id, parentID string, index int) error {
	n, ok := m.nodes[id]
	if !ok || n == m.root {
		return fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}
	parent, ok := m.nodes[parentID]
	if !ok || parent.Type != NodeFolder {
		return fmt.Errorf("parent %s: %w", parentID, models.ErrNotFound)
	}
	for p := parent; p != nil; p = m.nodes[p.ParentID] {
		if p.ID == id {
			return fmt.Errorf("move %s into its own subtree", id)
		}
		if p.ParentID == "" {
			break
		}
	}

	oldParent := m.nodes[n.ParentID]
	oldIndex := n.Index
	removeChild(oldParent, n)

	n.ParentID = parentID
	index = insertChild(parent, n, index)

	m.events <- Event{
		Type:        EventMoved,
		ID:          id,
		NodeType:    n.Type,
		ParentID:    parentID,
		OldParentID: oldParent.ID,
		Index:       index,
		OldIndex:    oldIndex,
		Timestamp:   m.now(),
	}
	return nil
}

func (m *MemoryTree) remove(id string) error {
	n, ok := m.nodes[id]
	if !ok || n == m.root {
		return fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}

	parent := m.nodes[n.ParentID]
	index := n.Index
	removeChild(parent, n)

	_ = Walk(n, func(d *Node) error {
		delete(m.nodes, d.ID)
		return nil
	})

	// Like browsers, one notification covers the whole subtree
	m.events <- Event{
		Type:      EventRemoved,
		ID:        id,
		NodeType:  n.Type,
		ParentID:  parent.ID,
		Index:     index,
		Timestamp: m.now(),
	}
	return nil
}

// insertChild places n at index (append when out of range) and renumbers.
func insertChild(parent, n *Node, index int) int {
	if index < 0 || index > len(parent.Children) {
		index = len(parent.Children)
	}
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[index+1:], parent.Children[index:])
	parent.Children[index] = n
	renumber(parent)
	return index
}

func removeChild(parent, n *Node) {
	for i, c := range parent.Children {
		if c == n {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	renumber(parent)
}

func renumber(parent *Node) {
	for i, c := range parent.Children {
		c.Index = i
	}
}

func cloneNode(n *Node) *Node {
	cp := *n
	cp.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		cp.Children[i] = cloneNode(c)
	}
	return &cp
}
