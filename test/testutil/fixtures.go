package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Fixture names the nodes SeedTree created.
type Fixture struct {
	Work      string // folder under the root
	Reading   string // folder under Work
	GoDev     string // bookmark in Work
	Blog      string // bookmark in Reading
	Separator string // separator in the root, never synced
}

// SeedTree builds a small tree as local mutations:
//
//	root
//	├── Work
//	│   ├── Go (https://go.dev)
//	│   └── Reading
//	│       └── Blog (https://go.dev/blog)
//	└── ----
func SeedTree(t *testing.T, tree *host.MemoryTree) Fixture {
	t.Helper()

	var (
		f   Fixture
		err error
	)
	f.Work, err = tree.Create(host.RootID, 0, host.NodeFolder, "Work", "")
	require.NoError(t, err)
	f.GoDev, err = tree.Create(f.Work, 0, host.NodeBookmark, "Go", "https://go.dev")
	require.NoError(t, err)
	f.Reading, err = tree.Create(f.Work, 1, host.NodeFolder, "Reading", "")
	require.NoError(t, err)
	f.Blog, err = tree.Create(f.Reading, 0, host.NodeBookmark, "Blog", "https://go.dev/blog")
	require.NoError(t, err)
	f.Separator, err = tree.Create(host.RootID, 1, host.NodeSeparator, "", "")
	require.NoError(t, err)

	return f
}

// Shape renders the synced part of a tree as sorted "parent/id title url"
// lines so trees held by different agents can be compared.
func Shape(t *testing.T, tree host.Snapshotter) []string {
	t.Helper()

	root, err := tree.Snapshot(context.Background())
	require.NoError(t, err)

	var lines []string
	_ = host.Walk(root, func(n *host.Node) error {
		if _, ok := n.Type.EntityKind(); !ok || n.ParentID == "" {
			return nil
		}
		lines = append(lines, fmt.Sprintf("%s/%s %s %s", n.ParentID, n.ID, n.Title, n.URL))
		return nil
	})
	sort.Strings(lines)
	return lines
}
