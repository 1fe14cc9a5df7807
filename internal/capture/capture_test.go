package capture_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/capture"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/queue"
	"github.com/gazzetta/bookmarx/test/testutil"
)

// stubTree feeds hand-written notifications to the loop.
type stubTree struct {
	events chan host.Event
}

func newStubTree() *stubTree {
	return &stubTree{events: make(chan host.Event, 16)}
}

func (s *stubTree) Events() <-chan host.Event                { return s.events }
func (s *stubTree) Metadata() models.DeviceMetadata          { return models.DeviceMetadata{BrowserName: "stub"} }
func (s *stubTree) Apply(context.Context, host.Command) error { return nil }
func (s *stubTree) Snapshot(context.Context) (*host.Node, error) {
	return &host.Node{ID: "root", Type: host.NodeFolder}, nil
}

// chattyTree pushes a burst of notifications through a small channel before
// it answers an apply, the way a host behind the bridge does.
type chattyTree struct {
	*stubTree
	burst int
	local int
}

func (c *chattyTree) Apply(ctx context.Context, cmd host.Command) error {
	for i := 0; i < c.burst; i++ {
		id := cmd.ID
		if i%(c.burst/c.local) == 0 {
			id = fmt.Sprintf("local-%d", i)
		}
		ev := host.Event{Type: host.EventChanged, ID: id, NodeType: host.NodeBookmark, Title: models.StringPtr(fmt.Sprintf("v%d", i))}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func startCapture(t *testing.T, tree host.Tree, q queue.Store) *capture.Capture {
	t.Helper()
	return startCaptureLogging(t, tree, q, &bytes.Buffer{})
}

func startCaptureLogging(t *testing.T, tree host.Tree, q queue.Store, w io.Writer) *capture.Capture {
	t.Helper()

	logger := events.NewTestLogger(events.DebugLevel, "json", w)
	c := capture.New(tree, q, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return c
}

func pendingCount(t *testing.T, q queue.Store) int {
	n, err := q.Pending()
	require.NoError(t, err)
	return n
}

func TestCaptureLocalMutations(t *testing.T) {
	tree := host.NewMemoryTree()
	q := queue.NewMemoryStore()
	startCapture(t, tree, q)

	f1, err := tree.Create(host.RootID, 0, host.NodeFolder, "Work", "")
	require.NoError(t, err)
	b1, err := tree.Create(f1, 0, host.NodeBookmark, "Go", "https://go.dev")
	require.NoError(t, err)
	require.NoError(t, tree.Update(b1, models.StringPtr("Go site"), nil))
	require.NoError(t, tree.Move(b1, host.RootID, 0))
	require.NoError(t, tree.Remove(b1))

	require.Eventually(t, func() bool { return pendingCount(t, q) == 5 }, time.Second, 5*time.Millisecond)

	pending, err := q.ListPending()
	require.NoError(t, err)

	var types []string
	for _, c := range pending {
		types = append(types, c.Type())
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, "memory", c.Metadata.BrowserName)
	}
	assert.Equal(t, []string{
		"CREATE_FOLDER", "CREATE_BOOKMARK", "UPDATE_BOOKMARK", "MOVE_BOOKMARK", "DELETE_BOOKMARK",
	}, types)
}

func TestCaptureEchoSuppression(t *testing.T) {
	tree := host.NewMemoryTree()
	q := queue.NewMemoryStore()
	c := startCapture(t, tree, q)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		err := c.ApplyRemote(ctx, host.Command{
			Op:       host.OpCreate,
			ID:       fmt.Sprintf("remote-%d", i),
			ParentID: host.RootID,
			Title:    models.StringPtr("remote"),
			URL:      models.StringPtr("https://example.com"),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 0, pendingCount(t, q))
	stats := c.Stats()
	assert.EqualValues(t, n, stats.Suppressed)
	assert.EqualValues(t, n, stats.Applied)
	assert.EqualValues(t, 0, stats.Captured)

	// Suppression ends with the apply: a later local edit is captured
	require.NoError(t, tree.Update("remote-3", models.StringPtr("edited locally"), nil))
	require.Eventually(t, func() bool { return pendingCount(t, q) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCaptureApplyFailureReleasesSuppression(t *testing.T) {
	tree := host.NewMemoryTree()
	q := queue.NewMemoryStore()
	c := startCapture(t, tree, q)

	id, err := tree.Create(host.RootID, 0, host.NodeFolder, "Local", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingCount(t, q) == 1 }, time.Second, 5*time.Millisecond)

	boom := errors.New("host refused")
	tree.FailApply(id, boom)
	err = c.ApplyRemote(context.Background(), host.Command{Op: host.OpRemove, ID: id})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, tree.Update(id, models.StringPtr("renamed"), nil))
	require.Eventually(t, func() bool { return pendingCount(t, q) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCaptureReadsNotificationsDuringApply(t *testing.T) {
	tree := &chattyTree{stubTree: newStubTree(), burst: 64, local: 4}
	q := queue.NewMemoryStore()
	c := startCapture(t, tree, q)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.ApplyRemote(ctx, host.Command{Op: host.OpUpdate, ID: "remote", Title: models.StringPtr("t")})
	require.NoError(t, err)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Applied)
	assert.EqualValues(t, 60, stats.Suppressed)
	assert.EqualValues(t, 4, stats.Captured)
	assert.Equal(t, 4, pendingCount(t, q))
}

func TestCaptureDropsMalformedNotifications(t *testing.T) {
	tree := newStubTree()
	q := queue.NewMemoryStore()
	c := startCapture(t, tree, q)

	tree.events <- host.Event{Type: host.EventCreated, NodeType: host.NodeBookmark}
	tree.events <- host.Event{Type: "renamed", ID: "b1", NodeType: host.NodeBookmark}
	tree.events <- host.Event{Type: host.EventCreated, ID: "s1", NodeType: host.NodeSeparator, ParentID: "root"}
	tree.events <- host.Event{Type: host.EventChanged, ID: "b1", NodeType: host.NodeBookmark, Title: models.StringPtr("ok")}

	require.Eventually(t, func() bool { return pendingCount(t, q) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Dropped == 2 && s.Ignored == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCaptureDropsOnFailedAppend(t *testing.T) {
	tree := newStubTree()
	q := queue.NewMemoryStore()
	q.FailEnqueue(errors.New("disk full"))
	logs := testutil.NewLogOutput()
	c := startCaptureLogging(t, tree, q, logs)

	tree.events <- host.Event{Type: host.EventRemoved, ID: "b1", NodeType: host.NodeBookmark, ParentID: "f1"}
	require.Eventually(t, func() bool { return c.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return logs.HasMessage("error", "durable append failed") }, time.Second, 5*time.Millisecond)

	// No in-memory fallback: the change is gone once the store recovers
	q.FailEnqueue(nil)
	tree.events <- host.Event{Type: host.EventRemoved, ID: "b2", NodeType: host.NodeBookmark, ParentID: "f1"}
	require.Eventually(t, func() bool { return pendingCount(t, q) == 1 }, time.Second, 5*time.Millisecond)

	pending, _ := q.ListPending()
	assert.Equal(t, "b2", pending[0].TargetID)
}

func TestApplyRemoteAfterStop(t *testing.T) {
	logger := events.NewTestLogger(events.ErrorLevel, "json", &bytes.Buffer{})
	c := capture.New(newStubTree(), queue.NewMemoryStore(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Run(ctx)

	err := c.ApplyRemote(context.Background(), host.Command{Op: host.OpRemove, ID: "x"})
	assert.ErrorIs(t, err, models.ErrCaptureStopped)
}

func TestSuppressorNesting(t *testing.T) {
	s := capture.NewSuppressor()
	s.Arm("a", "a", "b")
	assert.True(t, s.Suppressed("a"))
	assert.Equal(t, 2, s.Len())

	s.Release("a")
	assert.True(t, s.Suppressed("a"))
	s.Release("a", "b")
	assert.False(t, s.Suppressed("a"))
	assert.False(t, s.Suppressed("b"))
	assert.Zero(t, s.Len())
}
