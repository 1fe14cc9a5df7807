//go:build integration
// +build integration

package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/client"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/test/testutil"
)

const owner = "owner-integration"

type agent struct {
	client *client.Client
	tree   *host.MemoryTree
}

func startAgent(t *testing.T, ctx context.Context, baseURL, device string) *agent {
	t.Helper()

	cfg := testutil.TestConfigWithDir(t.TempDir(), baseURL)
	cfg.Sync.OwnerID = owner
	cfg.Sync.DeviceID = device

	tree := host.NewMemoryTree()
	c, err := client.NewWithTree(cfg, tree, testutil.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Capture.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				assert.NoError(t, err)
			}
		case <-time.After(5 * time.Second):
			t.Error("capture loop did not stop")
		}
		assert.NoError(t, c.Close())
	})

	return &agent{client: c, tree: tree}
}

func (a *agent) sync(t *testing.T, ctx context.Context) {
	t.Helper()

	result, err := a.client.Sync.SyncNow(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Failed())
	require.Zero(t, result.RemoteFailed)
}

func (a *agent) waitPending(t *testing.T, n int) {
	t.Helper()

	testutil.WaitForCondition(t, func() bool {
		pending, err := a.client.Queue.Pending()
		return err == nil && pending == n
	}, 2*time.Second, "queue never reached expected length")
}

func TestTwoAgentsConverge(t *testing.T) {
	testutil.SkipIfShort(t, "starts an ingest server")

	srv := testutil.NewIngestServer(t)
	ctx, cancel := testutil.TestContext()
	t.Cleanup(cancel)

	a := startAgent(t, ctx, srv.URL, "laptop")
	b := startAgent(t, ctx, srv.URL, "desktop")

	// A owns the first tree and uploads it whole
	f := testutil.SeedTree(t, a.tree)
	a.waitPending(t, 4)

	result, err := a.client.Sync.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInitialImportComplete, result.Action)
	require.NotNil(t, result.Imported)
	assert.Equal(t, 3, result.Imported.Folders)
	assert.Equal(t, 2, result.Imported.Bookmarks)
	a.waitPending(t, 0)

	// B starts empty and receives everything as remote changes
	b.sync(t, ctx)
	assert.Equal(t, testutil.Shape(t, a.tree), testutil.Shape(t, b.tree))
	b.waitPending(t, 0)
	assert.Zero(t, b.client.Capture.Stats().Captured)

	// Edits made on B reach A
	title := "Go Dev"
	require.NoError(t, b.tree.Update(f.GoDev, &title, nil))
	require.NoError(t, b.tree.Move(f.Blog, f.Work, 0))
	b.waitPending(t, 2)
	b.sync(t, ctx)
	b.waitPending(t, 0)

	a.sync(t, ctx)
	a.waitPending(t, 0)
	assert.Equal(t, testutil.Shape(t, b.tree), testutil.Shape(t, a.tree))

	n, ok := a.tree.Node(f.GoDev)
	require.True(t, ok)
	assert.Equal(t, "Go Dev", n.Title)
	n, ok = a.tree.Node(f.Blog)
	require.True(t, ok)
	assert.Equal(t, f.Work, n.ParentID)

	// New nodes on A and a removal on B cross in the same round
	added, err := a.tree.Create(f.Reading, 0, host.NodeBookmark, "Tour", "https://go.dev/tour")
	require.NoError(t, err)
	a.waitPending(t, 1)
	require.NoError(t, b.tree.Remove(f.GoDev))
	b.waitPending(t, 1)

	a.sync(t, ctx)
	b.sync(t, ctx)
	a.sync(t, ctx)

	_, ok = b.tree.Node(added)
	assert.True(t, ok, "B should have the bookmark A created")
	_, ok = a.tree.Node(f.GoDev)
	assert.False(t, ok, "A should have dropped the bookmark B removed")
	assert.Equal(t, testutil.Shape(t, a.tree), testutil.Shape(t, b.tree))

	// The server ledger records both agents, newest first
	history, err := srv.Store.History(ctx, owner, 100)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, models.SyncKindInitialImport, last.Kind)
	assert.Equal(t, 3, last.FoldersProcessed)
	assert.Equal(t, 2, last.BookmarksProcessed)
	for _, entry := range history {
		assert.Equal(t, models.SyncStatusSuccess, entry.Status)
	}

	instances, err := srv.Store.Instances(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestAgentSurvivesServerOutage(t *testing.T) {
	testutil.SkipIfShort(t, "starts an ingest server")

	srv := testutil.NewIngestServer(t)
	ctx, cancel := testutil.TestContext()
	t.Cleanup(cancel)

	a := startAgent(t, ctx, srv.URL, "laptop")
	testutil.SeedTree(t, a.tree)
	a.waitPending(t, 4)
	a.sync(t, ctx)

	_, err := a.tree.Create(host.RootID, 0, host.NodeBookmark, "Offline", "https://example.com")
	require.NoError(t, err)
	a.waitPending(t, 1)

	srv.Close()

	_, err = a.client.Sync.SyncNow(ctx)
	require.Error(t, err)
	var syncErr *models.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, models.ErrCodeNetwork, syncErr.Code)

	// Nothing was acknowledged, the change waits for the next attempt
	a.waitPending(t, 1)
	report, err := a.client.Sync.Status()
	require.NoError(t, err)
	assert.NotEmpty(t, report.LastError)
}
