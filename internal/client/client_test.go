package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/client"
	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/test/testutil"
)

func TestOpenQueueBackends(t *testing.T) {
	for _, backend := range []string{config.QueueBackendSQLite, config.QueueBackendJSON} {
		t.Run(backend, func(t *testing.T) {
			cfg := testutil.TestConfigWithDir(t.TempDir(), "http://127.0.0.1:1")
			cfg.Storage.QueueBackend = backend
			require.NoError(t, cfg.EnsureDirectories())

			q, err := client.OpenQueue(cfg, testutil.NewTestLogger())
			require.NoError(t, err)
			id, err := q.Identity()
			require.NoError(t, err)
			require.NoError(t, q.Close())

			// Identity survives reopening
			q, err = client.OpenQueue(cfg, testutil.NewTestLogger())
			require.NoError(t, err)
			defer q.Close()
			again, err := q.Identity()
			require.NoError(t, err)
			assert.Equal(t, id, again)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg := testutil.TestConfigWithDir(t.TempDir(), "http://127.0.0.1:1")
		cfg.Storage.QueueBackend = "redis"

		_, err := client.OpenQueue(cfg, testutil.NewTestLogger())
		assert.ErrorIs(t, err, models.ErrInvalidConfig)
	})
}

func TestSyncOnceWithTree(t *testing.T) {
	srv := testutil.NewIngestServer(t)
	cfg := testutil.TestConfigWithDir(t.TempDir(), srv.URL)

	tree := host.NewMemoryTree()
	testutil.SeedTree(t, tree)

	c, err := client.NewWithTree(cfg, tree, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := testutil.TestContext()
	defer cancel()

	result, err := c.SyncOnce(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ActionInitialImportComplete, result.Action)
	require.NotNil(t, result.Imported)
	assert.Equal(t, 3, result.Imported.Folders)
	assert.Equal(t, 2, result.Imported.Bookmarks)

	history, err := c.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SyncKindInitialImport, history[0].Kind)
}

func TestSyncOnceWaitsForHost(t *testing.T) {
	cfg := testutil.TestConfigWithDir(t.TempDir(), "http://127.0.0.1:1")

	c, err := client.New(cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	_, err = c.SyncOnce(context.Background(), 300*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrHostUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
