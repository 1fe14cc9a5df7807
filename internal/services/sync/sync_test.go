package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/capture"
	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/queue"
	"github.com/gazzetta/bookmarx/internal/services/sync"
	"github.com/gazzetta/bookmarx/internal/transport"
	"github.com/gazzetta/bookmarx/test/testutil"
)

type harness struct {
	tree      *host.MemoryTree
	queue     *queue.MemoryStore
	capture   *capture.Capture
	transport *transport.MockTransport
	engine    *sync.Engine
}

func newHarness(t *testing.T, cfg config.SyncConfig) *harness {
	t.Helper()

	logger := testutil.NewTestLogger()
	h := &harness{
		tree:      host.NewMemoryTree(),
		queue:     queue.NewMemoryStore(),
		transport: transport.NewMockTransport(),
	}
	h.capture = capture.New(h.tree, h.queue, logger)
	h.engine = sync.NewEngine(h.queue, h.transport, h.tree, h.capture, &cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.capture.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

func (h *harness) pending(t *testing.T) int {
	n, err := h.queue.Pending()
	require.NoError(t, err)
	return n
}

func (h *harness) waitPending(t *testing.T, n int) {
	t.Helper()
	testutil.WaitForCondition(t, func() bool { return h.pending(t) == n }, 2*time.Second, "queue length")
}

func drainEvents(e *sync.Engine) []string {
	var got []string
	for {
		select {
		case ev := <-e.Events():
			got = append(got, string(ev.Type)+":"+string(ev.State))
		default:
			return got
		}
	}
}

func TestInitialImportUploadsWholeTree(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	fx := testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4) // the separator is not captured

	h.transport.SetStatus(true, models.Counts{})

	result, err := h.engine.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sync.ModeInitialImport, result.Mode)
	assert.Equal(t, models.ActionInitialImportComplete, result.Action)
	assert.Equal(t, 4, result.Acknowledged)
	assert.Equal(t, &models.ImportCounts{Folders: 3, Bookmarks: 2}, result.Imported)
	assert.Equal(t, 0, h.pending(t))
	assert.Equal(t, 0, h.transport.BatchCount())

	require.Equal(t, 1, h.transport.ImportCount())
	req := h.transport.ImportRequests[0]

	id, err := h.queue.Identity()
	require.NoError(t, err)
	assert.Equal(t, id.OwnerID, req.OwnerID)
	assert.Equal(t, id.InstanceID, req.InstanceID)
	assert.Equal(t, id.InstanceID, req.Metadata.DeviceID)
	assert.Equal(t, "memory", req.Metadata.BrowserName)

	parents := map[string]string{}
	for _, f := range req.Folders {
		parents[f.ID] = f.ParentID
	}
	assert.Equal(t, map[string]string{host.RootID: "", fx.Work: host.RootID, fx.Reading: fx.Work}, parents)
	for _, b := range req.Bookmarks {
		assert.Contains(t, parents, b.ParentID)
	}

	last, err := h.queue.LastSync()
	require.NoError(t, err)
	assert.True(t, last.Equal(result.ServerTime))
	assert.Equal(t, sync.StateIdle, h.engine.State())
}

func TestInitialImportKeepsChangesCapturedInFlight(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4)

	h.transport.SetStatus(true, models.Counts{})
	var late string
	h.transport.OnSubmit = func() {
		var err error
		late, err = h.tree.Create(host.RootID, 0, host.NodeBookmark, "Late", "https://late.example")
		require.NoError(t, err)
		h.waitPending(t, 5)
	}

	_, err := h.engine.Sync(context.Background())
	require.NoError(t, err)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, late, pending[0].TargetID)
	assert.Equal(t, models.ChangeCreate, pending[0].Kind)
}

func TestIncrementalSubmitsPendingInOrder(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	fx := testutil.SeedTree(t, h.tree)
	require.NoError(t, h.tree.Update(fx.GoDev, models.StringPtr("Go home"), nil))
	h.waitPending(t, 5)

	first, err := h.engine.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sync.ModeIncremental, first.Mode)
	assert.Equal(t, 5, first.Submitted)
	assert.Equal(t, 5, first.Acknowledged)
	assert.Empty(t, first.Failed())
	assert.Equal(t, 0, h.pending(t))

	require.Equal(t, 1, h.transport.BatchCount())
	batch := h.transport.BatchRequests[0]
	assert.True(t, batch.Since.IsZero())
	var types []string
	var lastSeq int64
	for _, c := range batch.Changes {
		types = append(types, c.Type())
		assert.Greater(t, c.Seq, lastSeq)
		lastSeq = c.Seq
	}
	assert.Equal(t, []string{
		"CREATE_FOLDER", "CREATE_BOOKMARK", "CREATE_FOLDER", "CREATE_BOOKMARK", "UPDATE_BOOKMARK",
	}, types)

	// An empty queue still syncs to pick up remote changes
	second, err := h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Submitted)
	require.Equal(t, 2, h.transport.BatchCount())
	assert.Empty(t, h.transport.BatchRequests[1].Changes)
	assert.True(t, h.transport.BatchRequests[1].Since.Equal(first.ServerTime))
	assert.True(t, h.transport.StatusRequests[1].Since.Equal(first.ServerTime))
}

func TestIncrementalKeepsChangesCapturedInFlight(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	fx := testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4)

	h.transport.OnSubmit = func() {
		require.NoError(t, h.tree.Move(fx.Blog, fx.Work, 0))
		h.waitPending(t, 5)
	}

	result, err := h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Acknowledged)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "MOVE_BOOKMARK", pending[0].Type())
}

func TestNeedInitialImportFallsBack(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4)

	h.transport.BatchFunc = func(*models.BatchRequest) (*models.SyncResponse, error) {
		return &models.SyncResponse{Action: models.ActionNeedInitialImport, ServerTime: time.Now().UTC()}, nil
	}

	result, err := h.engine.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sync.ModeInitialImport, result.Mode)
	assert.Equal(t, 1, h.transport.BatchCount())
	assert.Equal(t, 1, h.transport.ImportCount())
	assert.Equal(t, 0, h.pending(t))
}

func TestTransportFailureAcknowledgesNothing(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*transport.MockTransport)
		phase  sync.State
	}{
		{
			name: "status",
			inject: func(m *transport.MockTransport) {
				m.StatusError = &models.TransportError{Op: "status", Err: errors.New("connection refused")}
			},
			phase: sync.StateCheckingStatus,
		},
		{
			name: "batch",
			inject: func(m *transport.MockTransport) {
				m.BatchError = &models.TransportError{Op: "batch", StatusCode: 500, Err: &models.APIError{Code: models.ErrCodeStorage, StatusCode: 500}}
			},
			phase: sync.StateIncrementalSync,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.SyncConfig{})
			testutil.SeedTree(t, h.tree)
			h.waitPending(t, 4)
			tt.inject(h.transport)

			result, err := h.engine.Sync(context.Background())
			require.Error(t, err)
			assert.Nil(t, result)

			var syncErr *models.SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, string(tt.phase), syncErr.Phase)
			var transportErr *models.TransportError
			assert.ErrorAs(t, err, &transportErr)

			assert.Equal(t, 4, h.pending(t))
			last, lerr := h.queue.LastSync()
			require.NoError(t, lerr)
			assert.True(t, last.IsZero())
			msg, lerr := h.queue.LastError()
			require.NoError(t, lerr)
			assert.NotEmpty(t, msg)
			assert.Equal(t, sync.StateIdle, h.engine.State())
		})
	}
}

func TestApplyRemoteChanges(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	h.tree.FailApply("broken", errors.New("host refused"))

	remote := []models.RemoteChange{
		{Kind: models.ChangeCreate, EntityKind: models.EntityFolder, TargetID: "rf", Version: 1,
			Payload: models.CreatePayload{Title: "Remote", ParentID: host.RootID}},
		{Kind: models.ChangeCreate, EntityKind: models.EntityBookmark, TargetID: "rb", Version: 1,
			Payload: models.CreatePayload{Title: "Remote bookmark", URL: "https://example.org", ParentID: "rf"}},
		{Kind: models.ChangeCreate, EntityKind: models.EntityBookmark, TargetID: "broken", Version: 1,
			Payload: models.CreatePayload{Title: "Broken", URL: "https://broken.example", ParentID: "rf"}},
		{Kind: models.ChangeUpdate, EntityKind: models.EntityBookmark, TargetID: "rb", Version: 2,
			Payload: models.UpdatePayload{Title: models.StringPtr("Renamed")}},
		{Kind: models.ChangeMove, EntityKind: models.EntityBookmark, TargetID: "rb", Version: 3,
			Payload: models.MovePayload{ParentID: host.RootID, Index: 0}},
		{Kind: models.ChangeDelete, EntityKind: models.EntityFolder, TargetID: "rf", Version: 2,
			Payload: models.DeletePayload{ParentID: host.RootID}},
	}
	h.transport.BatchFunc = func(*models.BatchRequest) (*models.SyncResponse, error) {
		return &models.SyncResponse{
			Action:        models.ActionSyncComplete,
			RemoteChanges: remote,
			ServerTime:    time.Now().UTC(),
		}, nil
	}

	result, err := h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, result.RemoteApplied)
	assert.Equal(t, 1, result.RemoteFailed)

	rb, ok := h.tree.Node("rb")
	require.True(t, ok)
	assert.Equal(t, "Renamed", rb.Title)
	assert.Equal(t, host.RootID, rb.ParentID)
	_, ok = h.tree.Node("rf")
	assert.False(t, ok)

	// Applying remote changes must not queue them again
	assert.Equal(t, 0, h.pending(t))
	stats := h.capture.Stats()
	assert.EqualValues(t, 5, stats.Applied)
	assert.EqualValues(t, 5, stats.Suppressed)
	assert.EqualValues(t, 0, stats.Captured)
}

func TestSyncInProgress(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.transport.OnSubmit = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(context.Background())
		done <- err
	}()
	<-entered

	_, err := h.engine.Sync(context.Background())
	assert.ErrorIs(t, err, models.ErrSyncInProgress)
	assert.Equal(t, sync.StateIncrementalSync, h.engine.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, sync.StateIdle, h.engine.State())
}

func TestCancelDuringSubmit(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4)

	h.transport.OnSubmit = h.engine.Cancel

	_, err := h.engine.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 4, h.pending(t))
	assert.Equal(t, sync.StateIdle, h.engine.State())

	// The next attempt is unaffected
	h.transport.OnSubmit = nil
	_, err = h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.pending(t))
}

func TestOwnerOverride(t *testing.T) {
	h := newHarness(t, config.SyncConfig{OwnerID: "shared-owner", DeviceID: "laptop"})

	_, err := h.engine.Sync(context.Background())
	require.NoError(t, err)

	id, err := h.queue.Identity()
	require.NoError(t, err)

	require.Len(t, h.transport.StatusRequests, 1)
	assert.Equal(t, "shared-owner", h.transport.StatusRequests[0].OwnerID)
	assert.Equal(t, id.InstanceID, h.transport.StatusRequests[0].InstanceID)
	assert.Equal(t, "shared-owner", h.transport.BatchRequests[0].OwnerID)
	assert.Equal(t, "laptop", h.transport.BatchRequests[0].Metadata.DeviceID)
}

func TestStateEvents(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})

	_, err := h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"state_changed:CHECKING_STATUS",
		"state_changed:INCREMENTAL_SYNC",
		"state_changed:APPLYING_REMOTE",
		"completed:APPLYING_REMOTE",
		"state_changed:IDLE",
	}, drainEvents(h.engine))

	h.transport.StatusError = errors.New("offline")
	_, err = h.engine.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{
		"state_changed:CHECKING_STATUS",
		"state_changed:ERROR",
		"failed:ERROR",
		"state_changed:IDLE",
	}, drainEvents(h.engine))
}

type recordingNotifier struct {
	types chan string
}

func (r *recordingNotifier) Notify(msgType string, payload interface{}) error {
	r.types <- msgType
	return nil
}

func TestServiceRunTriggers(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	notifier := &recordingNotifier{types: make(chan string, 10)}
	svc := sync.NewService(h.engine, h.queue, notifier, 0, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	requests := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, requests) }()

	testutil.WaitForCondition(t, func() bool { return h.transport.BatchCount() == 1 }, 2*time.Second, "startup sync")
	requests <- struct{}{}
	testutil.WaitForCondition(t, func() bool { return h.transport.BatchCount() == 2 }, 2*time.Second, "requested sync")

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, host.MsgSyncResult, <-notifier.types)
	assert.Equal(t, host.MsgSyncResult, <-notifier.types)

	report, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, sync.StateIdle, report.State)
	assert.Equal(t, 0, report.Pending)
	assert.False(t, report.LastSync.IsZero())
	assert.Empty(t, report.LastError)
}

// cappedBatch answers like a server that applies at most n changes per batch.
func cappedBatch(n int) func(*models.BatchRequest) (*models.SyncResponse, error) {
	return func(req *models.BatchRequest) (*models.SyncResponse, error) {
		taken := req.Changes
		if len(taken) > n {
			taken = taken[:n]
		}
		resp := &models.SyncResponse{
			Action:         models.ActionSyncComplete,
			ChangesApplied: len(taken),
			Deferred:       len(req.Changes) - len(taken),
			ServerTime:     time.Now().UTC(),
		}
		for _, c := range taken {
			resp.Results = append(resp.Results, models.ItemResult{ID: c.ID, TargetID: c.TargetID, Success: true, Version: 1})
		}
		return resp, nil
	}
}

func TestIncrementalKeepsDeferredTail(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4)

	before, err := h.queue.ListPending()
	require.NoError(t, err)

	h.transport.BatchFunc = cappedBatch(3)

	result, err := h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Submitted)
	assert.Equal(t, 3, result.Acknowledged)
	assert.Equal(t, 1, result.Deferred)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, before[3].ID, pending[0].ID)

	result, err = h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)
	assert.Equal(t, 1, result.Acknowledged)
	assert.Zero(t, result.Deferred)
	assert.Equal(t, 0, h.pending(t))
}

func TestServiceDrainsDeferredBacklog(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	testutil.SeedTree(t, h.tree)
	h.waitPending(t, 4)
	h.transport.BatchFunc = cappedBatch(2)

	svc := sync.NewService(h.engine, h.queue, nil, 0, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, nil) }()

	// One trigger keeps submitting until the server takes the rest
	testutil.WaitForCondition(t, func() bool { return h.pending(t) == 0 }, 2*time.Second, "backlog drained")
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, 2, h.transport.BatchCount())
	assert.Len(t, h.transport.BatchRequests[0].Changes, 4)
	assert.Len(t, h.transport.BatchRequests[1].Changes, 2)
}

func TestServiceSetInterval(t *testing.T) {
	h := newHarness(t, config.SyncConfig{})
	svc := sync.NewService(h.engine, h.queue, nil, 0, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, nil) }()

	testutil.WaitForCondition(t, func() bool { return h.transport.BatchCount() == 1 }, 2*time.Second, "startup sync")

	svc.SetInterval(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, svc.Interval())
	testutil.WaitForCondition(t, func() bool { return h.transport.BatchCount() >= 3 }, 2*time.Second, "periodic sync")

	cancel()
	require.NoError(t, <-done)
}
