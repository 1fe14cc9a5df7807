package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/queue"
	"github.com/gazzetta/bookmarx/internal/transport"
)

// State is a step of the sync state machine.
type State string

const (
	StateIdle            State = "IDLE"
	StateCheckingStatus  State = "CHECKING_STATUS"
	StateInitialImport   State = "INITIAL_IMPORT"
	StateIncrementalSync State = "INCREMENTAL_SYNC"
	StateApplyingRemote  State = "APPLYING_REMOTE"
	StateError           State = "ERROR"
)

// Mode is the kind of submission an attempt made.
type Mode string

const (
	ModeInitialImport Mode = "INITIAL_IMPORT"
	ModeIncremental   Mode = "SYNC"
)

// Host is the part of the host tree the engine reads directly.
type Host interface {
	host.Snapshotter
	Metadata() models.DeviceMetadata
}

// RemoteApplier applies a command to the host without the change being
// captured again. *capture.Capture implements it.
type RemoteApplier interface {
	ApplyRemote(ctx context.Context, cmd host.Command) error
}

// Engine runs sync attempts, one at a time.
type Engine struct {
	queue     queue.Store
	transport transport.Transport
	host      Host
	applier   RemoteApplier
	logger    *events.Logger

	ownerID  string
	deviceID string

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	mu       sync.Mutex
	state    State
	cancelFn context.CancelFunc

	now func() time.Time
}

// Progress tracks the attempt in flight.
type Progress struct {
	State         State     `json:"state"`
	Mode          Mode      `json:"mode,omitempty"`
	StartTime     time.Time `json:"startTime"`
	Submitted     int       `json:"submitted"`
	RemoteTotal   int       `json:"remoteTotal"`
	RemoteApplied int       `json:"remoteApplied"`
}

// Event is a progress notification for UI surfaces.
type Event struct {
	Type      EventType
	Timestamp time.Time
	State     State
	Result    *Result
	Error     error
	Progress  *Progress
}

// EventType defines sync event types.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// Result is what one attempt did.
type Result struct {
	Mode          Mode                 `json:"mode"`
	Action        models.SyncAction    `json:"action"`
	Submitted     int                  `json:"submitted"`
	Acknowledged  int                  `json:"acknowledged"`
	Results       []models.ItemResult  `json:"results,omitempty"`
	Imported      *models.ImportCounts `json:"imported,omitempty"`
	RemoteApplied int                  `json:"remoteApplied"`
	RemoteFailed  int                  `json:"remoteFailed"`
	Deferred      int                  `json:"deferred,omitempty"`
	ServerTime    time.Time            `json:"serverTime"`
	Duration      time.Duration        `json:"duration"`
}

// Failed returns the submitted changes the server did not apply.
func (r *Result) Failed() []models.ItemResult {
	var failed []models.ItemResult
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}

// NewEngine creates a sync engine.
func NewEngine(
	q queue.Store,
	t transport.Transport,
	h Host,
	applier RemoteApplier,
	cfg *config.SyncConfig,
	logger *events.Logger,
) *Engine {
	e := &Engine{
		queue:     q,
		transport: t,
		host:      h,
		applier:   applier,
		logger:    logger.WithField("component", "sync_engine"),
		ownerID:   cfg.OwnerID,
		deviceID:  cfg.DeviceID,
		events:    make(chan Event, 100),
		state:     StateIdle,
		now:       time.Now,
	}
	e.progress.Store(&Progress{State: StateIdle})
	return e
}

// Events returns the event channel. Events are dropped when nobody reads.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetProgress returns current progress.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Identity returns the identity the engine syncs as.
func (e *Engine) Identity() (models.DeviceIdentity, error) {
	id, err := e.queue.Identity()
	if err != nil {
		return models.DeviceIdentity{}, fmt.Errorf("load identity: %w", err)
	}
	id = id.WithOwner(e.ownerID)
	if !id.Valid() {
		return models.DeviceIdentity{}, models.ErrIdentityMissing
	}
	return id, nil
}

// Sync runs one attempt. It returns models.ErrSyncInProgress when an
// attempt is already running.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.state = StateCheckingStatus
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	start := e.now()
	e.progress.Store(&Progress{State: StateCheckingStatus, StartTime: start})
	e.announce(StateIdle, StateCheckingStatus)

	defer func() {
		cancel()
		e.mu.Lock()
		e.cancelFn = nil
		e.mu.Unlock()
		e.transition(StateIdle)
	}()

	result, err := e.run(ctx)
	if err != nil {
		return nil, e.fail(err)
	}

	result.Duration = e.now().Sub(start)
	e.emitEvent(Event{
		Type:      EventCompleted,
		Timestamp: e.now(),
		State:     e.State(),
		Result:    result,
		Progress:  e.GetProgress(),
	})

	e.logger.WithFields(map[string]interface{}{
		"mode":           result.Mode,
		"action":         result.Action,
		"submitted":      result.Submitted,
		"acknowledged":   result.Acknowledged,
		"failed":         len(result.Failed()),
		"remote_applied": result.RemoteApplied,
		"remote_failed":  result.RemoteFailed,
		"duration":       result.Duration,
	}).Info("Sync completed")

	return result, nil
}

// Cancel stops an ongoing attempt. The engine still returns to IDLE.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling sync")
		e.cancelFn()
	}
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	id, err := e.Identity()
	if err != nil {
		return nil, err
	}

	since, err := e.queue.LastSync()
	if err != nil {
		return nil, fmt.Errorf("load last sync: %w", err)
	}

	status, err := e.transport.Status(ctx, id.OwnerID, id.InstanceID, since)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"owner_id":       id.OwnerID,
		"needs_import":   status.NeedsInitialSync,
		"remote_pending": status.PendingChanges.Total(),
	}).Debug("Status checked")

	if status.NeedsInitialSync {
		return e.initialImport(ctx, id)
	}
	return e.incremental(ctx, id, since)
}

func (e *Engine) incremental(ctx context.Context, id models.DeviceIdentity, since time.Time) (*Result, error) {
	e.transition(StateIncrementalSync)

	pending, err := e.queue.ListPending()
	if err != nil {
		return nil, err
	}

	e.updateProgress(func(p *Progress) {
		p.Mode = ModeIncremental
		p.Submitted = len(pending)
	})

	resp, err := e.transport.SubmitBatch(ctx, &models.BatchRequest{
		Changes:    pending,
		OwnerID:    id.OwnerID,
		InstanceID: id.InstanceID,
		Since:      since,
		Timestamp:  e.now().UTC(),
		Metadata:   e.metadata(id),
	})
	if err != nil {
		return nil, err
	}

	switch resp.Action {
	case models.ActionSyncComplete:
	case models.ActionNeedInitialImport:
		e.logger.Info("Server has no entities for this owner, falling back to initial import")
		return e.initialImport(ctx, id)
	default:
		return nil, fmt.Errorf("%w: batch answered %q", models.ErrUnexpectedReply, resp.Action)
	}

	// The server processes a prefix when it defers; the tail stays queued
	covered := pending
	if resp.Deferred > 0 {
		covered = pending[:max(len(pending)-resp.Deferred, 0)]
		e.logger.WithField("deferred", resp.Deferred).Info("Server deferred part of the batch, it stays queued")
	}
	var upTo int64
	for _, c := range covered {
		if c.Seq > upTo {
			upTo = c.Seq
		}
	}

	acked := 0
	if upTo > 0 {
		if acked, err = e.queue.Acknowledge(upTo); err != nil {
			return nil, err
		}
	}

	result := &Result{
		Mode:         ModeIncremental,
		Action:       resp.Action,
		Submitted:    len(pending),
		Acknowledged: acked,
		Results:      resp.Results,
		Deferred:     resp.Deferred,
		ServerTime:   resp.ServerTime,
	}
	for _, f := range result.Failed() {
		e.logger.WithFields(map[string]interface{}{
			"change_id":  f.ID,
			"target_id":  f.TargetID,
			"error_kind": f.ErrorKind,
		}).Warn("Server rejected change: " + f.Error)
	}

	if err := e.applyRemote(ctx, resp.RemoteChanges, result); err != nil {
		return nil, err
	}
	if err := e.advance(resp.ServerTime); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) initialImport(ctx context.Context, id models.DeviceIdentity) (*Result, error) {
	e.transition(StateInitialImport)

	// Changes captured after this point are not covered by the walk
	highWater, err := e.queue.HighWater()
	if err != nil {
		return nil, err
	}

	root, err := e.host.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot host tree: %w", err)
	}

	req := Flatten(root)
	req.OwnerID = id.OwnerID
	req.InstanceID = id.InstanceID
	req.Metadata = e.metadata(id)

	submitted := len(req.Folders) + len(req.Bookmarks)
	e.updateProgress(func(p *Progress) {
		p.Mode = ModeInitialImport
		p.Submitted = submitted
	})
	e.logger.WithFields(map[string]interface{}{
		"folders":    len(req.Folders),
		"bookmarks":  len(req.Bookmarks),
		"high_water": highWater,
	}).Info("Uploading bookmark tree")

	resp, err := e.transport.SubmitInitialImport(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Action != models.ActionInitialImportComplete {
		return nil, fmt.Errorf("%w: initial import answered %q", models.ErrUnexpectedReply, resp.Action)
	}

	acked := 0
	if highWater > 0 {
		if acked, err = e.queue.Acknowledge(highWater); err != nil {
			return nil, err
		}
	}

	result := &Result{
		Mode:         ModeInitialImport,
		Action:       resp.Action,
		Submitted:    submitted,
		Acknowledged: acked,
		Imported:     resp.Imported,
		ServerTime:   resp.ServerTime,
	}

	if err := e.applyRemote(ctx, resp.RemoteChanges, result); err != nil {
		return nil, err
	}
	if err := e.advance(resp.ServerTime); err != nil {
		return nil, err
	}
	return result, nil
}

// applyRemote applies changes in order. A change that fails is logged and
// skipped; only cancellation stops the loop.
func (e *Engine) applyRemote(ctx context.Context, changes []models.RemoteChange, result *Result) error {
	e.transition(StateApplyingRemote)
	e.updateProgress(func(p *Progress) { p.RemoteTotal = len(changes) })

	for i := range changes {
		rc := &changes[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		logger := e.logger.WithFields(map[string]interface{}{
			"type":      rc.Type(),
			"target_id": rc.TargetID,
			"version":   rc.Version,
		})

		cmd, err := CommandFor(rc)
		if err == nil {
			err = e.applier.ApplyRemote(ctx, cmd)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			result.RemoteFailed++
			logger.WithError(err).Warn("Skipping remote change")
			continue
		}

		result.RemoteApplied++
		e.updateProgress(func(p *Progress) { p.RemoteApplied++ })
		logger.Debug("Applied remote change")
	}
	return nil
}

func (e *Engine) advance(serverTime time.Time) error {
	if serverTime.IsZero() {
		return fmt.Errorf("%w: missing server time", models.ErrUnexpectedReply)
	}
	if err := e.queue.SetLastSync(serverTime); err != nil {
		return err
	}
	return e.queue.SetLastError("")
}

func (e *Engine) metadata(id models.DeviceIdentity) models.DeviceMetadata {
	deviceID := e.deviceID
	if deviceID == "" {
		deviceID = id.InstanceID
	}
	return models.DeviceMetadata{DeviceID: deviceID}.Merge(e.host.Metadata())
}

// fail reports err, moving through ERROR, and returns it as a SyncError.
func (e *Engine) fail(err error) error {
	phase := e.State()
	e.transition(StateError)

	syncErr := &models.SyncError{
		Code:  errorCode(err),
		Phase: string(phase),
		Err:   err,
	}
	if id, idErr := e.Identity(); idErr == nil {
		syncErr.OwnerID = id.OwnerID
	}

	if setErr := e.queue.SetLastError(syncErr.Error()); setErr != nil {
		e.logger.WithError(setErr).Warn("Failed to record sync error")
	}

	logger := e.logger.WithError(err).WithField("phase", phase)
	if errors.Is(err, context.Canceled) {
		logger.Info("Sync cancelled")
	} else {
		logger.Error("Sync failed")
	}

	e.emitEvent(Event{
		Type:      EventFailed,
		Timestamp: e.now(),
		State:     StateError,
		Error:     syncErr,
		Progress:  e.GetProgress(),
	})
	return syncErr
}

func errorCode(err error) string {
	var (
		transportErr *models.TransportError
		queueErr     *models.QueueError
		apiErr       *models.APIError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.As(err, &transportErr):
		return models.ErrCodeNetwork
	case errors.As(err, &queueErr):
		return models.ErrCodeQueue
	case errors.Is(err, models.ErrIdentityMissing):
		return models.ErrCodeConfig
	case errors.Is(err, models.ErrUnexpectedReply):
		return models.ErrCodeServerError
	default:
		return models.ErrCodeHost
	}
}

func (e *Engine) transition(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()

	if from == to {
		return
	}
	e.updateProgress(func(p *Progress) { p.State = to })
	e.announce(from, to)
}

func (e *Engine) announce(from, to State) {
	e.logger.WithFields(map[string]interface{}{
		"from": from,
		"to":   to,
	}).Debug("State changed")

	e.emitEvent(Event{
		Type:      EventStateChanged,
		Timestamp: e.now(),
		State:     to,
		Progress:  e.GetProgress(),
	})
}

// updateProgress stores a modified copy so readers never see a partial
// update.
func (e *Engine) updateProgress(fn func(*Progress)) {
	var next Progress
	if p := e.GetProgress(); p != nil {
		next = *p
	}
	fn(&next)
	e.progress.Store(&next)
}

func (e *Engine) emitEvent(event Event) {
	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}
