// Package capture turns host notifications into queued change records and
// runs apply-back commands with echo suppression.
package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/queue"
)

// Stats counts what the loop has done since it started.
type Stats struct {
	Captured   int64 `json:"captured"`
	Suppressed int64 `json:"suppressed"`
	Ignored    int64 `json:"ignored"`
	Dropped    int64 `json:"dropped"`
	Applied    int64 `json:"applied"`
}

type applyRequest struct {
	ctx  context.Context
	cmd  host.Command
	done chan error
}

// Capture is the single consumer of host events and the only caller of the
// host apply API.
type Capture struct {
	tree     host.Tree
	queue    queue.Store
	suppress *Suppressor
	logger   *events.Logger

	applies chan applyRequest
	running atomic.Bool
	stopped chan struct{}

	captured   atomic.Int64
	suppressed atomic.Int64
	ignored    atomic.Int64
	dropped    atomic.Int64
	applied    atomic.Int64

	now func() time.Time
}

// New creates a capture loop over tree that appends to q.
func New(tree host.Tree, q queue.Store, logger *events.Logger) *Capture {
	return &Capture{
		tree:     tree,
		queue:    q,
		suppress: NewSuppressor(),
		logger:   logger.WithField("component", "capture"),
		applies:  make(chan applyRequest),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

// Run consumes host events until ctx is cancelled.
func (c *Capture) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("capture loop already running")
	}
	defer close(c.stopped)

	c.logger.Info("Capture loop started")
	defer c.logger.Info("Capture loop stopped")

	evs := c.tree.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			c.handle(ev)

		case req := <-c.applies:
			req.done <- c.apply(req.ctx, req.cmd)
		}
	}
}

// ApplyRemote runs cmd on the capture loop with the target id suppressed,
// so the notifications it causes are not captured again.
func (c *Capture) ApplyRemote(ctx context.Context, cmd host.Command) error {
	req := applyRequest{ctx: ctx, cmd: cmd, done: make(chan error, 1)}

	select {
	case c.applies <- req:
	case <-c.stopped:
		return models.ErrCaptureStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// The loop always answers once it has accepted the request
	return <-req.done
}

// Stats returns a snapshot of the loop counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Captured:   c.captured.Load(),
		Suppressed: c.suppressed.Load(),
		Ignored:    c.ignored.Load(),
		Dropped:    c.dropped.Load(),
		Applied:    c.applied.Load(),
	}
}

func (c *Capture) apply(ctx context.Context, cmd host.Command) error {
	c.suppress.Arm(cmd.ID)
	defer c.suppress.Release(cmd.ID)

	// Notifications keep flowing while the host works on the command. A
	// host that queues events ahead of its reply would otherwise stall once
	// the event stream is full.
	result := make(chan error, 1)
	go func() { result <- c.tree.Apply(ctx, cmd) }()

	var err error
	evs := c.tree.Events()
wait:
	for {
		select {
		case err = <-result:
			break wait
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			c.handle(ev)
		}
	}

	// Apply returns after its notifications are queued; consume them while
	// the id is still armed.
	c.drain()

	if err != nil {
		return err
	}
	c.applied.Add(1)
	return nil
}

func (c *Capture) drain() {
	evs := c.tree.Events()
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return
			}
			c.handle(ev)
		default:
			return
		}
	}
}

func (c *Capture) handle(ev host.Event) {
	if c.suppress.Suppressed(ev.ID) {
		c.suppressed.Add(1)
		c.logger.WithFields(map[string]interface{}{
			"event":   ev.Type,
			"node_id": ev.ID,
		}).Debug("Suppressed echo")
		return
	}

	rec, err := Normalize(ev)
	if errors.Is(err, errIgnored) {
		c.ignored.Add(1)
		return
	}
	if err != nil {
		c.dropped.Add(1)
		c.logger.WithError(err).Warn("Dropping malformed notification")
		return
	}

	rec.ID = uuid.NewString()
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = c.now()
	}
	rec.CapturedAt = rec.CapturedAt.UTC()
	rec.Metadata = c.tree.Metadata()

	seq, err := c.queue.Enqueue(rec)
	if err != nil {
		c.dropped.Add(1)
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"type":      rec.Type(),
			"target_id": rec.TargetID,
		}).Error("Dropping change, durable append failed")
		return
	}

	c.captured.Add(1)
	c.logger.WithFields(map[string]interface{}{
		"seq":       seq,
		"type":      rec.Type(),
		"target_id": rec.TargetID,
	}).Debug("Captured change")
}
