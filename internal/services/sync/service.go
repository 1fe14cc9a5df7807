package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/queue"
)

// Notifier pushes sync outcomes to the host. *host.Bridge implements it.
type Notifier interface {
	Notify(msgType string, payload interface{}) error
}

// Service re-triggers the engine periodically and on request.
type Service struct {
	engine   *Engine
	queue    queue.Store
	notifier Notifier
	logger   *events.Logger

	mu              sync.Mutex
	interval        time.Duration
	intervalChanged chan struct{}
}

// StatusReport summarizes the local side of sync.
type StatusReport struct {
	State     State                 `json:"state"`
	Identity  models.DeviceIdentity `json:"identity"`
	Pending   int                   `json:"pending"`
	LastSync  time.Time             `json:"lastSync"`
	LastError string                `json:"lastError,omitempty"`
	Progress  *Progress             `json:"progress,omitempty"`
}

// NewService creates a sync service. A zero interval disables the ticker;
// notifier may be nil.
func NewService(engine *Engine, q queue.Store, notifier Notifier, interval time.Duration, logger *events.Logger) *Service {
	return &Service{
		engine:          engine,
		queue:           q,
		notifier:        notifier,
		logger:          logger.WithField("service", "sync"),
		interval:        interval,
		intervalChanged: make(chan struct{}, 1),
	}
}

// Interval returns the current periodic sync interval.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the periodic sync interval of a running loop. Zero
// stops periodic syncs.
func (s *Service) SetInterval(d time.Duration) {
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.intervalChanged <- struct{}{}:
	default:
	}
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// SyncNow runs one attempt.
func (s *Service) SyncNow(ctx context.Context) (*Result, error) {
	result, err := s.engine.Sync(ctx)
	s.notify(result, err)
	return result, err
}

// Run syncs once, then on every tick and every request until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context, requests <-chan struct{}) error {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	resetTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d := s.Interval(); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	resetTicker()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	s.trigger(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.intervalChanged:
			resetTicker()
			s.logger.WithField("interval", s.Interval()).Info("Sync interval changed")
		case <-tick:
			s.trigger(ctx, "interval")
		case _, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			s.trigger(ctx, "request")
		}
	}
}

// Status reports the local queue and engine state.
func (s *Service) Status() (*StatusReport, error) {
	id, err := s.engine.Identity()
	if err != nil {
		return nil, err
	}
	pending, err := s.queue.Pending()
	if err != nil {
		return nil, err
	}
	lastSync, err := s.queue.LastSync()
	if err != nil {
		return nil, err
	}
	lastError, err := s.queue.LastError()
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		State:     s.engine.State(),
		Identity:  id,
		Pending:   pending,
		LastSync:  lastSync,
		LastError: lastError,
		Progress:  s.engine.GetProgress(),
	}, nil
}

func (s *Service) trigger(ctx context.Context, reason string) {
	logger := s.logger.WithField("trigger", reason)

	result, err := s.SyncNow(ctx)
	// Drain a backlog the server only took part of, as long as each round
	// makes progress
	for err == nil && result.Deferred > 0 && result.Acknowledged > 0 && ctx.Err() == nil {
		logger.WithField("deferred", result.Deferred).Debug("Submitting deferred changes")
		result, err = s.SyncNow(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, models.ErrSyncInProgress):
		logger.Debug("Sync already running, skipping trigger")
	case ctx.Err() != nil:
	default:
		// The engine has logged and recorded the failure; the next
		// trigger retries.
		logger.Debug("Sync attempt failed")
	}
}

type syncNotice struct {
	Success bool    `json:"success"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func (s *Service) notify(result *Result, err error) {
	if s.notifier == nil || errors.Is(err, models.ErrSyncInProgress) {
		return
	}
	notice := syncNotice{Success: err == nil, Result: result}
	if err != nil {
		notice.Error = err.Error()
	}
	if nerr := s.notifier.Notify(host.MsgSyncResult, notice); nerr != nil && !errors.Is(nerr, models.ErrHostUnavailable) {
		s.logger.WithError(nerr).Debug("Failed to notify host")
	}
}
