// Package client wires the local agent: queue, capture loop, transport and
// sync service around a host tree.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gazzetta/bookmarx/internal/capture"
	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/queue"
	"github.com/gazzetta/bookmarx/internal/services/sync"
	"github.com/gazzetta/bookmarx/internal/transport"
)

// Client provides the high-level API of the agent.
type Client struct {
	Sync    *sync.Service
	Capture *capture.Capture
	Queue   queue.Store
	Tree    host.Tree

	config    *config.Config
	logger    *events.Logger
	transport *transport.HTTPClient
	bridge    *host.Bridge
}

// New creates a client whose host connects over the loopback bridge.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	bridge := host.NewBridge(cfg.Host, logger)
	return newClient(cfg, bridge, bridge, logger)
}

// NewWithTree creates a client over an in-process host tree.
func NewWithTree(cfg *config.Config, tree host.Tree, logger *events.Logger) (*Client, error) {
	return newClient(cfg, tree, nil, logger)
}

func newClient(cfg *config.Config, tree host.Tree, bridge *host.Bridge, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	q, err := OpenQueue(cfg, logger)
	if err != nil {
		return nil, err
	}

	transportClient := transport.NewHTTPClient(&cfg.API, logger)
	captureLoop := capture.New(tree, q, logger)
	engine := sync.NewEngine(q, transportClient, tree, captureLoop, &cfg.Sync, logger)

	var notifier sync.Notifier
	if bridge != nil {
		notifier = bridge
	}

	return &Client{
		Sync:      sync.NewService(engine, q, notifier, cfg.Sync.Interval, logger),
		Capture:   captureLoop,
		Queue:     q,
		Tree:      tree,
		config:    cfg,
		logger:    logger.WithField("component", "client"),
		transport: transportClient,
		bridge:    bridge,
	}, nil
}

// OpenQueue opens the configured local queue backend.
func OpenQueue(cfg *config.Config, logger *events.Logger) (queue.Store, error) {
	switch cfg.Storage.QueueBackend {
	case config.QueueBackendSQLite:
		s, err := queue.NewSQLiteStore(cfg.QueuePath(), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.QueueBackendJSON:
		s, err := queue.NewJSONStore(cfg.QueuePath(), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("queue backend %q: %w", cfg.Storage.QueueBackend, models.ErrInvalidConfig)
	}
}

// Run serves the host bridge (when there is one), consumes host events and
// syncs until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var requests <-chan struct{}
	if c.bridge != nil {
		requests = c.bridge.SyncRequests()
		g.Go(func() error { return c.serveBridge(ctx) })
	}

	g.Go(func() error {
		err := c.Capture.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return c.Sync.Run(ctx, requests) })

	return g.Wait()
}

// History fetches the server-side sync ledger of this agent's owner.
func (c *Client) History(ctx context.Context, limit int) ([]models.SyncHistoryEntry, error) {
	id, err := c.Sync.Engine().Identity()
	if err != nil {
		return nil, err
	}
	return c.transport.History(ctx, id.OwnerID, limit)
}

// Close releases the transport, the bridge and the queue.
func (c *Client) Close() error {
	var errs []error
	if c.bridge != nil {
		errs = append(errs, c.bridge.Close())
	}
	errs = append(errs, c.transport.Close(), c.Queue.Close())
	return errors.Join(errs...)
}

func (c *Client) serveBridge(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(c.config.Host.Path, c.bridge)

	ln, err := net.Listen("tcp", c.config.Host.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.config.Host.ListenAddr, err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	c.logger.WithField("addr", ln.Addr().String()).Info("Waiting for host on bridge")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SyncOnce serves the host just long enough to run one attempt. It waits up
// to wait for the host to connect to the bridge. The capture loop does not
// restart, so a Client runs either SyncOnce or Run, once.
func (c *Client) SyncOnce(ctx context.Context, wait time.Duration) (*sync.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if c.bridge != nil {
		g.Go(func() error { return c.serveBridge(gctx) })
	}
	g.Go(func() error {
		if err := c.Capture.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	result, err := c.syncWhenConnected(gctx, wait)
	cancel()
	if werr := g.Wait(); werr != nil && (err == nil || errors.Is(err, context.Canceled)) {
		err = werr
	}
	return result, err
}

func (c *Client) syncWhenConnected(ctx context.Context, wait time.Duration) (*sync.Result, error) {
	if c.bridge != nil {
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for !c.bridge.Connected() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-deadline.C:
				return nil, fmt.Errorf("waited %s: %w", wait, models.ErrHostUnavailable)
			case <-ticker.C:
			}
		}
	}
	return c.Sync.SyncNow(ctx)
}
