package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/models"
)

// Bridge message types.
const (
	// Host to agent
	MsgHello = "hello"
	MsgEvent = "event"
	MsgTree  = "tree"
	MsgAck   = "ack"
	MsgSync  = "sync"

	// Agent to host
	MsgSnapshot   = "snapshot"
	MsgApply      = "apply"
	MsgSyncResult = "sync_result"
)

// Message is the single envelope exchanged over the bridge.
type Message struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id,omitempty"`
	Event    *Event                 `json:"event,omitempty"`
	Tree     *Node                  `json:"tree,omitempty"`
	Command  *Command               `json:"command,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata *models.DeviceMetadata `json:"metadata,omitempty"`
	Result   json.RawMessage        `json:"result,omitempty"`
}

// Bridge is a Tree backed by a host application connected over a loopback
// WebSocket. One host connection is served at a time. The host must send
// the events an apply causes before it sends the apply's ack.
type Bridge struct {
	logger   *events.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan Message
	metadata models.DeviceMetadata
	closed   bool

	writeMu sync.Mutex

	events       chan Event
	syncRequests chan struct{}
	done         chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewBridge creates a bridge; mount it as an http.Handler on cfg.Path.
func NewBridge(cfg config.HostConfig, logger *events.Logger) *Bridge {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	b := &Bridge{
		logger:       logger.WithField("component", "host_bridge"),
		timeout:      cfg.RequestTimeout,
		pending:      make(map[string]chan Message),
		events:       make(chan Event, 256),
		syncRequests: make(chan struct{}, 1),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
	b.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}

	return b
}

// ServeHTTP upgrades the host connection and serves it until it drops.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	busy := b.conn != nil
	closed := b.closed
	b.mu.Unlock()

	if closed {
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	}
	if busy {
		http.Error(w, "host already connected", http.StatusConflict)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Warn("Host upgrade failed")
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.WithField("remote", r.RemoteAddr).Info("Host connected")

	stop := make(chan struct{})
	go b.pingLoop(conn, stop)
	b.readLoop(conn)
	close(stop)

	b.disconnect(conn)
	b.logger.Info("Host disconnected")
}

// Connected reports whether a host is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.conn != nil
}

// Events returns host notifications.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// SyncRequests signals each sync the host asks for. Requests arriving while
// one is already queued are coalesced.
func (b *Bridge) SyncRequests() <-chan struct{} {
	return b.syncRequests
}

// Metadata returns what the host announced in its hello.
func (b *Bridge) Metadata() models.DeviceMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.metadata
}

// Snapshot asks the host for its full tree.
func (b *Bridge) Snapshot(ctx context.Context) (*Node, error) {
	reply, err := b.request(ctx, Message{Type: MsgSnapshot})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if reply.Tree == nil {
		return nil, fmt.Errorf("snapshot: host returned no tree")
	}
	return reply.Tree, nil
}

// Apply forwards a command and waits for the host's ack.
func (b *Bridge) Apply(ctx context.Context, cmd Command) error {
	if _, err := b.request(ctx, Message{Type: MsgApply, Command: &cmd}); err != nil {
		return fmt.Errorf("apply %s %s: %w", cmd.Op, cmd.ID, err)
	}
	return nil
}

// Notify pushes an unsolicited message such as a sync result to the host.
func (b *Bridge) Notify(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return b.write(Message{Type: msgType, Result: data})
}

// Close drops the host connection and rejects new ones.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		b.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (b *Bridge) request(ctx context.Context, msg Message) (Message, error) {
	msg.ID = uuid.NewString()
	reply := make(chan Message, 1)

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return Message{}, models.ErrHostUnavailable
	}
	b.pending[msg.ID] = reply
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.write(msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r, ok := <-reply:
		if !ok {
			return Message{}, models.ErrHostUnavailable
		}
		if r.Error != "" {
			return Message{}, fmt.Errorf("host: %s", r.Error)
		}
		return r, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("host did not answer within %s", b.timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (b *Bridge) write(msg Message) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return models.ErrHostUnavailable
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(b.pongTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop dispatches host messages in arrival order, which keeps apply
// notifications ahead of the ack that completes the apply.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(b.pongTimeout + b.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.pongTimeout + b.pingInterval))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				b.logger.WithError(err).Warn("Host read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(b.pongTimeout + b.pingInterval))

		switch msg.Type {
		case MsgEvent:
			if msg.Event == nil {
				b.logger.Warn("Host sent event without body")
				continue
			}
			select {
			case b.events <- *msg.Event:
			case <-b.done:
				return
			}

		case MsgTree, MsgAck:
			b.mu.Lock()
			reply, ok := b.pending[msg.ID]
			b.mu.Unlock()
			if !ok {
				b.logger.WithField("id", msg.ID).Debug("Reply for unknown request")
				continue
			}
			select {
			case reply <- msg:
			default:
			}

		case MsgSync:
			select {
			case b.syncRequests <- struct{}{}:
			default:
			}

		case MsgHello:
			if msg.Metadata != nil {
				b.mu.Lock()
				b.metadata = *msg.Metadata
				b.mu.Unlock()
				b.logger.WithFields(map[string]interface{}{
					"browser": msg.Metadata.BrowserName,
					"version": msg.Metadata.BrowserVersion,
				}).Info("Host identified")
			}

		default:
			b.logger.WithField("type", msg.Type).Warn("Unknown host message")
		}
	}
}

func (b *Bridge) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.pongTimeout))
			b.writeMu.Unlock()
			if err != nil {
				b.logger.WithError(err).Debug("Ping failed")
				return
			}
		case <-stop:
			return
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) disconnect(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == conn {
		b.conn = nil
	}
	for id, reply := range b.pending {
		close(reply)
		delete(b.pending, id)
	}
	_ = conn.Close()
}
