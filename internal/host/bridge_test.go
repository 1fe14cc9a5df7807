package host_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/host"
	"github.com/gazzetta/bookmarx/internal/models"
)

// fakeHost answers bridge requests the way a browser extension would.
type fakeHost struct {
	t    *testing.T
	conn *websocket.Conn
	tree *host.Node
}

func (f *fakeHost) send(msg host.Message) {
	require.NoError(f.t, f.conn.WriteJSON(msg))
}

func (f *fakeHost) serve() {
	for {
		var msg host.Message
		if err := f.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case host.MsgSnapshot:
			_ = f.conn.WriteJSON(host.Message{Type: host.MsgTree, ID: msg.ID, Tree: f.tree})
		case host.MsgApply:
			cmd := msg.Command
			if cmd.ID == "broken" {
				_ = f.conn.WriteJSON(host.Message{Type: host.MsgAck, ID: msg.ID, Error: "no such node"})
				continue
			}
			// Notification first, then the ack
			_ = f.conn.WriteJSON(host.Message{Type: host.MsgEvent, Event: &host.Event{
				Type: host.EventChanged, ID: cmd.ID, NodeType: host.NodeBookmark, Title: cmd.Title,
			}})
			_ = f.conn.WriteJSON(host.Message{Type: host.MsgAck, ID: msg.ID})
		}
	}
}

func newBridge(t *testing.T) (*host.Bridge, string) {
	t.Helper()

	logger := events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
	cfg := config.DefaultConfig().Host
	cfg.RequestTimeout = 2 * time.Second

	bridge := host.NewBridge(cfg, logger)
	srv := httptest.NewServer(bridge)
	t.Cleanup(func() {
		_ = bridge.Close()
		srv.Close()
	})

	return bridge, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectHost(t *testing.T, bridge *host.Bridge, url string) *fakeHost {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	fh := &fakeHost{
		t:    t,
		conn: conn,
		tree: &host.Node{ID: "root", Type: host.NodeFolder, Children: []*host.Node{
			{ID: "f1", ParentID: "root", Type: host.NodeFolder, Title: "Work"},
		}},
	}
	fh.send(host.Message{Type: host.MsgHello, Metadata: &models.DeviceMetadata{BrowserName: "firefox", BrowserVersion: "128"}})

	require.Eventually(t, func() bool {
		return bridge.Connected() && bridge.Metadata().BrowserName == "firefox"
	}, 2*time.Second, 10*time.Millisecond)

	go fh.serve()
	return fh
}

func TestBridgeSnapshot(t *testing.T) {
	bridge, url := newBridge(t)
	connectHost(t, bridge, url)

	tree, err := bridge.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "Work", tree.Children[0].Title)
}

func TestBridgeApplyDeliversEventsBeforeReturning(t *testing.T) {
	bridge, url := newBridge(t)
	connectHost(t, bridge, url)

	err := bridge.Apply(context.Background(), host.Command{
		Op: host.OpUpdate, ID: "b1", Title: models.StringPtr("Renamed"),
	})
	require.NoError(t, err)

	select {
	case ev := <-bridge.Events():
		assert.Equal(t, host.EventChanged, ev.Type)
		assert.Equal(t, "b1", ev.ID)
	default:
		t.Fatal("apply returned before its notification was delivered")
	}
}

func TestBridgeApplyError(t *testing.T) {
	bridge, url := newBridge(t)
	connectHost(t, bridge, url)

	err := bridge.Apply(context.Background(), host.Command{Op: host.OpRemove, ID: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such node")
}

func TestBridgeSyncRequests(t *testing.T) {
	bridge, url := newBridge(t)
	fh := connectHost(t, bridge, url)

	fh.send(host.Message{Type: host.MsgSync})
	fh.send(host.Message{Type: host.MsgSync})

	select {
	case <-bridge.SyncRequests():
	case <-time.After(2 * time.Second):
		t.Fatal("sync request not delivered")
	}
}

func TestBridgeNotify(t *testing.T) {
	bridge, url := newBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, bridge.Connected, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bridge.Notify(host.MsgSyncResult, map[string]string{"outcome": "SYNC_COMPLETE"}))

	var msg host.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, host.MsgSyncResult, msg.Type)

	var result map[string]string
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "SYNC_COMPLETE", result["outcome"])
}

func TestBridgeSingleHost(t *testing.T) {
	bridge, url := newBridge(t)
	connectHost(t, bridge, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBridgeWithoutHost(t *testing.T) {
	bridge, _ := newBridge(t)

	_, err := bridge.Snapshot(context.Background())
	assert.ErrorIs(t, err, models.ErrHostUnavailable)
}

func TestBridgeHostDisconnect(t *testing.T) {
	bridge, url := newBridge(t)
	fh := connectHost(t, bridge, url)

	require.NoError(t, fh.conn.Close())
	require.Eventually(t, func() bool { return !bridge.Connected() }, 2*time.Second, 10*time.Millisecond)

	err := bridge.Apply(context.Background(), host.Command{Op: host.OpRemove, ID: "b1"})
	assert.ErrorIs(t, err, models.ErrHostUnavailable)
}
