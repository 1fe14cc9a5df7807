package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/ingest"
	"github.com/gazzetta/bookmarx/internal/server"
	"github.com/gazzetta/bookmarx/internal/store"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// IngestServer is a real ingest server on an httptest listener backed by
// a temporary SQLite file.
type IngestServer struct {
	*httptest.Server
	Store   *store.SQLiteStore
	Service *ingest.Service
}

// NewIngestServer starts an ingest server that is shut down with the test.
func NewIngestServer(t *testing.T, opts ...ingest.Option) *IngestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := NewTestLogger()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ingest.db"), logger)
	require.NoError(t, err)

	cfg := config.DefaultConfig().Server
	svc := ingest.NewService(st, logger, opts...)
	router := server.NewRouter(&cfg, server.NewSyncHandler(svc, cfg.HistoryLimit), logger)

	ts := &IngestServer{
		Server:  httptest.NewServer(router),
		Store:   st,
		Service: svc,
	}
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	return ts
}

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// TestConfigWithDir creates an agent configuration rooted at dataDir.
func TestConfigWithDir(dataDir, baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.Timeout = 5 * time.Second
	cfg.Storage.DataDir = dataDir
	cfg.Sync.Interval = 0
	cfg.Host.ListenAddr = "127.0.0.1:0"
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.Color = false
	return cfg
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// LogOutput captures JSON log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasMessage checks if any entry at level contains message.
func (lo *LogOutput) HasMessage(level, message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if entry.Level == level && strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

// SkipIfShort skips test if testing.Short() is true.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}
