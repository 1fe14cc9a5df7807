package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Ingest server communication
	API APIConfig `mapstructure:"api" json:"api"`

	// Local paths
	Storage StorageConfig `mapstructure:"storage" json:"storage"`

	// Sync behavior
	Sync SyncConfig `mapstructure:"sync" json:"sync"`

	// Host bridge
	Host HostConfig `mapstructure:"host" json:"host"`

	// Ingest server
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url" json:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
	UserAgent string        `mapstructure:"user_agent" json:"user_agent"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir" json:"data_dir"`           // Base directory for all data
	QueueBackend string `mapstructure:"queue_backend" json:"queue_backend"` // sqlite or json
	QueuePath    string `mapstructure:"queue_path" json:"queue_path"`       // Empty = derived from data_dir
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval"` // Periodic re-trigger, 0 disables
	OwnerID  string        `mapstructure:"owner_id" json:"owner_id"` // Overrides the generated owner id
	DeviceID string        `mapstructure:"device_id" json:"device_id"`
}

// HostConfig for the loopback bridge the host connects to.
type HostConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" json:"listen_addr"`
	Path           string        `mapstructure:"path" json:"path"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
}

// ServerConfig for the ingest server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" json:"addr"`
	DatabasePath      string        `mapstructure:"database_path" json:"database_path"`
	CORSOrigins       []string      `mapstructure:"cors_origins" json:"cors_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout"`
	MaxBatchSize      int           `mapstructure:"max_batch_size" json:"max_batch_size"` // 0 = unlimited
	HistoryLimit      int           `mapstructure:"history_limit" json:"history_limit"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	File       string `mapstructure:"file" json:"file"`               // Log file path (empty = stdout)
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`       // Max log file size in MB
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"` // Max number of old logs
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`         // Max age in days
	Color      bool   `mapstructure:"color" json:"color"`             // Enable colored output
}

// Queue backends.
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendJSON   = "json"
)

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".bookmarx"

	return &Config{
		API: APIConfig{
			BaseURL:   "http://127.0.0.1:8090",
			Timeout:   30 * time.Second,
			UserAgent: "bookmarx-agent/1.0",
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			QueueBackend: QueueBackendSQLite,
		},
		Sync: SyncConfig{
			Interval: 5 * time.Minute,
		},
		Host: HostConfig{
			ListenAddr:     "127.0.0.1:8765",
			Path:           "/host",
			RequestTimeout: 15 * time.Second,
		},
		Server: ServerConfig{
			Addr:              ":8090",
			DatabasePath:      "bookmarx.db",
			CORSOrigins:       []string{"*"},
			ReadHeaderTimeout: 5 * time.Second,
			HistoryLimit:      50,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

// QueuePath resolves the local queue location.
func (c *Config) QueuePath() string {
	if c.Storage.QueuePath != "" {
		return c.Storage.QueuePath
	}
	if c.Storage.QueueBackend == QueueBackendJSON {
		return filepath.Join(c.Storage.DataDir, "queue")
	}
	return filepath.Join(c.Storage.DataDir, "queue.db")
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	switch c.Storage.QueueBackend {
	case QueueBackendSQLite, QueueBackendJSON:
	default:
		return fmt.Errorf("invalid storage.queue_backend: %s", c.Storage.QueueBackend)
	}

	if c.Sync.Interval < 0 {
		return errors.New("sync.interval cannot be negative")
	}

	if c.Host.RequestTimeout <= 0 {
		return errors.New("host.request_timeout must be positive")
	}

	if c.Server.MaxBatchSize < 0 {
		return errors.New("server.max_batch_size cannot be negative")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.QueuePath()),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
