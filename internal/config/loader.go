package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. BOOKMARX_LOG_LEVEL.
const EnvPrefix = "BOOKMARX"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		v:          viper.New(),
	}
}

// Load reads configuration from defaults, file and environment.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults(DefaultConfig())

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				l.v.SetConfigFile(path)
				if err := l.v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	return l.decode()
}

// Path returns the config file in use, if any.
func (l *Loader) Path() string {
	return l.configPath
}

// Watch reloads the config file on change and hands valid results to fn.
// Invalid edits are reported through onErr and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	if l.configPath == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides resolve.
func (l *Loader) setDefaults(cfg *Config) {
	l.v.SetDefault("api.base_url", cfg.API.BaseURL)
	l.v.SetDefault("api.timeout", cfg.API.Timeout)
	l.v.SetDefault("api.user_agent", cfg.API.UserAgent)

	l.v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	l.v.SetDefault("storage.queue_backend", cfg.Storage.QueueBackend)
	l.v.SetDefault("storage.queue_path", cfg.Storage.QueuePath)

	l.v.SetDefault("sync.interval", cfg.Sync.Interval)
	l.v.SetDefault("sync.owner_id", cfg.Sync.OwnerID)
	l.v.SetDefault("sync.device_id", cfg.Sync.DeviceID)

	l.v.SetDefault("host.listen_addr", cfg.Host.ListenAddr)
	l.v.SetDefault("host.path", cfg.Host.Path)
	l.v.SetDefault("host.allowed_origins", cfg.Host.AllowedOrigins)
	l.v.SetDefault("host.request_timeout", cfg.Host.RequestTimeout)

	l.v.SetDefault("server.addr", cfg.Server.Addr)
	l.v.SetDefault("server.database_path", cfg.Server.DatabasePath)
	l.v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)
	l.v.SetDefault("server.read_header_timeout", cfg.Server.ReadHeaderTimeout)
	l.v.SetDefault("server.max_batch_size", cfg.Server.MaxBatchSize)
	l.v.SetDefault("server.history_limit", cfg.Server.HistoryLimit)

	l.v.SetDefault("log.level", cfg.Log.Level)
	l.v.SetDefault("log.format", cfg.Log.Format)
	l.v.SetDefault("log.file", cfg.Log.File)
	l.v.SetDefault("log.max_size", cfg.Log.MaxSize)
	l.v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	l.v.SetDefault("log.max_age", cfg.Log.MaxAge)
	l.v.SetDefault("log.color", cfg.Log.Color)
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"bookmarx.json",
		".bookmarx.json",
		"bookmarx.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "bookmarx", "config.json"),
			filepath.Join(homeDir, ".config", "bookmarx", "config.yaml"),
		)
	}

	return paths
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
