// Package config handles configuration loading, validation, and hot
// reloading for tetherd.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Connectivity configures the connectivity monitor.
	Connectivity ConnectivityConfig `toml:"connectivity" json:"connectivity" yaml:"connectivity"`

	// Proxy configures the background cached-content worker.
	Proxy ProxyConfig `toml:"proxy" json:"proxy" yaml:"proxy"`

	// Cache configures the cache accountant.
	Cache CacheConfig `toml:"cache" json:"cache" yaml:"cache"`

	// Notify configures the notification channel manager.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Queue configures the offline action queue.
	Queue QueueConfig `toml:"queue" json:"queue" yaml:"queue"`

	// Storage configures the durable local store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configures the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics configures the metrics endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ConnectivityConfig holds connectivity monitor configuration.
type ConnectivityConfig struct {
	// HistorySize is the capacity of the transition history ring.
	HistorySize int `toml:"history_size" json:"history_size" yaml:"history_size"`

	// ProbeEnabled enables the fallback HTTP probe. The primary signal
	// path is push-based; the probe only covers platforms with no
	// usable signal source.
	ProbeEnabled bool `toml:"probe_enabled" json:"probe_enabled" yaml:"probe_enabled"`

	// ProbeURL is the URL the fallback probe issues HEAD requests to.
	ProbeURL string `toml:"probe_url" json:"probe_url" yaml:"probe_url"`

	// ProbeIntervalSec is the fallback probe interval in seconds.
	ProbeIntervalSec int `toml:"probe_interval_sec" json:"probe_interval_sec" yaml:"probe_interval_sec"`
}

// ProxyConfig holds background worker configuration.
type ProxyConfig struct {
	// ListenAddr is the local address the cached-content worker serves on.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// ManifestPath is the worker version manifest watched for updates.
	ManifestPath string `toml:"manifest_path" json:"manifest_path" yaml:"manifest_path"`
}

// CacheConfig holds cache accountant configuration.
type CacheConfig struct {
	// Root is the directory holding named cache groups.
	Root string `toml:"root" json:"root" yaml:"root"`

	// QuotaBytes overrides the platform-reported quota when > 0.
	QuotaBytes int64 `toml:"quota_bytes" json:"quota_bytes" yaml:"quota_bytes"`

	// PreloadTimeoutSec bounds each individual preload fetch.
	PreloadTimeoutSec int `toml:"preload_timeout_sec" json:"preload_timeout_sec" yaml:"preload_timeout_sec"`
}

// NotifyConfig holds notification channel configuration.
type NotifyConfig struct {
	// GatewayURL is the push gateway subscriptions endpoint.
	GatewayURL string `toml:"gateway_url" json:"gateway_url" yaml:"gateway_url"`

	// AutoGrant makes the default prompter grant permission without
	// a desktop prompt. Intended for headless deployments.
	AutoGrant bool `toml:"auto_grant" json:"auto_grant" yaml:"auto_grant"`

	// AppName is the application name shown on local notifications.
	AppName string `toml:"app_name" json:"app_name" yaml:"app_name"`
}

// QueueConfig holds offline action queue configuration.
type QueueConfig struct {
	// SyncURL is the endpoint queued actions are delivered to. Empty
	// disables the built-in deliverer; flushes then need an explicit
	// delivery function.
	SyncURL string `toml:"sync_url" json:"sync_url" yaml:"sync_url"`

	// DeliverTimeoutSec bounds a single delivery attempt during flush.
	// The delivery function owns its own finer-grained timeouts.
	DeliverTimeoutSec int `toml:"deliver_timeout_sec" json:"deliver_timeout_sec" yaml:"deliver_timeout_sec"`
}

// StorageConfig holds durable store configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled turns the HTTP metrics endpoint on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the metrics listen address.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Connectivity: ConnectivityConfig{
			HistorySize:      10,
			ProbeEnabled:     false,
			ProbeURL:         "https://connectivity-check.example.net/generate_204",
			ProbeIntervalSec: 30,
		},
		Proxy: ProxyConfig{
			ListenAddr:   "127.0.0.1:7411",
			ManifestPath: filepath.Join(dataDir(), "worker", "manifest.json"),
		},
		Cache: CacheConfig{
			Root:              filepath.Join(cacheDir(), "groups"),
			QuotaBytes:        0,
			PreloadTimeoutSec: 30,
		},
		Notify: NotifyConfig{
			GatewayURL: "",
			AutoGrant:  false,
			AppName:    "tetherd",
		},
		Queue: QueueConfig{
			DeliverTimeoutSec: 60,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dataDir(), "tetherd.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath(),
			TimeoutSec: 30,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:7412",
		},
	}
}

func dataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "tetherd")
}

func cacheDir() string {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, _ := os.UserHomeDir()
		cacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheHome, "tetherd")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return filepath.Join(runtimeDir, "tetherd.sock")
}

// ConfigPath returns the default configuration file location.
func ConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "tetherd", "config.toml")
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	if c.Connectivity.HistorySize <= 0 {
		errs = append(errs, errors.New("connectivity.history_size must be positive"))
	}
	if c.Connectivity.ProbeEnabled {
		if c.Connectivity.ProbeIntervalSec <= 0 {
			errs = append(errs, errors.New("connectivity.probe_interval_sec must be positive when probing is enabled"))
		}
		if _, err := url.ParseRequestURI(c.Connectivity.ProbeURL); err != nil {
			errs = append(errs, fmt.Errorf("connectivity.probe_url: %w", err))
		}
	}

	if c.Proxy.ListenAddr == "" {
		errs = append(errs, errors.New("proxy.listen_addr must not be empty"))
	}
	if c.Proxy.ManifestPath == "" {
		errs = append(errs, errors.New("proxy.manifest_path must not be empty"))
	}

	if c.Cache.Root == "" {
		errs = append(errs, errors.New("cache.root must not be empty"))
	}
	if c.Cache.QuotaBytes < 0 {
		errs = append(errs, errors.New("cache.quota_bytes must not be negative"))
	}
	if c.Cache.PreloadTimeoutSec <= 0 {
		errs = append(errs, errors.New("cache.preload_timeout_sec must be positive"))
	}

	if c.Notify.GatewayURL != "" {
		if _, err := url.ParseRequestURI(c.Notify.GatewayURL); err != nil {
			errs = append(errs, fmt.Errorf("notify.gateway_url: %w", err))
		}
	}

	if c.Queue.SyncURL != "" {
		if _, err := url.ParseRequestURI(c.Queue.SyncURL); err != nil {
			errs = append(errs, fmt.Errorf("queue.sync_url: %w", err))
		}
	}
	if c.Queue.DeliverTimeoutSec <= 0 {
		errs = append(errs, errors.New("queue.deliver_timeout_sec must be positive"))
	}

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	if c.Storage.BusyTimeoutMs < 0 {
		errs = append(errs, errors.New("storage.busy_timeout_ms must not be negative"))
	}

	if _, err := parseLevelName(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if c.IPC.SocketPath == "" {
		errs = append(errs, errors.New("ipc.socket_path must not be empty"))
	}
	if c.IPC.TimeoutSec <= 0 {
		errs = append(errs, errors.New("ipc.timeout_sec must be positive"))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr must not be empty when metrics are enabled"))
	}

	return errors.Join(errs...)
}

func parseLevelName(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "debug", "info", "warn", "warning", "error":
		return strings.ToLower(s), nil
	default:
		return "", fmt.Errorf("logging.level must be debug/info/warn/error, got %q", s)
	}
}

// ApplyEnvOverrides applies TETHERD_* environment variables on top of
// the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TETHERD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TETHERD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TETHERD_CACHE_ROOT"); v != "" {
		c.Cache.Root = v
	}
	if v := os.Getenv("TETHERD_IPC_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("TETHERD_NOTIFY_GATEWAY"); v != "" {
		c.Notify.GatewayURL = v
	}
	if v := os.Getenv("TETHERD_SYNC_URL"); v != "" {
		c.Queue.SyncURL = v
	}
	if v := os.Getenv("TETHERD_CACHE_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.QuotaBytes = n
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	dup := *c
	return &dup
}
