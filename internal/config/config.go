// Package config handles configuration loading, validation, and management for sealedlog.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sealedlog/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete sealedlog configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Log configures where session logs are written.
	Log LogConfig `toml:"log" json:"log" yaml:"log"`

	// Crypto configures session-key export.
	Crypto CryptoConfig `toml:"crypto" json:"crypto" yaml:"crypto"`

	// Recorder configures the binary fast path and crash recovery.
	Recorder RecorderConfig `toml:"recorder" json:"recorder" yaml:"recorder"`

	// Queue configures the asynchronous write queue.
	Queue QueueConfig `toml:"queue" json:"queue" yaml:"queue"`

	// Logging configures diagnostic logging.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Ledger configures the SQLite session ledger.
	Ledger LedgerConfig `toml:"ledger" json:"ledger" yaml:"ledger"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// LogConfig holds session log configuration.
type LogConfig struct {
	// Dir is the directory relative base paths are resolved against.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// Ext is appended to a session base path to name its log file.
	Ext string `toml:"ext" json:"ext" yaml:"ext"`

	// Sink selects the writer: "queue" (asynchronous) or "buffered".
	Sink string `toml:"sink" json:"sink" yaml:"sink"`
}

// CryptoConfig holds session-key export configuration.
type CryptoConfig struct {
	// PublicKeyPath is a file holding the recipient public key.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`

	// PublicKey is an inline public key (PEM or base64 X25519).
	// It takes precedence over PublicKeyPath.
	PublicKey string `toml:"public_key" json:"public_key" yaml:"public_key"`

	// Fallback is "export-plain" or "refuse".
	Fallback string `toml:"fallback" json:"fallback" yaml:"fallback"`
}

// RecorderConfig holds binary fast-path configuration.
type RecorderConfig struct {
	// Enabled routes key events through the binary log while a session runs.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Recovery writes the key sidecar so crashed sessions can be finished.
	Recovery bool `toml:"recovery" json:"recovery" yaml:"recovery"`

	// ScanDirs are searched for orphaned binary logs. Empty means Log.Dir.
	ScanDirs []string `toml:"scan_dirs" json:"scan_dirs" yaml:"scan_dirs"`
}

// QueueConfig holds write queue configuration.
type QueueConfig struct {
	// Capacity bounds the number of queued items.
	Capacity int `toml:"capacity" json:"capacity" yaml:"capacity"`

	// BufferSize is the file buffer size in bytes.
	BufferSize int `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size"`

	// ErrorBuffer bounds the number of unread consumer errors kept.
	ErrorBuffer int `toml:"error_buffer" json:"error_buffer" yaml:"error_buffer"`
}

// LoggingConfig holds diagnostic logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the diagnostics log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	// Enabled turns on metric collection.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`

	// Listen is the address the CLI serves /metrics on. Empty disables it.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// LedgerConfig holds session ledger configuration.
type LedgerConfig struct {
	// Enabled records session lifecycles in SQLite.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Log: LogConfig{
			Dir:  filepath.Join(dir, "sessions"),
			Ext:  ".log",
			Sink: "queue",
		},
		Crypto: CryptoConfig{
			PublicKeyPath: filepath.Join(dir, "recipient.pub"),
			Fallback:      "export-plain",
		},
		Recorder: RecorderConfig{
			Enabled:  true,
			Recovery: true,
		},
		Queue: QueueConfig{
			Capacity:    1024,
			BufferSize:  64 * 1024,
			ErrorBuffer: 16,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(PlatformLogDir(), "sealedlog.log"),
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "sealedlog",
		},
		Ledger: LedgerConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "ledger.db"),
			BusyTimeoutMs: 5000,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base sealedlog directory.
// SEALEDLOG_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("SEALEDLOG_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
// TOML, JSON and YAML are selected by extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the configuration as TOML with owner-only permissions.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SEALEDLOG_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("SEALEDLOG_LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("SEALEDLOG_LOG_SINK"); v != "" {
		c.Log.Sink = v
	}

	if v := os.Getenv("SEALEDLOG_PUBLIC_KEY_PATH"); v != "" {
		c.Crypto.PublicKeyPath = v
	}
	if v := os.Getenv("SEALEDLOG_PUBLIC_KEY"); v != "" {
		c.Crypto.PublicKey = v
	}
	if v := os.Getenv("SEALEDLOG_FALLBACK"); v != "" {
		c.Crypto.Fallback = v
	}

	if v := os.Getenv("SEALEDLOG_RECOVERY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Recorder.Recovery = b
		}
	}
	if v := os.Getenv("SEALEDLOG_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Capacity = n
		}
	}

	if v := os.Getenv("SEALEDLOG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SEALEDLOG_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("SEALEDLOG_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("SEALEDLOG_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Log:      c.Log,
		Crypto:   c.Crypto,
		Recorder: c.Recorder,
		Queue:    c.Queue,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
		Ledger:   c.Ledger,
	}
	clone.Recorder.ScanDirs = append([]string{}, c.Recorder.ScanDirs...)
	return clone
}

// EnsureDirectories creates the directories sealedlog writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Log.Dir}
	if c.Ledger.Enabled {
		dirs = append(dirs, filepath.Dir(c.Ledger.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ResolveBase turns a session base path into an absolute one, interpreting
// relative paths against Log.Dir.
func (c *Config) ResolveBase(base string) string {
	base = expandPath(base)
	if filepath.IsAbs(base) || c.Log.Dir == "" {
		return base
	}
	return filepath.Join(expandPath(c.Log.Dir), base)
}

// RecoveryDirs returns the directories scanned for orphaned binary logs.
func (c *Config) RecoveryDirs() []string {
	if len(c.Recorder.ScanDirs) > 0 {
		dirs := make([]string, len(c.Recorder.ScanDirs))
		for i, d := range c.Recorder.ScanDirs {
			dirs[i] = expandPath(d)
		}
		return dirs
	}
	return []string{expandPath(c.Log.Dir)}
}

// PublicKeyBytes returns the configured recipient public key, inline value
// first. It returns nil, nil when no key is configured or the file is absent.
func (c *Config) PublicKeyBytes() ([]byte, error) {
	if c.Crypto.PublicKey != "" {
		return []byte(strings.TrimSpace(c.Crypto.PublicKey)), nil
	}
	if c.Crypto.PublicKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(expandPath(c.Crypto.PublicKeyPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return data, nil
}

// LoggerConfig converts the logging section for the logging package.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:     level,
		Format:    format,
		Output:    c.Logging.Output,
		FilePath:  expandPath(c.Logging.FilePath),
		Component: "sealedlog",
	}, nil
}
