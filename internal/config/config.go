// Package config provides configuration loading and structs for the torikomi server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30m" or "5s".
type Duration time.Duration

// UnmarshalYAML parses a duration string (e.g. "30m", "1h30m").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Worker  WorkerConfig  `yaml:"worker"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and the keyword index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// BrokerConfig selects and configures the task broker.
// Type is "memory" (single process) or "redis" (shared queue across processes).
type BrokerConfig struct {
	Type              string   `yaml:"type"`
	RedisAddr         string   `yaml:"redis_addr"`
	RedisPassword     string   `yaml:"redis_password"`
	RedisDB           int      `yaml:"redis_db"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
}

// WorkerConfig holds worker pool and retry settings.
type WorkerConfig struct {
	PoolSize         int      `yaml:"pool_size"`
	TaskTimeout      Duration `yaml:"task_timeout"`
	MaxRetryAttempts int      `yaml:"max_retry_attempts"`
}

// IngestConfig holds upload validation and chunking settings.
type IngestConfig struct {
	ChunkSize         int      `yaml:"chunk_size"`
	MaxFileSizeMB     int      `yaml:"max_file_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// MaxFileSizeBytes returns the upload size limit in bytes.
func (c *IngestConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// CleanupConfig holds the scheduled cleanup settings. An Interval of 0
// disables the scheduler; cleanup can still be triggered on demand.
type CleanupConfig struct {
	Interval      Duration `yaml:"interval"`
	OlderThanDays int      `yaml:"older_than_days"`
}

// WatchConfig holds drop-folder ingestion settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
