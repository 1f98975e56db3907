// Package config provides the configuration of the bulkupsert tool and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/bulkupsert/pkg/types"
)

// Config holds the configuration of every bulkupsert command.
type Config struct {
	// DataDir is the base directory for local files such as the journal
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database connection
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Upsert engine defaults
	Upsert UpsertConfig `json:"upsert" yaml:"upsert"`

	// Journal of failed invocations
	Journal JournalConfig `json:"journal" yaml:"journal"`

	// HTTP server configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Storage for input files
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Tables declares table schemas. Tables not listed here are introspected.
	Tables []types.TableSchema `json:"tables" yaml:"tables"`
}

// DatabaseConfig holds the target database configuration.
type DatabaseConfig struct {
	// Driver is sqlite3 or pgx
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the data source name; for sqlite3 a file path
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxOpenConns caps the connection pool; 0 uses the driver default
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// BusyTimeout is how long SQLite waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// UpsertConfig holds the engine defaults.
type UpsertConfig struct {
	// WindowSize is the number of records classified and written together (0 = whole input)
	WindowSize int `json:"window_size" yaml:"window_size"`

	// MaxBatchRows caps the rows per statement
	MaxBatchRows int `json:"max_batch_rows" yaml:"max_batch_rows"`

	// MaxBatchParams caps the bound parameters per statement
	MaxBatchParams int `json:"max_batch_params" yaml:"max_batch_params"`

	// LookupChunkSize caps the identities per existence query
	LookupChunkSize int `json:"lookup_chunk_size" yaml:"lookup_chunk_size"`

	// DuplicatePolicy is last_wins or reject
	DuplicatePolicy string `json:"duplicate_policy" yaml:"duplicate_policy"`

	// StreamBuffer is the record buffer of decoded input streams
	StreamBuffer int `json:"stream_buffer" yaml:"stream_buffer"`
}

// JournalConfig holds the journal configuration.
type JournalConfig struct {
	// Enabled turns journaling on
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir is the segment directory
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentBytes is the segment rotation size
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address of the upsert API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout bounds the drain of in-flight requests
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request bodies (0 = unlimited)
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// Addr serves metrics and health checks on a separate listener; empty
	// serves them on the API listener
	Addr string `json:"addr" yaml:"addr"`

	// Path is the metrics path
	Path string `json:"path" yaml:"path"`

	// ColumnWindow is how long column usage is remembered
	ColumnWindow time.Duration `json:"column_window" yaml:"column_window"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn, or error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// StorageConfig holds storage configuration for input files.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage root (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle selects path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/bulkupsert",
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			BusyTimeout: 5 * time.Second,
		},
		Upsert: UpsertConfig{
			WindowSize:      1000,
			MaxBatchRows:    500,
			MaxBatchParams:  32766,
			LookupChunkSize: 500,
			DuplicatePolicy: "last_wins",
			StreamBuffer:    64,
		},
		Journal: JournalConfig{
			Enabled:         false,
			MaxSegmentBytes: 64 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    256 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Path:         "/metrics",
			ColumnWindow: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/bulkupsert"
	}

	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = filepath.Join(c.DataDir, "bulkupsert.db")
	}

	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "."
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or pgx)", c.Database.Driver)
	}
	if c.Database.Driver == "pgx" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the pgx driver")
	}

	switch c.Upsert.DuplicatePolicy {
	case "", "last_wins", "reject":
	default:
		return fmt.Errorf("invalid upsert.duplicate_policy: %s (must be last_wins or reject)", c.Upsert.DuplicatePolicy)
	}
	if c.Upsert.WindowSize < 0 {
		return fmt.Errorf("upsert.window_size must not be negative, got %d", c.Upsert.WindowSize)
	}
	if c.Upsert.MaxBatchRows < 1 {
		return fmt.Errorf("upsert.max_batch_rows must be positive, got %d", c.Upsert.MaxBatchRows)
	}
	if c.Upsert.MaxBatchParams < 1 {
		return fmt.Errorf("upsert.max_batch_params must be positive, got %d", c.Upsert.MaxBatchParams)
	}

	if c.Journal.Enabled && c.Journal.MaxSegmentBytes < 1024 {
		return fmt.Errorf("journal.max_segment_bytes must be at least 1024, got %d", c.Journal.MaxSegmentBytes)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s (must be json or console)", c.Logging.Format)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	seen := make(map[string]struct{}, len(c.Tables))
	for i := range c.Tables {
		if err := c.Tables[i].Validate(); err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		if _, dup := seen[c.Tables[i].Name]; dup {
			return fmt.Errorf("table %s declared twice", c.Tables[i].Name)
		}
		seen[c.Tables[i].Name] = struct{}{}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the BULKUPSERT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BULKUPSERT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("BULKUPSERT_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BULKUPSERT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BULKUPSERT_DATABASE_MAX_OPEN_CONNS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.MaxOpenConns)
	}

	// Upsert configuration
	if v := os.Getenv("BULKUPSERT_UPSERT_WINDOW_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Upsert.WindowSize)
	}
	if v := os.Getenv("BULKUPSERT_UPSERT_MAX_BATCH_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Upsert.MaxBatchRows)
	}
	if v := os.Getenv("BULKUPSERT_UPSERT_DUPLICATE_POLICY"); v != "" {
		cfg.Upsert.DuplicatePolicy = v
	}

	// Journal configuration
	if v := os.Getenv("BULKUPSERT_JOURNAL_ENABLED"); v != "" {
		cfg.Journal.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BULKUPSERT_JOURNAL_DIR"); v != "" {
		cfg.Journal.Dir = v
	}

	// HTTP configuration
	if v := os.Getenv("BULKUPSERT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BULKUPSERT_HTTP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("BULKUPSERT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// Logging configuration
	if v := os.Getenv("BULKUPSERT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BULKUPSERT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Storage configuration
	if v := os.Getenv("BULKUPSERT_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("BULKUPSERT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BULKUPSERT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("BULKUPSERT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("BULKUPSERT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Journal.Enabled {
		dirs = append(dirs, c.Journal.Dir)
	}
	if c.Database.Driver == "sqlite3" && !strings.Contains(c.Database.DSN, ":memory:") {
		dirs = append(dirs, filepath.Dir(c.Database.DSN))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Load reads path (when non-empty), applies the environment, resolves
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
