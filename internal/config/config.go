// Package config provides the configuration of the nwplake sync tool.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for every nwplake command.
type Config struct {
	// DataDir is the base directory for local data and scratch files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Datasets names the datasets and logs the sync jobs write to
	Datasets DatasetsConfig `json:"datasets" yaml:"datasets"`

	// DMI forecast API configuration
	DMI DMIConfig `json:"dmi" yaml:"dmi"`

	// Retry configuration for upstream calls
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Sync configuration
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
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

	// UsePathStyle enables path-style addressing, as MinIO requires
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// AccessKeyID and SecretAccessKey replace the default credential chain
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// DatasetsConfig names the datasets and their logs.
type DatasetsConfig struct {
	Versioned    string `json:"versioned" yaml:"versioned"`
	VersionedLog string `json:"versioned_log" yaml:"versioned_log"`
	Latest       string `json:"latest" yaml:"latest"`
	LatestLog    string `json:"latest_log" yaml:"latest_log"`

	// Format is the partition codec of newly created datasets: jsz, sqlite
	Format string `json:"format" yaml:"format"`
}

// DMIConfig holds the DMI forecast API configuration.
type DMIConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`

	// APIKey is usually supplied through DMI_OPEN_DATA_API_KEY
	APIKey string `json:"api_key" yaml:"api_key"`

	// Timeout bounds a whole listing request. A download fails only when
	// its body stalls for this long.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// RetryConfig holds the retry policy for transient upstream failures.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

// SyncConfig holds sync job configuration.
type SyncConfig struct {
	// Threshold is the number of files that make a model run complete
	Threshold int `json:"threshold" yaml:"threshold"`

	// ScratchDir holds downloaded files while they are decoded
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// PushGateway is the Prometheus Pushgateway URL; empty disables pushing
	PushGateway string `json:"push_gateway" yaml:"push_gateway"`

	// Job is the Pushgateway job label
	Job string `json:"job" yaml:"job"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/nwplake",
		Storage: StorageConfig{
			Type: "local",
			Path: "",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Datasets: DatasetsConfig{
			Versioned:    "versioned_nwp",
			VersionedLog: "log_versioned_nwp",
			Latest:       "latest_nwp",
			LatestLog:    "log_latest_nwp",
			Format:       "jsz",
		},
		DMI: DMIConfig{
			BaseURL: "https://dmigw.govcloud.dk/v1/forecastdata",
			Model:   "harmonie_dini_sf",
			Timeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Delay:       time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
		},
		Sync: SyncConfig{
			Threshold: 61,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Job: "nwplake_sync",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/nwplake"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Sync.ScratchDir == "" {
		c.Sync.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}

	if c.DMI.APIKey == "" {
		c.DMI.APIKey = os.Getenv("DMI_OPEN_DATA_API_KEY")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Datasets.Format != "jsz" && c.Datasets.Format != "sqlite" {
		return fmt.Errorf("invalid dataset format: %s (must be jsz or sqlite)", c.Datasets.Format)
	}

	names := map[string]string{
		"datasets.versioned":     c.Datasets.Versioned,
		"datasets.versioned_log": c.Datasets.VersionedLog,
		"datasets.latest":        c.Datasets.Latest,
		"datasets.latest_log":    c.Datasets.LatestLog,
	}
	seen := make(map[string]string, len(names))
	for key, name := range names {
		if name == "" {
			return fmt.Errorf("%s is required", key)
		}
		if other, ok := seen[name]; ok {
			return fmt.Errorf("%s and %s both use the name %q", other, key, name)
		}
		seen[name] = key
	}

	if c.Sync.Threshold < 1 {
		return fmt.Errorf("sync.threshold must be positive, got %d", c.Sync.Threshold)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}

	if c.DMI.Timeout <= 0 {
		return fmt.Errorf("dmi.timeout must be positive, got %s", c.DMI.Timeout)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
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
// Environment variables use the NWPLAKE_ prefix; malformed numbers and
// durations are ignored.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NWPLAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Storage configuration
	if v := os.Getenv("NWPLAKE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("NWPLAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("NWPLAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("NWPLAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("NWPLAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("NWPLAKE_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("NWPLAKE_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("NWPLAKE_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}

	if v := os.Getenv("NWPLAKE_DATASET_FORMAT"); v != "" {
		cfg.Datasets.Format = v
	}

	// DMI configuration
	if v := os.Getenv("NWPLAKE_DMI_BASE_URL"); v != "" {
		cfg.DMI.BaseURL = v
	}
	if v := os.Getenv("NWPLAKE_DMI_MODEL"); v != "" {
		cfg.DMI.Model = v
	}
	if v := os.Getenv("NWPLAKE_DMI_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DMI.Timeout = d
		}
	}

	// Retry configuration
	if v := os.Getenv("NWPLAKE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("NWPLAKE_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.Delay = d
		}
	}

	// Sync configuration
	if v := os.Getenv("NWPLAKE_SYNC_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Threshold = n
		}
	}
	if v := os.Getenv("NWPLAKE_SCRATCH_DIR"); v != "" {
		cfg.Sync.ScratchDir = v
	}

	if v := os.Getenv("NWPLAKE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NWPLAKE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("NWPLAKE_PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushGateway = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Sync.ScratchDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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
