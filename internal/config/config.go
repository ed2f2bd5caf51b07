// Package config defines the cache engine's configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/searchcache/searchcache/pkg/cacheerr"
)

// Config is the complete configuration of a cache instance.
type Config struct {
	// Enabled gates the whole engine; a disabled cache passes every call
	// straight to the fill function.
	Enabled bool `yaml:"enabled"`

	// DefaultTTL applies to entries written without a per-call override.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Per-tier payload byte budgets. A zero cold budget disables the
	// cold tier entirely.
	HotBudgetBytes  uint64 `yaml:"hot_budget_bytes"`
	WarmBudgetBytes uint64 `yaml:"warm_budget_bytes"`
	ColdBudgetBytes uint64 `yaml:"cold_budget_bytes"`

	// Reaper sweep schedule. BatchSize bounds how many entries a tier
	// examines per lock acquisition.
	ReaperInterval  time.Duration `yaml:"reaper_interval"`
	ReaperBatchSize int           `yaml:"reaper_batch_size"`

	// PromotionThreshold is the access count within PromotionWindow that
	// moves an entry one tier up.
	PromotionThreshold uint32        `yaml:"promotion_threshold"`
	PromotionWindow    time.Duration `yaml:"promotion_window"`

	// Warm tier eviction score weights:
	// score = (frequency_weight * access_count) / (1 + recency_weight * age_seconds).
	WarmFrequencyWeight float64 `yaml:"warm_frequency_weight"`
	WarmRecencyWeight   float64 `yaml:"warm_recency_weight"`

	// Codec names the preferred compression codec (snappy, gzip, zstd).
	// Unknown names fall back to the fastest available.
	Codec string `yaml:"codec"`

	// HotKeyTopN bounds the hot-key list in stats snapshots.
	HotKeyTopN int `yaml:"hot_key_top_n"`

	// MigrationQueueSize bounds the in-flight promotion/demotion queue.
	MigrationQueueSize int `yaml:"migration_queue_size"`

	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects and tunes the cold tier's backing store.
type StorageConfig struct {
	// Backend is one of fs, badger, s3, or none.
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`

	S3      S3Config      `yaml:"s3"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// RetryConfig tunes backoff around cold-store operations.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// BreakerConfig tunes the circuit breaker guarding cold storage.
type BreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`

	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Zero applies the default of 5.
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// MetricsConfig controls the optional Prometheus bridge.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Config {
	return &Config{
		Enabled:             true,
		DefaultTTL:          10 * time.Minute,
		HotBudgetBytes:      64 * 1024 * 1024,
		WarmBudgetBytes:     256 * 1024 * 1024,
		ColdBudgetBytes:     1024 * 1024 * 1024,
		ReaperInterval:      time.Minute,
		ReaperBatchSize:     256,
		PromotionThreshold:  3,
		PromotionWindow:     time.Minute,
		WarmFrequencyWeight: 1.0,
		WarmRecencyWeight:   1.0,
		Codec:               "snappy",
		HotKeyTopN:          10,
		MigrationQueueSize:  1024,
		Storage: StorageConfig{
			Backend:   "fs",
			Directory: "/tmp/searchcache",
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
			Breaker: BreakerConfig{
				MaxRequests:      2,
				Interval:         30 * time.Second,
				Timeout:          15 * time.Second,
				FailureThreshold: 5,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "searchcache",
		},
	}
}

// LoadFromFile merges a YAML file into the configuration.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration from SEARCHCACHE_* environment
// variables.
func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("SEARCHCACHE_ENABLED"); val != "" {
		c.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SEARCHCACHE_DEFAULT_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.DefaultTTL = d
		}
	}
	if val := os.Getenv("SEARCHCACHE_HOT_BUDGET_BYTES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.HotBudgetBytes = n
		}
	}
	if val := os.Getenv("SEARCHCACHE_WARM_BUDGET_BYTES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.WarmBudgetBytes = n
		}
	}
	if val := os.Getenv("SEARCHCACHE_COLD_BUDGET_BYTES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.ColdBudgetBytes = n
		}
	}
	if val := os.Getenv("SEARCHCACHE_REAPER_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ReaperInterval = d
		}
	}
	if val := os.Getenv("SEARCHCACHE_PROMOTION_THRESHOLD"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			c.PromotionThreshold = uint32(n)
		}
	}
	if val := os.Getenv("SEARCHCACHE_CODEC"); val != "" {
		c.Codec = val
	}
	if val := os.Getenv("SEARCHCACHE_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = val
	}
	if val := os.Getenv("SEARCHCACHE_STORAGE_DIRECTORY"); val != "" {
		c.Storage.Directory = val
	}
	if val := os.Getenv("SEARCHCACHE_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("SEARCHCACHE_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("SEARCHCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// Validate checks the configuration for contradictions before the cache
// is constructed.
func (c *Config) Validate() error {
	if c.DefaultTTL < 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"default_ttl cannot be negative")
	}
	if c.HotBudgetBytes == 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"hot_budget_bytes must be greater than 0")
	}
	if c.WarmBudgetBytes == 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"warm_budget_bytes must be greater than 0")
	}
	if c.ReaperInterval <= 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"reaper_interval must be greater than 0")
	}
	if c.ReaperBatchSize <= 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"reaper_batch_size must be greater than 0")
	}
	if c.PromotionThreshold == 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"promotion_threshold must be greater than 0")
	}
	if c.PromotionWindow <= 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"promotion_window must be greater than 0")
	}
	if c.WarmFrequencyWeight <= 0 || c.WarmRecencyWeight < 0 {
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			"warm scoring weights must be positive")
	}

	switch c.Storage.Backend {
	case "fs", "badger":
		if c.ColdBudgetBytes > 0 && c.Storage.Directory == "" {
			return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
				"storage.directory is required for the "+c.Storage.Backend+" backend")
		}
	case "s3":
		if c.ColdBudgetBytes > 0 && c.Storage.S3.Bucket == "" {
			return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
				"storage.s3.bucket is required for the s3 backend")
		}
	case "none", "":
	default:
		return cacheerr.New(cacheerr.CodeInvalidConfig, "config.validate",
			fmt.Sprintf("unknown storage backend %q (must be fs, badger, s3, or none)", c.Storage.Backend))
	}

	return nil
}
