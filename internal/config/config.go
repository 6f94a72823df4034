// Package config provides YAML configuration loading for the shardmux
// demo server, with environment variable expansion, defaults, validation,
// and hot-reload support.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/types"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Backends []types.Backend `yaml:"backends"`
	Ring     RingConfig      `yaml:"ring"`
	Breaker  BreakerConfig   `yaml:"breaker"`
	Cache    CacheConfig     `yaml:"cache"`
	Batch    BatchConfig     `yaml:"batch"`
	Pools    PoolConfig      `yaml:"pools"`
	Exec     ExecConfig      `yaml:"execution"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RingConfig controls consistent-hash ring geometry.
type RingConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"`
	Rings        int `yaml:"rings"`
}

// BreakerConfig controls per-backend circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// CacheConfig controls the resilient cache.
type CacheConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	SoftLimitBytes int64         `yaml:"soft_limit_bytes"`
	HardLimitBytes int64         `yaml:"hard_limit_bytes"`
	MaxEntryBytes  int           `yaml:"max_entry_bytes"`
}

// BatchConfig controls batch size bounds.
type BatchConfig struct {
	BaseSize int `yaml:"base_size"`
	MaxSize  int `yaml:"max_size"`
}

// PoolConfig controls per-role connection pool sizing.
type PoolConfig struct {
	ReaderSize     int           `yaml:"reader_size"`
	WriterSize     int           `yaml:"writer_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// ExecConfig controls backend call execution.
type ExecConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ring: RingConfig{
			VirtualNodes: 100,
			Rings:        3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
		},
		Cache: CacheConfig{
			TTL:            5 * time.Minute,
			SoftLimitBytes: 32 << 20,
			HardLimitBytes: 64 << 20,
			MaxEntryBytes:  1 << 20,
		},
		Batch: BatchConfig{
			BaseSize: 100,
			MaxSize:  1000,
		},
		Pools: PoolConfig{
			ReaderSize:     16,
			WriterSize:     4,
			AcquireTimeout: 5 * time.Second,
		},
		Exec: ExecConfig{
			Timeout:      10 * time.Second,
			RetryCount:   3,
			RetryBackoff: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. Invalid values fail here, at
// startup, not at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &sherrors.ConfigurationError{Field: "server.port", Reason: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if len(c.Backends) == 0 {
		return &sherrors.ConfigurationError{Field: "backends", Reason: "at least one backend must be configured"}
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return &sherrors.ConfigurationError{Field: fmt.Sprintf("backends[%d].id", i), Reason: "id is required"}
		}
		if _, dup := seen[b.ID]; dup {
			return &sherrors.ConfigurationError{Field: fmt.Sprintf("backends[%d].id", i), Reason: fmt.Sprintf("duplicate backend %q", b.ID)}
		}
		seen[b.ID] = struct{}{}
		if b.Region != "" && !b.Region.Valid() {
			return &sherrors.ConfigurationError{Field: fmt.Sprintf("backends[%d].region", i), Reason: fmt.Sprintf("unknown region %q", b.Region)}
		}
	}
	if c.Ring.VirtualNodes <= 0 {
		return &sherrors.ConfigurationError{Field: "ring.virtual_nodes", Reason: "must be positive"}
	}
	if c.Ring.Rings <= 0 {
		return &sherrors.ConfigurationError{Field: "ring.rings", Reason: "must be positive"}
	}
	if c.Ring.VirtualNodes < c.Ring.Rings {
		return &sherrors.ConfigurationError{Field: "ring.virtual_nodes", Reason: "must be at least the ring count"}
	}
	if c.Breaker.FailureThreshold <= 0 {
		return &sherrors.ConfigurationError{Field: "breaker.failure_threshold", Reason: "must be positive"}
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return &sherrors.ConfigurationError{Field: "breaker.success_threshold", Reason: "must be positive"}
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return &sherrors.ConfigurationError{Field: "breaker.recovery_timeout", Reason: "must be positive"}
	}
	if c.Cache.TTL <= 0 {
		return &sherrors.ConfigurationError{Field: "cache.ttl", Reason: "must be positive"}
	}
	if c.Pools.ReaderSize <= 0 || c.Pools.WriterSize <= 0 {
		return &sherrors.ConfigurationError{Field: "pools", Reason: "pool sizes must be positive"}
	}
	if c.Batch.BaseSize <= 0 || c.Batch.MaxSize <= 0 {
		return &sherrors.ConfigurationError{Field: "batch", Reason: "batch sizes must be positive"}
	}
	if c.Batch.BaseSize > c.Batch.MaxSize {
		return &sherrors.ConfigurationError{Field: "batch.base_size", Reason: "must not exceed batch.max_size"}
	}
	if c.Exec.Timeout <= 0 {
		return &sherrors.ConfigurationError{Field: "execution.timeout", Reason: "must be positive"}
	}
	return nil
}
