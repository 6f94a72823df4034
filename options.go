package shardmux

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/shardmux/pkg/batch"
	"github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/pool"
	"github.com/blueberrycongee/shardmux/pkg/types"
)

// LoadProvider supplies system load snapshots for the batch sizer and
// health scoring. The default implementation samples the host via
// gopsutil; tests inject static values.
type LoadProvider interface {
	Snapshot() batch.Load
}

// LagProber reports the replication lag of a backend. It is owned by the
// surrounding application; when nil, lag does not count against health.
type LagProber func(backendID string) time.Duration

// Config holds all configuration for the Core. It is constructed once at
// startup and injected into every component; there is no hidden global
// state.
type Config struct {
	// Backends registered at construction. More can be added later.
	Backends []types.Backend

	// Ring geometry.
	VirtualNodes int // virtual nodes per backend per ring (default 100)
	RingCount    int // independent rings per lookup (default 3)

	// Circuit breaker policy.
	FailureThreshold int           // base consecutive failures to open (default 5)
	SuccessThreshold int           // half-open successes to close (default 3)
	RecoveryTimeout  time.Duration // open-state cooldown (default 60s)

	// Cache policy.
	CacheTTL            time.Duration // default 5m
	CacheSoftLimitBytes int64
	CacheHardLimitBytes int64
	CacheMaxEntryBytes  int

	// Batch sizing bounds.
	BaseBatchSize int
	MaxBatchSize  int

	// Per-role pool sizing: writer pools are smaller and stricter.
	ReaderPoolSize     int
	WriterPoolSize     int
	PoolAcquireTimeout time.Duration

	// Execution policy.
	ExecTimeout  time.Duration // hard per-call timeout (default 10s)
	RetryCount   int           // bounded retry attempts for transient errors (default 3)
	RetryBackoff time.Duration // initial backoff interval (default 100ms)

	// Admission control (0 disables each).
	RatePerSecond float64
	RateBurst     int
	MaxConcurrent int

	// Background health heartbeat interval (default 30s).
	HeartbeatInterval time.Duration

	// Collaborators.
	Dialer       Dialer
	LoadProvider LoadProvider
	LagProber    LagProber
	Logger       *slog.Logger
	Clock        clockwork.Clock
}

// Option is a function that configures the Core.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		VirtualNodes:        100,
		RingCount:           3,
		FailureThreshold:    5,
		SuccessThreshold:    3,
		RecoveryTimeout:     60 * time.Second,
		CacheTTL:            5 * time.Minute,
		CacheSoftLimitBytes: 32 << 20,
		CacheHardLimitBytes: 64 << 20,
		CacheMaxEntryBytes:  1 << 20,
		BaseBatchSize:       100,
		MaxBatchSize:        1000,
		ReaderPoolSize:      16,
		WriterPoolSize:      4,
		PoolAcquireTimeout:  5 * time.Second,
		ExecTimeout:         10 * time.Second,
		RetryCount:          3,
		RetryBackoff:        100 * time.Millisecond,
		HeartbeatInterval:   30 * time.Second,
		Logger:              slog.Default(),
	}
}

// validate fails construction with a typed ConfigurationError instead of
// deferring invalid values to first use.
func (c *Config) validate() error {
	if c.Dialer == nil {
		return &errors.ConfigurationError{Field: "dialer", Reason: "a connection dialer is required"}
	}
	if c.VirtualNodes <= 0 {
		return &errors.ConfigurationError{Field: "virtual_nodes", Reason: "must be positive"}
	}
	if c.RingCount <= 0 {
		return &errors.ConfigurationError{Field: "ring_count", Reason: "must be positive"}
	}
	if c.VirtualNodes < c.RingCount {
		return &errors.ConfigurationError{Field: "virtual_nodes", Reason: "must be at least the ring count"}
	}
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return &errors.ConfigurationError{Field: "breaker", Reason: "thresholds must be positive"}
	}
	if c.RecoveryTimeout <= 0 {
		return &errors.ConfigurationError{Field: "recovery_timeout", Reason: "must be positive"}
	}
	if c.CacheTTL <= 0 {
		return &errors.ConfigurationError{Field: "cache_ttl", Reason: "must be positive"}
	}
	if c.ReaderPoolSize <= 0 || c.WriterPoolSize <= 0 {
		return &errors.ConfigurationError{Field: "pools", Reason: "pool sizes must be positive"}
	}
	if c.BaseBatchSize <= 0 || c.MaxBatchSize <= 0 {
		return &errors.ConfigurationError{Field: "batch", Reason: "batch sizes must be positive"}
	}
	if c.BaseBatchSize > c.MaxBatchSize {
		return &errors.ConfigurationError{Field: "base_batch_size", Reason: "must not exceed max_batch_size"}
	}
	if c.ExecTimeout <= 0 {
		return &errors.ConfigurationError{Field: "exec_timeout", Reason: "must be positive"}
	}
	if c.RetryCount < 0 {
		return &errors.ConfigurationError{Field: "retry_count", Reason: "must not be negative"}
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return &errors.ConfigurationError{Field: fmt.Sprintf("backends[%d].id", i), Reason: "id is required"}
		}
		if _, dup := seen[b.ID]; dup {
			return &errors.ConfigurationError{Field: fmt.Sprintf("backends[%d].id", i), Reason: fmt.Sprintf("duplicate backend %q", b.ID)}
		}
		seen[b.ID] = struct{}{}
		if b.Region != "" && !b.Region.Valid() {
			return &errors.ConfigurationError{Field: fmt.Sprintf("backends[%d].region", i), Reason: fmt.Sprintf("unknown region %q", b.Region)}
		}
	}
	return nil
}

// WithBackends sets the initial backend set.
func WithBackends(backends ...types.Backend) Option {
	return func(c *Config) { c.Backends = append(c.Backends, backends...) }
}

// WithDialer sets the connection dialer. Required.
func WithDialer(d Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WithRingGeometry sets virtual nodes per backend and the number of
// independent rings.
func WithRingGeometry(virtualNodes, rings int) Option {
	return func(c *Config) {
		c.VirtualNodes = virtualNodes
		c.RingCount = rings
	}
}

// WithBreakerPolicy sets the circuit breaker thresholds and recovery
// timeout.
func WithBreakerPolicy(failureThreshold, successThreshold int, recovery time.Duration) Option {
	return func(c *Config) {
		c.FailureThreshold = failureThreshold
		c.SuccessThreshold = successThreshold
		c.RecoveryTimeout = recovery
	}
}

// WithCachePolicy sets the cache TTL and memory thresholds.
func WithCachePolicy(ttl time.Duration, softLimit, hardLimit int64) Option {
	return func(c *Config) {
		c.CacheTTL = ttl
		c.CacheSoftLimitBytes = softLimit
		c.CacheHardLimitBytes = hardLimit
	}
}

// WithBatchPolicy sets batch size bounds.
func WithBatchPolicy(base, max int) Option {
	return func(c *Config) {
		c.BaseBatchSize = base
		c.MaxBatchSize = max
	}
}

// WithPoolSizing sets per-role pool sizes and the acquire timeout.
func WithPoolSizing(readerSize, writerSize int, acquireTimeout time.Duration) Option {
	return func(c *Config) {
		c.ReaderPoolSize = readerSize
		c.WriterPoolSize = writerSize
		c.PoolAcquireTimeout = acquireTimeout
	}
}

// WithExecution sets the per-call timeout and retry policy.
func WithExecution(timeout time.Duration, retryCount int, retryBackoff time.Duration) Option {
	return func(c *Config) {
		c.ExecTimeout = timeout
		c.RetryCount = retryCount
		c.RetryBackoff = retryBackoff
	}
}

// WithAdmissionControl enables the per-backend rate limiter and
// concurrency cap.
func WithAdmissionControl(ratePerSecond float64, burst, maxConcurrent int) Option {
	return func(c *Config) {
		c.RatePerSecond = ratePerSecond
		c.RateBurst = burst
		c.MaxConcurrent = maxConcurrent
	}
}

// WithHeartbeatInterval sets the background health heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithLoadProvider sets the system load source.
func WithLoadProvider(p LoadProvider) Option {
	return func(c *Config) { c.LoadProvider = p }
}

// WithLagProber sets the replication lag collaborator.
func WithLagProber(p LagProber) Option {
	return func(c *Config) { c.LagProber = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock injects a clock, letting tests drive time deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// poolConfig derives a pool.Config from the role-specific sizing.
func (c *Config) poolConfig(role types.Role) pool.Config {
	size := c.ReaderPoolSize
	if role == types.RoleWriter {
		size = c.WriterPoolSize
	}
	return pool.Config{Size: size, AcquireTimeout: c.PoolAcquireTimeout}
}
