package shardmux

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/shardmux/internal/metrics"
	"github.com/blueberrycongee/shardmux/internal/sysload"
	"github.com/blueberrycongee/shardmux/pkg/batch"
	"github.com/blueberrycongee/shardmux/pkg/cache"
	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/pool"
	"github.com/blueberrycongee/shardmux/pkg/resilience"
	"github.com/blueberrycongee/shardmux/pkg/ring"
	"github.com/blueberrycongee/shardmux/pkg/types"
)

// latencyWindowSize bounds the per-backend latency samples kept for
// percentile summaries and health scoring.
const latencyWindowSize = 512

type poolKey struct {
	backend string
	role    types.Role
}

// latencyWindow is a bounded ring of observed call latencies in
// milliseconds.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func (w *latencyWindow) record(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < latencyWindowSize {
		w.samples = append(w.samples, ms)
		return
	}
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencyWindowSize
	w.full = true
}

// summary returns count, mean, and the requested percentiles over the
// retained samples.
func (w *latencyWindow) summary() LatencySummary {
	w.mu.Lock()
	snapshot := append([]float64(nil), w.samples...)
	w.mu.Unlock()

	if len(snapshot) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(snapshot)

	var sum float64
	for _, s := range snapshot {
		sum += s
	}
	pct := func(p float64) float64 {
		idx := int(p * float64(len(snapshot)-1))
		return snapshot[idx]
	}
	return LatencySummary{
		Count:  len(snapshot),
		MeanMs: sum / float64(len(snapshot)),
		P50Ms:  pct(0.50),
		P95Ms:  pct(0.95),
		P99Ms:  pct(0.99),
	}
}

// LatencySummary summarizes a backend's recent call latencies.
type LatencySummary struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// MetricsSnapshot is a point-in-time view of the core's internals,
// complementing the Prometheus collectors for callers that want a
// programmatic readout.
type MetricsSnapshot struct {
	Cache         cache.Stats               `json:"cache"`
	BreakerStates map[string]string         `json:"breaker_states"`
	BreakerTrips  map[string]int64          `json:"breaker_trips"`
	Latency       map[string]LatencySummary `json:"latency"`
	Backends      int                       `json:"backends"`
}

// Core is the resilient data-access core: it owns the shard ring, the
// per-backend resilience state, the cache, the batch sizer, and the
// per-(backend, role) connection pools.
//
// Core is safe for concurrent use by multiple goroutines.
type Core struct {
	cfg    *Config
	ring   *ring.Ring
	res    *resilience.Manager
	cache  *cache.Cache
	sizer  *batch.Sizer
	load   LoadProvider
	clock  clockwork.Clock
	tracer trace.Tracer

	poolMu sync.RWMutex
	pools  map[poolKey]*pool.Pool

	statsMu sync.RWMutex
	stats   map[string]*latencyWindow

	stop      chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

// New constructs a Core from the given options. Invalid configuration
// fails here with a typed ConfigurationError rather than at first use.
func New(opts ...Option) (*Core, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LoadProvider == nil {
		cfg.LoadProvider = sysload.NewMonitor(0)
	}

	c := &Core{
		cfg:    cfg,
		clock:  cfg.Clock,
		load:   cfg.LoadProvider,
		tracer: otel.Tracer("shardmux"),
		pools:  make(map[poolKey]*pool.Pool),
		stats:  make(map[string]*latencyWindow),
		stop:   make(chan struct{}),
	}

	c.ring = ring.New(ring.Config{
		VirtualNodes: cfg.VirtualNodes,
		RingCount:    cfg.RingCount,
	})
	for _, b := range cfg.Backends {
		if err := c.ring.Add(b); err != nil {
			return nil, &sherrors.ConfigurationError{Field: "backends", Reason: err.Error()}
		}
	}

	c.res = resilience.NewManager(resilience.ManagerConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
			Clock:            cfg.Clock,
			OnStateChange:    c.onBreakerChange,
		},
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.RateBurst,
		MaxConcurrent: cfg.MaxConcurrent,
	})

	c.cache = cache.New(cache.Config{
		DefaultTTL:     cfg.CacheTTL,
		SoftLimitBytes: cfg.CacheSoftLimitBytes,
		HardLimitBytes: cfg.CacheHardLimitBytes,
		MaxEntryBytes:  cfg.CacheMaxEntryBytes,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
		OnStats:        onCacheStats,
	})

	c.sizer = batch.New(batch.Config{
		BaseSize: cfg.BaseBatchSize,
		MaxSize:  cfg.MaxBatchSize,
	})

	c.done.Add(1)
	go c.heartbeat()

	cfg.Logger.Info("core started",
		"backends", c.ring.Len(),
		"virtual_nodes", cfg.VirtualNodes,
		"rings", cfg.RingCount,
	)
	return c, nil
}

// onBreakerChange mirrors breaker transitions into logs and metrics.
func (c *Core) onBreakerChange(backend string, from, to resilience.State) {
	c.cfg.Logger.Warn("circuit breaker transition",
		"backend", backend,
		"from", from.String(),
		"to", to.String(),
	)
	metrics.BreakerTransitions.WithLabelValues(backend, from.String(), to.String()).Inc()
	metrics.BreakerState.WithLabelValues(backend).Set(breakerStateValue(to))
	if to == resilience.StateOpen {
		metrics.BreakerTrips.WithLabelValues(backend).Inc()
	}
}

func breakerStateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

func onCacheStats(s cache.Stats) {
	metrics.CacheHitRatio.Set(s.HitRate)
	metrics.CacheEntries.Set(float64(s.Entries))
	metrics.CacheBytes.Set(float64(s.Bytes))
}

// AddBackend registers a new backend with the ring. Only keys between the
// new backend's virtual nodes and their predecessors change ownership.
func (c *Core) AddBackend(b Backend) error {
	if b.Region != "" && !b.Region.Valid() {
		return &ConfigurationError{Field: "backend.region", Reason: "unknown region " + string(b.Region)}
	}
	if err := c.ring.Add(b); err != nil {
		return err
	}
	c.cfg.Logger.Info("backend added", "backend", b.ID, "region", b.Region)
	return nil
}

// RemoveBackend removes a backend from the ring and drops its resilience
// state and connection pools. Keys owned by the removed backend flow to
// the next virtual node; everything else keeps its assignment.
func (c *Core) RemoveBackend(id string) error {
	if err := c.ring.Remove(id); err != nil {
		return err
	}
	c.res.Forget(id)

	c.poolMu.Lock()
	for key, p := range c.pools {
		if key.backend == id {
			_ = p.Close()
			delete(c.pools, key)
		}
	}
	c.poolMu.Unlock()

	c.statsMu.Lock()
	delete(c.stats, id)
	c.statsMu.Unlock()

	c.cfg.Logger.Info("backend removed", "backend", id)
	return nil
}

// Backends returns the currently registered backends sorted by ID.
func (c *Core) Backends() []Backend {
	return c.ring.Backends()
}

// Locate maps a routing key to its owning backend without executing
// anything.
func (c *Core) Locate(key string, op OpKind) (Backend, error) {
	return c.ring.Locate(key, op.Preference())
}

// BatchSize recommends a batch size for the given workload complexity and
// record count, factoring in current system load and recent latency
// history. The result is always within [1, MaxBatchSize].
func (c *Core) BatchSize(complexity batch.Complexity, recordCount int) int {
	return c.sizer.BatchSize(complexity, c.load.Snapshot(), recordCount)
}

// RecordBatchOutcome feeds back the observed latency of a completed batch
// so future recommendations adapt.
func (c *Core) RecordBatchOutcome(latencyMs float64, batchSize int) {
	c.sizer.RecordOutcome(latencyMs, batchSize)
}

// Invalidate removes a key from the cache. It reports whether the key was
// present.
func (c *Core) Invalidate(key string) bool {
	return c.cache.Invalidate(key)
}

// Rebalance is a stubbed capability: dynamic shard rebalancing and
// cross-shard migration are not implemented. The call always fails with a
// typed error so it is never mistaken for a silent no-op.
func (c *Core) Rebalance() error {
	return &RebalancingNotImplementedError{Operation: "rebalance"}
}

// Metrics returns a point-in-time snapshot of cache, breaker, and latency
// statistics.
func (c *Core) Metrics() MetricsSnapshot {
	states := c.res.States()
	stateNames := make(map[string]string, len(states))
	for backend, s := range states {
		stateNames[backend] = s.String()
	}

	c.statsMu.RLock()
	latency := make(map[string]LatencySummary, len(c.stats))
	for backend, w := range c.stats {
		latency[backend] = w.summary()
	}
	c.statsMu.RUnlock()

	return MetricsSnapshot{
		Cache:         c.cache.Stats(),
		BreakerStates: stateNames,
		BreakerTrips:  c.res.Trips(),
		Latency:       latency,
		Backends:      c.ring.Len(),
	}
}

// Close stops background work and releases all pooled connections. It is
// idempotent.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	c.done.Wait()

	var firstErr error
	c.poolMu.Lock()
	for key, p := range c.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.pools, key)
	}
	c.poolMu.Unlock()

	if err := c.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// pool returns or creates the connection pool for a (backend, role) pair.
func (c *Core) pool(backend string, role types.Role) *pool.Pool {
	key := poolKey{backend: backend, role: role}

	c.poolMu.RLock()
	p, ok := c.pools[key]
	c.poolMu.RUnlock()
	if ok {
		return p
	}

	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if p, ok = c.pools[key]; ok {
		return p
	}
	p = pool.New(backend, c.cfg.Dialer, c.cfg.poolConfig(role))
	c.pools[key] = p
	return p
}

// window returns or creates the latency window for a backend.
func (c *Core) window(backend string) *latencyWindow {
	c.statsMu.RLock()
	w, ok := c.stats[backend]
	c.statsMu.RUnlock()
	if ok {
		return w
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if w, ok = c.stats[backend]; ok {
		return w
	}
	w = &latencyWindow{}
	c.stats[backend] = w
	return w
}

// heartbeat periodically refreshes health scores and cache gauges until
// Close.
func (c *Core) heartbeat() {
	defer c.done.Done()

	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.refreshHealth()
		case <-c.stop:
			return
		}
	}
}

func (c *Core) refreshHealth() {
	for _, report := range c.HealthAll() {
		metrics.HealthScore.WithLabelValues(report.Backend).Set(report.Score)
		if report.State == HealthUnhealthy || report.State == HealthCritical {
			c.cfg.Logger.Warn("backend health degraded",
				"backend", report.Backend,
				"state", string(report.State),
				"score", report.Score,
			)
		}
	}
	onCacheStats(c.cache.Stats())
}
