// Package cache implements the resilient key/value cache: per-entry TTL,
// pressure-aware LRU eviction, fetch-or-compute semantics, and background
// maintenance on an injectable clock.
package cache

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
)

// evictFraction is the share of entries removed in one eviction pass,
// oldest last-access first.
const evictFraction = 0.25

// Config holds configuration for the cache.
type Config struct {
	// DefaultTTL applies when Store is called with ttl <= 0 (default 5m).
	DefaultTTL time.Duration
	// SoftLimitBytes is the memory-pressure threshold: above it, newly
	// stored entries get a quarter of their TTL for faster turnover.
	SoftLimitBytes int64
	// HardLimitBytes triggers an eviction pass on store.
	HardLimitBytes int64
	// MaxEntryBytes rejects oversized values with a MemoryPressureError
	// (default 1MiB).
	MaxEntryBytes int
	// SweepInterval is how often expired entries are dropped in the
	// background (default 60s).
	SweepInterval time.Duration
	// StatsInterval is how often hit/miss ratios are aggregated and
	// reported (default 300s).
	StatsInterval time.Duration
	// Clock is injectable for tests (real clock if nil).
	Clock clockwork.Clock
	// Logger for maintenance output (slog.Default if nil).
	Logger *slog.Logger
	// OnStats receives the periodic stats aggregation.
	OnStats func(Stats)
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.SoftLimitBytes <= 0 {
		c.SoftLimitBytes = 32 << 20 // 32MiB
	}
	if c.HardLimitBytes <= 0 {
		c.HardLimitBytes = 64 << 20 // 64MiB
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = 1 << 20 // 1MiB
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	HitRate   float64 `json:"hit_rate"`
}

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration

	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanos
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// Cache is the resilient in-memory cache.
//
// Reads proceed under a shared lock and may run concurrently with a
// compute in flight for a different key; only entry writes and the
// eviction pass are serialized.
type Cache struct {
	cfg   Config
	clock clockwork.Clock

	mu         sync.RWMutex
	entries    map[string]*entry
	totalBytes int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64

	stop      chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

// New creates a cache and starts its background maintenance goroutine.
// Call Close to stop it.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	c.clock = c.cfg.Clock

	c.done.Add(1)
	go c.maintain()
	return c
}

// Fetch returns the live cached value for key, or invokes compute, stores
// the result, and returns it. A value is never returned past its TTL.
func (c *Cache) Fetch(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Lookup(key); ok {
		return v, nil
	}

	// Compute outside any lock so unrelated keys stay readable.
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Store(key, value, 0); err != nil {
		// The value itself is still good; the caller sheds cache, not work.
		return value, err
	}
	return value, nil
}

// Lookup returns the live cached value for key, updating access metadata.
func (c *Cache) Lookup(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	now := c.clock.Now()
	if !ok || e.expired(now) {
		c.misses.Add(1)
		return nil, false
	}

	e.accessCount.Add(1)
	e.lastAccessed.Store(now.UnixNano())
	c.hits.Add(1)

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// LookupStale returns the cached value for key even past its TTL, for
// callers that prefer stale data over no data while a backend is
// isolated. Entries already removed by the sweep are gone for good.
func (c *Cache) LookupStale(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.accessCount.Add(1)
	e.lastAccessed.Store(c.clock.Now().UnixNano())

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Store inserts or replaces an entry. Under memory pressure the effective
// TTL for new entries is divided by four; once the hard limit is exceeded
// an eviction pass runs before returning.
func (c *Cache) Store(key string, value []byte, ttl time.Duration) error {
	if len(value) > c.cfg.MaxEntryBytes {
		return &sherrors.MemoryPressureError{
			EstimatedBytes: int64(len(value)),
			LimitBytes:     int64(c.cfg.MaxEntryBytes),
		}
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	owned := make([]byte, len(value))
	copy(owned, value)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalBytes+int64(len(owned)) > c.cfg.SoftLimitBytes {
		ttl /= 4
	}

	if old, ok := c.entries[key]; ok {
		c.totalBytes -= int64(len(old.value))
	}
	e := &entry{value: owned, storedAt: now, ttl: ttl}
	e.lastAccessed.Store(now.UnixNano())
	c.entries[key] = e
	c.totalBytes += int64(len(owned))

	if c.totalBytes > c.cfg.HardLimitBytes {
		c.evictLocked(now)
	}
	return nil
}

// Invalidate removes exactly one entry. It reports whether the key existed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.totalBytes -= int64(len(e.value))
	delete(c.entries, key)
	return true
}

// InvalidateMatch removes every entry whose key satisfies the predicate
// and returns how many were removed.
func (c *Cache) InvalidateMatch(pred func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if pred(key) {
			c.totalBytes -= int64(len(e.value))
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateAll clears the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.totalBytes = 0
}

// Len returns the number of tracked entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a point-in-time snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	bytes := c.totalBytes
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Entries:   entries,
		Bytes:     bytes,
		HitRate:   hitRate,
	}
}

// Close stops background maintenance. It is idempotent.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	c.done.Wait()
	return nil
}

// evictLocked removes up to ceil(25%) of entries in one pass: expired
// entries first, then the oldest by last access. The most recently
// accessed entry is never removed while older entries remain.
func (c *Cache) evictLocked(now time.Time) {
	quota := int(math.Ceil(evictFraction * float64(len(c.entries))))
	if quota == 0 {
		return
	}

	type candidate struct {
		key          string
		expired      bool
		lastAccessed int64
	}
	candidates := make([]candidate, 0, len(c.entries))
	for key, e := range c.entries {
		candidates = append(candidates, candidate{
			key:          key,
			expired:      e.expired(now),
			lastAccessed: e.lastAccessed.Load(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].expired != candidates[j].expired {
			return candidates[i].expired
		}
		return candidates[i].lastAccessed < candidates[j].lastAccessed
	})

	for _, cand := range candidates[:quota] {
		e := c.entries[cand.key]
		c.totalBytes -= int64(len(e.value))
		delete(c.entries, cand.key)
		c.evictions.Add(1)
	}
}

// maintain runs the background sweep and stats loops until Close.
func (c *Cache) maintain() {
	defer c.done.Done()

	sweep := c.clock.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	stats := c.clock.NewTicker(c.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-sweep.Chan():
			c.sweepExpired()
		case <-stats.Chan():
			s := c.Stats()
			if c.cfg.OnStats != nil {
				c.cfg.OnStats(s)
			}
			c.cfg.Logger.Debug("cache stats",
				"hits", s.Hits,
				"misses", s.Misses,
				"hit_rate", s.HitRate,
				"entries", s.Entries,
				"bytes", s.Bytes,
			)
		case <-c.stop:
			return
		}
	}
}

// sweepExpired drops every expired entry.
func (c *Cache) sweepExpired() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.expired(now) {
			c.totalBytes -= int64(len(e.value))
			delete(c.entries, key)
			c.expired.Add(1)
		}
	}
}
