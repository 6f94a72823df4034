// Package metrics provides Prometheus metrics collection for the shardmux
// core: routing outcomes, circuit breaker activity, cache effectiveness,
// and per-backend latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shardmux"

// LatencyBuckets defines histogram buckets for backend call latency in
// seconds.
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

var (
	// RouteTotal counts routed executions by backend, operation and
	// preference.
	RouteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_total",
			Help:      "Total routed executions",
		},
		[]string{"backend", "op", "preference"},
	)

	// RouteFailures counts failed executions by failure reason.
	RouteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_failures_total",
			Help:      "Total failed routed executions",
		},
		[]string{"backend", "op", "reason"},
	)

	// BackendLatency tracks backend call latency.
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"backend", "op"},
	)
)

var (
	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	// BreakerTrips counts transitions into the open state.
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips (transitions to open)",
		},
		[]string{"backend"},
	)

	// BreakerState exposes the current state per backend
	// (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)
)

var (
	// CacheHits counts cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits",
		},
	)

	// CacheMisses counts cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses",
		},
	)

	// CacheHitRatio is the aggregated hit ratio reported by the cache's
	// periodic stats pass.
	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_ratio",
			Help:      "Aggregated cache hit ratio",
		},
	)

	// CacheEntries is the current number of tracked cache entries.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Tracked cache entries",
		},
	)

	// CacheBytes is the current estimated cache memory footprint.
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Estimated cache memory in bytes",
		},
	)
)

var (
	// HealthScore is the weighted health score per backend (0.0-1.0).
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health_score",
			Help:      "Weighted backend health score",
		},
		[]string{"backend"},
	)

	// FanoutDuration tracks full fan-out durations.
	FanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Duration of execute-across-all-backends operations",
			Buckets:   LatencyBuckets,
		},
	)
)
