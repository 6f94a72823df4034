package shardmux

import (
	"fmt"
	"time"

	"github.com/blueberrycongee/shardmux/pkg/resilience"
)

// Health score weights. Connectivity dominates: a backend behind an open
// breaker is unhealthy no matter how fast it used to be.
const (
	healthConnectivityWeight = 0.35
	healthLatencyWeight      = 0.30
	healthUtilizationWeight  = 0.20
	healthLagWeight          = 0.15

	// healthLatencyFloorMs scores 1.0; healthLatencyCeilMs scores 0.0.
	healthLatencyFloorMs = 5.0
	healthLatencyCeilMs  = 200.0

	// healthLagCeil is the replication lag that scores 0.0.
	healthLagCeil = 10 * time.Second
)

// Health computes the weighted health report for one backend from its
// breaker state, recent latency window, current system load, and
// replication lag.
func (c *Core) Health(backendID string) (HealthReport, error) {
	for _, b := range c.ring.Backends() {
		if b.ID == backendID {
			return c.healthFor(backendID), nil
		}
	}
	return HealthReport{}, fmt.Errorf("backend %s not registered", backendID)
}

// HealthAll reports on every registered backend.
func (c *Core) HealthAll() []HealthReport {
	backends := c.ring.Backends()
	out := make([]HealthReport, 0, len(backends))
	for _, b := range backends {
		out = append(out, c.healthFor(b.ID))
	}
	return out
}

func (c *Core) healthFor(backendID string) HealthReport {
	connectivity := connectivityScore(c.res.Breaker(backendID).State())

	summary := c.window(backendID).summary()
	latencyScore := 1.0
	if summary.Count > 0 {
		latencyScore = scoreLatency(summary.MeanMs)
	}

	load := c.load.Snapshot()
	utilization := 0.5*load.CPU + 0.3*load.Memory + 0.2*load.IOWait
	utilizationScore := clamp01(1 - utilization/100)

	var lag time.Duration
	lagScore := 1.0
	if c.cfg.LagProber != nil {
		lag = c.cfg.LagProber(backendID)
		lagScore = clamp01(1 - float64(lag)/float64(healthLagCeil))
	}

	score := healthConnectivityWeight*connectivity +
		healthLatencyWeight*latencyScore +
		healthUtilizationWeight*utilizationScore +
		healthLagWeight*lagScore

	return HealthReport{
		Backend:        backendID,
		State:          classifyHealth(score),
		Score:          score,
		Connectivity:   connectivity,
		AvgLatencyMs:   summary.MeanMs,
		Utilization:    utilization,
		ReplicationLag: lag,
		CheckedAt:      c.clock.Now(),
	}
}

func connectivityScore(s resilience.State) float64 {
	switch s {
	case resilience.StateOpen:
		return 0.0
	case resilience.StateHalfOpen:
		return 0.5
	default:
		return 1.0
	}
}

// scoreLatency maps mean latency linearly from the floor (score 1.0) to
// the ceiling (score 0.0).
func scoreLatency(meanMs float64) float64 {
	if meanMs <= healthLatencyFloorMs {
		return 1.0
	}
	if meanMs >= healthLatencyCeilMs {
		return 0.0
	}
	return 1 - (meanMs-healthLatencyFloorMs)/(healthLatencyCeilMs-healthLatencyFloorMs)
}

func classifyHealth(score float64) HealthState {
	switch {
	case score >= 0.9:
		return HealthOptimal
	case score >= 0.75:
		return HealthHealthy
	case score >= 0.5:
		return HealthDegraded
	case score >= 0.25:
		return HealthUnhealthy
	default:
		return HealthCritical
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
