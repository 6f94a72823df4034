// Package batch computes recommended unit-of-work batch sizes from
// workload complexity, system load, record counts, and recent latency
// history.
package batch

import (
	"sync"
)

const (
	// historySize bounds retained outcomes.
	historySize = 100
	// recentWindow is how many of the newest outcomes feed the
	// historical multiplier.
	recentWindow = 10

	// Record-count breakpoints: small batches of records get a boost,
	// very large ones a reduction.
	smallRecordCount = 100
	largeRecordCount = 10_000
)

// Complexity classifies how expensive one unit of work is.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

func (c Complexity) multiplier() float64 {
	switch c {
	case Simple:
		return 1.5
	case Complex:
		return 0.7
	default:
		return 1.0
	}
}

// Load is a point-in-time system load sample, each component in percent
// (0–100).
type Load struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	IOWait float64 `json:"io_wait"`
}

// composite weighs CPU heaviest, then memory, then IO wait.
func (l Load) composite() float64 {
	return 0.5*l.CPU + 0.3*l.Memory + 0.2*l.IOWait
}

// multiplier decreases as load rises, clamped to [0.5, 2.0].
func (l Load) multiplier() float64 {
	m := 1.5 - l.composite()/100
	if m < 0.5 {
		return 0.5
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

// Config controls batch size bounds.
type Config struct {
	// BaseSize is the starting batch size before multipliers (default 100).
	BaseSize int
	// MaxSize is the upper clamp (default 1000).
	MaxSize int
}

func (c Config) withDefaults() Config {
	if c.BaseSize <= 0 {
		c.BaseSize = 100
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	return c
}

type outcome struct {
	latencyMs float64
	batchSize int
}

// Sizer computes adaptive batch sizes. Outcome history is bounded, so
// memory use is constant regardless of traffic.
//
// Sizer is safe for concurrent use by multiple goroutines.
type Sizer struct {
	cfg Config

	mu      sync.Mutex
	history []outcome
}

// New creates a sizer with the given bounds.
func New(cfg Config) *Sizer {
	return &Sizer{cfg: cfg.withDefaults()}
}

// BatchSize returns the recommended batch size for the given workload
// complexity, current load, and record count, always within [1, MaxSize].
func (s *Sizer) BatchSize(complexity Complexity, load Load, recordCount int) int {
	size := float64(s.cfg.BaseSize)
	size *= complexity.multiplier()
	size *= load.multiplier()
	size *= recordCountMultiplier(recordCount)
	size *= s.historyMultiplier()

	result := int(size)
	if result < 1 {
		result = 1
	}
	if result > s.cfg.MaxSize {
		result = s.cfg.MaxSize
	}
	return result
}

// RecordOutcome feeds back the observed latency of a completed batch.
// Only the most recent 100 outcomes are retained.
func (s *Sizer) RecordOutcome(latencyMs float64, batchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, outcome{latencyMs: latencyMs, batchSize: batchSize})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// HistoryLen returns the number of retained outcomes.
func (s *Sizer) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func recordCountMultiplier(count int) float64 {
	switch {
	case count > 0 && count < smallRecordCount:
		return 1.2
	case count > largeRecordCount:
		return 0.8
	default:
		return 1.0
	}
}

// historyMultiplier looks at the mean latency of the most recent outcomes:
// fast backends earn bigger batches, slow ones smaller.
func (s *Sizer) historyMultiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return 1.0
	}
	window := s.history
	if len(window) > recentWindow {
		window = window[len(window)-recentWindow:]
	}
	var sum float64
	for _, o := range window {
		sum += o.latencyMs
	}
	mean := sum / float64(len(window))

	switch {
	case mean < 5:
		return 1.2
	case mean > 20:
		return 0.8
	default:
		return 1.0
	}
}
