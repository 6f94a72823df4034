package resilience

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a backend's token bucket is exhausted.
var ErrRateLimited = errors.New("backend rate limit exceeded")

// ManagerConfig contains configuration shared by all per-backend
// resilience components.
type ManagerConfig struct {
	Breaker BreakerConfig
	// RatePerSecond is the per-backend call rate limit (0 disables).
	RatePerSecond float64
	// Burst is the token bucket size when rate limiting is enabled.
	Burst int
	// MaxConcurrent caps in-flight calls per backend (0 disables).
	MaxConcurrent int
}

// DefaultManagerConfig returns sensible defaults: breaker enabled, rate
// limiting and concurrency caps disabled.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{Breaker: DefaultBreakerConfig()}
}

// Manager keeps one breaker, one rate limiter, and one semaphore per
// backend, created lazily on first use.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	mu         sync.RWMutex
	breakers   map[string]*Breaker
	limiters   map[string]*rate.Limiter
	semaphores map[string]*Semaphore
	cfg        ManagerConfig
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		breakers:   make(map[string]*Breaker),
		limiters:   make(map[string]*rate.Limiter),
		semaphores: make(map[string]*Semaphore),
		cfg:        cfg,
	}
}

// Breaker returns or creates the circuit breaker for a backend.
func (m *Manager) Breaker(backend string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[backend]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[backend]; ok {
		return b
	}
	b = NewBreaker(backend, m.cfg.Breaker)
	m.breakers[backend] = b
	return b
}

// Acquire runs the pre-call admission checks for a backend: rate limit
// first, then the concurrency semaphore. The breaker check happens inside
// Breaker.Execute so that its accounting wraps the call itself.
func (m *Manager) Acquire(ctx context.Context, backend string) error {
	if m.cfg.RatePerSecond > 0 {
		if !m.limiter(backend).Allow() {
			return ErrRateLimited
		}
	}
	if m.cfg.MaxConcurrent > 0 {
		if err := m.semaphore(backend).Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Release returns the resources taken by Acquire.
func (m *Manager) Release(backend string) {
	if m.cfg.MaxConcurrent <= 0 {
		return
	}
	m.mu.RLock()
	s, ok := m.semaphores[backend]
	m.mu.RUnlock()
	if ok {
		s.Release()
	}
}

// Forget drops all state for a backend, typically after it is removed
// from the ring.
func (m *Manager) Forget(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, backend)
	delete(m.limiters, backend)
	delete(m.semaphores, backend)
}

// States returns the current breaker state per backend.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for backend, b := range m.breakers {
		out[backend] = b.State()
	}
	return out
}

// Trips returns the total number of open transitions per backend.
func (m *Manager) Trips() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.breakers))
	for backend, b := range m.breakers {
		out[backend] = b.Trips()
	}
	return out
}

func (m *Manager) limiter(backend string) *rate.Limiter {
	m.mu.RLock()
	l, ok := m.limiters[backend]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.limiters[backend]; ok {
		return l
	}
	burst := m.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l = rate.NewLimiter(rate.Limit(m.cfg.RatePerSecond), burst)
	m.limiters[backend] = l
	return l
}

func (m *Manager) semaphore(backend string) *Semaphore {
	m.mu.RLock()
	s, ok := m.semaphores[backend]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.semaphores[backend]; ok {
		return s
	}
	s = NewSemaphore(m.cfg.MaxConcurrent)
	m.semaphores[backend] = s
	return s
}
