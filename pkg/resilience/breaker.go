// Package resilience provides per-backend fault isolation: an adaptive
// circuit breaker, a token-bucket rate limiter, and a concurrency
// semaphore, coordinated by a Manager keyed on backend ID.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// StateClosed allows calls to pass through normally.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen allows probing calls to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when the breaker rejects a call. The router
// wraps it into a typed CircuitBreakerOpenError with backend context.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// FailureClass categorizes a failure for adaptive threshold scaling.
type FailureClass int

const (
	// FailureGeneric counts against the base threshold.
	FailureGeneric FailureClass = iota
	// FailureTimeout indicates the call exceeded its deadline.
	FailureTimeout
	// FailureConnectivity indicates the backend was unreachable.
	FailureConnectivity
)

// Classifier maps an error to a failure class. Timeout and connectivity
// failures halve the effective threshold: they indicate systemic
// unavailability rather than a transient per-call error.
type Classifier func(error) FailureClass

// DefaultClassifier recognizes the core's typed timeout and connectivity
// errors plus context deadline expiry.
func DefaultClassifier(err error) FailureClass {
	var timeout *sherrors.TimeoutError
	if errors.As(err, &timeout) {
		return FailureTimeout
	}
	var conn *sherrors.ConnectivityError
	if errors.As(err, &conn) {
		return FailureConnectivity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureGeneric
}

// BreakerConfig contains configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the base number of consecutive failures before
	// opening the circuit. Timeout/connectivity failures trip at half of it.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// call is allowed through as a probe.
	RecoveryTimeout time.Duration
	// Classifier maps errors to failure classes (DefaultClassifier if nil).
	Classifier Classifier
	// Clock is injectable for tests (real clock if nil).
	Clock clockwork.Clock
	// OnStateChange is invoked on every transition.
	OnStateChange func(backend string, from, to State)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a per-backend circuit breaker. State transitions are
// serialized by a mutex, so no success or failure signal is lost under
// concurrent invocation.
type Breaker struct {
	backend  string
	cfg      BreakerConfig
	clock    clockwork.Clock
	classify Classifier

	mu              sync.Mutex
	state           State
	failureCount    int
	halfOpenSuccess int
	lastFailure     time.Time
	trips           int64
}

// NewBreaker creates a closed breaker for the given backend.
func NewBreaker(backend string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	classify := cfg.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Breaker{
		backend:  backend,
		cfg:      cfg,
		clock:    clock,
		classify: classify,
		state:    StateClosed,
	}
}

// Execute guards fn with the breaker: the state check, the call, and the
// outcome accounting form one logical operation. When the breaker is open
// and the recovery timeout has not elapsed, fn is not invoked and
// ErrBreakerOpen is returned.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.clock.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			return nil
		}
		return ErrBreakerOpen
	default:
		return ErrBreakerOpen
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionTo(StateClosed)
			b.failureCount = 0
			b.halfOpenSuccess = 0
		}
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.effectiveThreshold(b.classify(err)) {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens the circuit.
		b.transitionTo(StateOpen)
		b.halfOpenSuccess = 0
	}
}

// effectiveThreshold scales the base threshold down for failure classes
// that indicate the backend itself is unavailable.
func (b *Breaker) effectiveThreshold(class FailureClass) int {
	threshold := b.cfg.FailureThreshold
	if class == FailureTimeout || class == FailureConnectivity {
		threshold /= 2
	}
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == StateOpen {
		b.trips++
	}
	if b.cfg.OnStateChange != nil {
		// Fire outside the caller's critical path.
		go b.cfg.OnStateChange(b.backend, prev, next)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trips returns how many times the breaker has opened.
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// RetryAfter returns how long until an open breaker admits a probe call.
// It returns zero when the breaker is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.clock.Since(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.halfOpenSuccess = 0
}
