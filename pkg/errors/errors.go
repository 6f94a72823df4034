// Package errors defines the typed error kinds surfaced by the shardmux
// core. Callers are expected to use errors.Is / errors.As against these
// types to distinguish fatal configuration problems from recoverable
// routing conditions.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoBackends is returned by ring lookups when no backend is registered.
var ErrNoBackends = errors.New("no backends registered")

// ConfigurationError reports invalid static configuration. It is fatal at
// startup: construction fails instead of deferring the problem to first use.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// CircuitBreakerOpenError signals that the target backend is currently
// isolated. It is recoverable: callers may fall back to cached data or
// retry after RetryAfter elapses. It is never retried locally.
type CircuitBreakerOpenError struct {
	Backend    string
	RetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for backend %s (retry after %s)", e.Backend, e.RetryAfter)
}

// TimeoutError reports that a backend call exceeded its deadline. It is
// counted as a breaker failure and retried with backoff.
type TimeoutError struct {
	Backend string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend %s call timed out after %s", e.Backend, e.Elapsed)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ConnectivityError reports a transport-level failure reaching a backend,
// for example a failed dial. Connectivity failures lower the effective
// circuit breaker threshold because they indicate systemic unavailability.
type ConnectivityError struct {
	Backend string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("backend %s unreachable: %v", e.Backend, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// MemoryPressureError reports that the cache resource guard tripped. It is
// surfaced to the caller so load can be shed instead of silently growing.
type MemoryPressureError struct {
	EstimatedBytes int64
	LimitBytes     int64
}

func (e *MemoryPressureError) Error() string {
	return fmt.Sprintf("memory pressure: estimated %d bytes exceeds limit %d bytes", e.EstimatedBytes, e.LimitBytes)
}

// RebalancingNotImplementedError is the explicit signal that dynamic
// rebalancing and cross-shard migration are stubbed capabilities. The
// triggering operation is aborted; it is never a silent no-op.
type RebalancingNotImplementedError struct {
	Operation string
}

func (e *RebalancingNotImplementedError) Error() string {
	return fmt.Sprintf("%s: dynamic rebalancing is not implemented", e.Operation)
}

// IsRetryable reports whether an error should be retried locally with
// backoff. Breaker-open and configuration errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var open *CircuitBreakerOpenError
	if errors.As(err, &open) {
		return false
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}
	var pressure *MemoryPressureError
	if errors.As(err, &pressure) {
		return false
	}
	var rebalance *RebalancingNotImplementedError
	if errors.As(err, &rebalance) {
		return false
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var conn *ConnectivityError
	if errors.As(err, &conn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unknown errors are treated as transient backend faults.
	return !errors.Is(err, context.Canceled)
}
