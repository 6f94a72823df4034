package shardmux

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/shardmux/internal/metrics"
	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/pool"
	"github.com/blueberrycongee/shardmux/pkg/resilience"
)

// CallFunc is the unit of work executed against a backend connection.
type CallFunc func(ctx context.Context, conn Conn) ([]byte, error)

// Execute runs fn against the named backend with the full resilience
// treatment: admission control, circuit breaker, pooled connection, a
// hard per-call timeout, and bounded exponential-backoff retries for
// transient failures. Breaker-open and non-retryable errors fail fast.
func (c *Core) Execute(ctx context.Context, backendID string, op OpKind, fn CallFunc) (Result, error) {
	res := Result{Backend: backendID}

	if err := c.res.Acquire(ctx, backendID); err != nil {
		metrics.RouteFailures.WithLabelValues(backendID, string(op), failureReason(err)).Inc()
		res.Err = err
		return res, err
	}
	defer c.res.Release(backendID)

	breaker := c.res.Breaker(backendID)
	p := c.pool(backendID, op.Role())

	var value []byte
	operation := func() error {
		res.Attempts++
		err := breaker.Execute(func() error {
			return c.call(ctx, p, backendID, op, fn, &value)
		})
		if err == nil {
			return nil
		}
		if stderrors.Is(err, resilience.ErrBreakerOpen) {
			return backoff.Permanent(&sherrors.CircuitBreakerOpenError{
				Backend:    backendID,
				RetryAfter: breaker.RetryAfter(),
			})
		}
		if !sherrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(c.retryPolicy(), ctx)
	err := backoff.Retry(operation, policy)
	if err != nil {
		metrics.RouteFailures.WithLabelValues(backendID, string(op), failureReason(err)).Inc()
		res.Err = err
		return res, err
	}

	res.Value = value
	return res, nil
}

// call performs a single attempt: pooled connection, hard timeout, and
// latency accounting. A deadline expiry is converted to a typed
// TimeoutError so the breaker's classifier lowers its threshold.
func (c *Core) call(ctx context.Context, p *pool.Pool, backendID string, op OpKind, fn CallFunc, value *[]byte) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()

	start := c.clock.Now()
	err := p.WithConn(callCtx, func(conn Conn) error {
		v, callErr := fn(callCtx, conn)
		if callErr != nil {
			return callErr
		}
		*value = v
		return nil
	})
	elapsed := c.clock.Since(start)

	metrics.BackendLatency.WithLabelValues(backendID, string(op)).Observe(elapsed.Seconds())
	c.window(backendID).record(float64(elapsed) / float64(time.Millisecond))

	if err != nil && stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &sherrors.TimeoutError{Backend: backendID, Elapsed: elapsed}
	}
	return err
}

func (c *Core) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	return backoff.WithMaxRetries(b, uint64(c.cfg.RetryCount))
}

// RouteAndExecute hashes the key onto the ring, consults the cache for
// read operations, and executes fn against the selected backend. When the
// backend's circuit breaker is open, reads fall back to the cached value,
// stale or not, before the error is surfaced. Successful writes invalidate the
// key's cache entry.
func (c *Core) RouteAndExecute(ctx context.Context, key string, op OpKind, fn CallFunc) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "shardmux.route")
	defer span.End()

	requestID := uuid.NewString()
	pref := op.Preference()
	span.SetAttributes(
		attribute.String("shardmux.key", key),
		attribute.String("shardmux.op", string(op)),
		attribute.String("shardmux.preference", string(pref)),
	)

	backend, err := c.ring.Locate(key, pref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{Err: err}, err
	}
	span.SetAttributes(attribute.String("shardmux.backend", backend.ID))
	logger := c.cfg.Logger.With("request_id", requestID, "key", key, "backend", backend.ID, "op", string(op))

	cacheable := op == OpRead
	if cacheable {
		if v, ok := c.cache.Lookup(key); ok {
			metrics.CacheHits.Inc()
			logger.Debug("served from cache")
			return Result{Backend: backend.ID, Value: v, FromCache: true}, nil
		}
		metrics.CacheMisses.Inc()
	}

	res, err := c.Execute(ctx, backend.ID, op, fn)
	if err != nil {
		var open *sherrors.CircuitBreakerOpenError
		if cacheable && stderrors.As(err, &open) {
			// Stale data beats no data while the backend is isolated.
			if v, ok := c.cache.LookupStale(key); ok {
				logger.Warn("breaker open, serving cached value", "retry_after", open.RetryAfter)
				return Result{Backend: backend.ID, Value: v, FromCache: true, Attempts: res.Attempts}, nil
			}
		}
		span.SetStatus(codes.Error, err.Error())
		logger.Error("routed execution failed", "error", err, "attempts", res.Attempts)
		return res, err
	}

	metrics.RouteTotal.WithLabelValues(backend.ID, string(op), string(pref)).Inc()

	switch {
	case cacheable:
		if storeErr := c.cache.Store(key, res.Value, 0); storeErr != nil {
			// Oversized value: serve it, just don't cache it.
			logger.Debug("skipping cache store", "error", storeErr)
		}
	case op == OpWrite:
		c.cache.Invalidate(key)
	}

	return res, nil
}

// FanoutOption modifies fan-out behavior.
type FanoutOption func(*fanoutConfig)

type fanoutConfig struct {
	allOrNothing bool
}

// AllOrNothing makes the fan-out fail as a whole when any backend fails,
// returning the joined per-backend errors instead of partial results.
func AllOrNothing() FanoutOption {
	return func(f *fanoutConfig) { f.allOrNothing = true }
}

// ExecuteAcrossAllBackends runs fn on every registered backend
// concurrently. By default per-backend failures are reported in each
// Result's Err field rather than raised, so one slow or broken backend
// does not hide the others' results.
func (c *Core) ExecuteAcrossAllBackends(ctx context.Context, op OpKind, fn CallFunc, opts ...FanoutOption) ([]Result, error) {
	var fc fanoutConfig
	for _, opt := range opts {
		opt(&fc)
	}

	backends := c.ring.Backends()
	if len(backends) == 0 {
		return nil, sherrors.ErrNoBackends
	}

	ctx, span := c.tracer.Start(ctx, "shardmux.fanout")
	defer span.End()
	span.SetAttributes(
		attribute.String("shardmux.op", string(op)),
		attribute.Int("shardmux.backends", len(backends)),
	)

	start := c.clock.Now()
	results := make([]Result, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			res, err := c.Execute(gctx, b.ID, op, fn)
			res.Err = err
			results[i] = res
			if fc.allOrNothing {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	metrics.FanoutDuration.Observe(c.clock.Since(start).Seconds())

	if fc.allOrNothing && err != nil {
		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
		joined := stderrors.Join(errs...)
		span.SetStatus(codes.Error, joined.Error())
		return nil, joined
	}
	return results, nil
}

// failureReason labels an error for the failure counter.
func failureReason(err error) string {
	var open *sherrors.CircuitBreakerOpenError
	if stderrors.As(err, &open) {
		return "breaker_open"
	}
	var timeout *sherrors.TimeoutError
	if stderrors.As(err, &timeout) {
		return "timeout"
	}
	var conn *sherrors.ConnectivityError
	if stderrors.As(err, &conn) {
		return "connectivity"
	}
	if stderrors.Is(err, resilience.ErrRateLimited) {
		return "rate_limited"
	}
	if stderrors.Is(err, resilience.ErrSemaphoreFull) {
		return "concurrency_limit"
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if stderrors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}
