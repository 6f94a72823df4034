package shardmux

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
)

func TestRouteAndExecuteReadIsCached(t *testing.T) {
	core, _, _ := newTestCore(t)

	var executions atomic.Int32
	fn := func(_ context.Context, conn Conn) ([]byte, error) {
		executions.Add(1)
		return []byte("payload"), nil
	}

	res, err := core.RouteAndExecute(context.Background(), "user:7", OpRead, fn)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, []byte("payload"), res.Value)
	assert.Equal(t, 1, res.Attempts)

	res, err = core.RouteAndExecute(context.Background(), "user:7", OpRead, fn)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, []byte("payload"), res.Value)
	assert.Equal(t, int32(1), executions.Load(), "second read must be served from cache")
}

func TestWriteInvalidatesCachedRead(t *testing.T) {
	core, _, _ := newTestCore(t)

	var reads atomic.Int32
	read := func(context.Context, Conn) ([]byte, error) {
		reads.Add(1)
		return []byte("v"), nil
	}
	write := func(context.Context, Conn) ([]byte, error) {
		return nil, nil
	}

	_, err := core.RouteAndExecute(context.Background(), "user:7", OpRead, read)
	require.NoError(t, err)
	_, err = core.RouteAndExecute(context.Background(), "user:7", OpWrite, write)
	require.NoError(t, err)

	res, err := core.RouteAndExecute(context.Background(), "user:7", OpRead, read)
	require.NoError(t, err)
	assert.False(t, res.FromCache, "write must invalidate the cached read")
	assert.Equal(t, int32(2), reads.Load())
}

func TestBreakerOpenServesStaleCache(t *testing.T) {
	core, clock, _ := newTestCore(t,
		WithBreakerPolicy(1, 1, time.Minute),
		WithCachePolicy(10*time.Second, 32<<20, 64<<20),
	)
	// A single backend keeps routing deterministic: drop the base three so
	// every key lands on b-solo.
	for _, b := range testBackends() {
		require.NoError(t, core.RemoveBackend(b.ID))
	}
	require.NoError(t, core.AddBackend(Backend{ID: "b-solo", Region: RegionPrimary}))

	var failing atomic.Bool
	fn := func(context.Context, Conn) ([]byte, error) {
		if failing.Load() {
			return nil, assert.AnError
		}
		return []byte("v1"), nil
	}

	// Populate the cache, then let the entry go stale.
	res, err := core.RouteAndExecute(context.Background(), "key", OpRead, fn)
	require.NoError(t, err)
	require.False(t, res.FromCache)

	clock.Advance(11 * time.Second)
	failing.Store(true)

	// The stale entry is not served; the backend fails and trips the breaker.
	_, err = core.RouteAndExecute(context.Background(), "key", OpRead, fn)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "open", core.Metrics().BreakerStates["b-solo"])

	// With the breaker open, the read falls back to the stale value.
	res, err = core.RouteAndExecute(context.Background(), "key", OpRead, fn)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, []byte("v1"), res.Value)
}

func TestBreakerOpenWithoutCacheIsTypedError(t *testing.T) {
	core, _, _ := newTestCore(t, WithBreakerPolicy(1, 1, time.Minute))

	fn := func(context.Context, Conn) ([]byte, error) {
		return nil, assert.AnError
	}

	_, err := core.Execute(context.Background(), "b1", OpRead, fn)
	require.ErrorIs(t, err, assert.AnError)

	_, err = core.Execute(context.Background(), "b1", OpRead, fn)
	var open *CircuitBreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "b1", open.Backend)
	assert.Greater(t, open.RetryAfter, time.Duration(0))
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	core, _, _ := newTestCore(t, WithExecution(time.Second, 2, time.Millisecond))

	var calls atomic.Int32
	fn := func(context.Context, Conn) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, &sherrors.ConnectivityError{Backend: "b1", Err: assert.AnError}
		}
		return []byte("recovered"), nil
	}

	res, err := core.Execute(context.Background(), "b1", OpRead, fn)
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), res.Value)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteDoesNotRetryNonRetryable(t *testing.T) {
	core, _, _ := newTestCore(t, WithExecution(time.Second, 5, time.Millisecond))

	var calls atomic.Int32
	fn := func(context.Context, Conn) ([]byte, error) {
		calls.Add(1)
		return nil, context.Canceled
	}

	_, err := core.Execute(context.Background(), "b1", OpRead, fn)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load(), "canceled work must not be retried")
}

func TestExecuteTimeoutBecomesTypedError(t *testing.T) {
	core, _, _ := newTestCore(t, WithExecution(20*time.Millisecond, 0, time.Millisecond))

	fn := func(ctx context.Context, _ Conn) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := core.Execute(context.Background(), "b1", OpRead, fn)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "b1", timeout.Backend)
}

func TestExecuteAcrossAllBackends(t *testing.T) {
	core, _, _ := newTestCore(t)

	results, err := core.ExecuteAcrossAllBackends(context.Background(), OpScan,
		func(_ context.Context, conn Conn) ([]byte, error) {
			return []byte(conn.(*stubConn).backend), nil
		})
	require.NoError(t, err)
	require.Len(t, results, 3)

	seen := map[string]bool{}
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, r.Backend, string(r.Value))
		seen[r.Backend] = true
	}
	assert.Len(t, seen, 3, "every backend must be visited exactly once")
}

func TestExecuteAcrossAllBackendsPartialFailure(t *testing.T) {
	core, _, _ := newTestCore(t)

	results, err := core.ExecuteAcrossAllBackends(context.Background(), OpScan,
		func(_ context.Context, conn Conn) ([]byte, error) {
			if conn.(*stubConn).backend == "b2" {
				return nil, assert.AnError
			}
			return []byte("ok"), nil
		})
	require.NoError(t, err, "partial failure must not fail the fan-out")
	require.Len(t, results, 3)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.Equal(t, "b2", r.Backend)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExecuteAcrossAllBackendsAllOrNothing(t *testing.T) {
	core, _, _ := newTestCore(t)

	results, err := core.ExecuteAcrossAllBackends(context.Background(), OpScan,
		func(_ context.Context, conn Conn) ([]byte, error) {
			if conn.(*stubConn).backend == "b2" {
				return nil, assert.AnError
			}
			return []byte("ok"), nil
		},
		AllOrNothing(),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, results)
}

func TestExecuteAcrossAllBackendsEmptyRing(t *testing.T) {
	core, _, _ := newTestCore(t)
	for _, b := range testBackends() {
		require.NoError(t, core.RemoveBackend(b.ID))
	}

	_, err := core.ExecuteAcrossAllBackends(context.Background(), OpScan,
		func(context.Context, Conn) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNoBackends)
}
