// Package shardmux provides a resilient data-access core as a Go library:
// a consistent-hash shard router paired with per-backend adaptive circuit
// breakers, a TTL/LRU cache with pressure-aware eviction, and an adaptive
// batch-size calculator.
//
// The core decides which backend to use, whether to attempt a call, and
// how to batch and cache around that decision. It speaks no wire protocol
// and owns no persistence: callers hand it opaque routing keys, a dialer
// that opens connections to a chosen backend, and a static list of
// backend descriptors.
//
// Basic usage:
//
//	core, err := shardmux.New(
//	    shardmux.WithBackends(
//	        shardmux.Backend{ID: "db-east", Region: shardmux.RegionPrimary},
//	        shardmux.Backend{ID: "db-west", Region: shardmux.RegionSecondary},
//	    ),
//	    shardmux.WithDialer(myDialer),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	res, err := core.RouteAndExecute(ctx, "order:1234", shardmux.OpRead,
//	    func(ctx context.Context, conn shardmux.Conn) ([]byte, error) {
//	        return myLookup(ctx, conn)
//	    })
package shardmux

import (
	"context"

	"github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/pool"
	"github.com/blueberrycongee/shardmux/pkg/types"
)

// Version is the current version of shardmux.
const Version = "1.0.0"

// ErrNoBackends is returned by routing operations when no backend is
// registered.
var ErrNoBackends = errors.ErrNoBackends

// DataAccessor is the execution surface of the core. Callers that only
// route and execute work can depend on this interface instead of the
// concrete Core.
type DataAccessor interface {
	Locate(key string, op OpKind) (Backend, error)
	Execute(ctx context.Context, backendID string, op OpKind, fn CallFunc) (Result, error)
	RouteAndExecute(ctx context.Context, key string, op OpKind, fn CallFunc) (Result, error)
	ExecuteAcrossAllBackends(ctx context.Context, op OpKind, fn CallFunc, opts ...FanoutOption) ([]Result, error)
}

var _ DataAccessor = (*Core)(nil)

// Re-export the shared data model so callers can stay on the root package.
type (
	// Backend describes one physical backend.
	Backend = types.Backend

	// Region identifies a backend's placement tier.
	Region = types.Region

	// OpKind classifies a unit of work.
	OpKind = types.OpKind

	// RoutePreference selects among ring lookup candidates.
	RoutePreference = types.RoutePreference

	// HealthState is the aggregate health classification of a backend.
	HealthState = types.HealthState

	// HealthReport carries the weighted health score and its inputs.
	HealthReport = types.HealthReport

	// Result is the outcome of a routed execution.
	Result = types.Result

	// Conn is one logical connection to a backend.
	Conn = pool.Conn

	// Dialer opens a new connection to the named backend.
	Dialer = pool.Dialer

	// ConfigurationError reports invalid static configuration.
	ConfigurationError = errors.ConfigurationError

	// CircuitBreakerOpenError signals an isolated backend.
	CircuitBreakerOpenError = errors.CircuitBreakerOpenError

	// TimeoutError reports a backend call that exceeded its deadline.
	TimeoutError = errors.TimeoutError

	// MemoryPressureError reports a tripped cache resource guard.
	MemoryPressureError = errors.MemoryPressureError

	// RebalancingNotImplementedError marks the stubbed rebalancing
	// capability.
	RebalancingNotImplementedError = errors.RebalancingNotImplementedError
)

const (
	RegionPrimary   = types.RegionPrimary
	RegionSecondary = types.RegionSecondary
	RegionTertiary  = types.RegionTertiary
	RegionOther     = types.RegionOther

	OpRead  = types.OpRead
	OpWrite = types.OpWrite
	OpScan  = types.OpScan

	PreferLeader   = types.PreferLeader
	PreferFollower = types.PreferFollower
	PreferNearest  = types.PreferNearest

	HealthOptimal   = types.HealthOptimal
	HealthHealthy   = types.HealthHealthy
	HealthDegraded  = types.HealthDegraded
	HealthUnhealthy = types.HealthUnhealthy
	HealthCritical  = types.HealthCritical
)
