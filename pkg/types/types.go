// Package types defines the shared data model for the shardmux core:
// backend descriptors, operation kinds, routing preferences, and health
// classifications. All other packages depend on these types, never the
// other way around.
package types

import (
	"fmt"
	"time"
)

// Region identifies the placement tier of a backend. It drives the
// estimated read latency used by follower routing.
type Region string

const (
	RegionPrimary   Region = "primary"
	RegionSecondary Region = "secondary"
	RegionTertiary  Region = "tertiary"
	RegionOther     Region = "other"
)

// BaseReadLatencyMs returns the rough read latency estimate for the region
// in milliseconds. The values are intentionally coarse; a small jitter is
// added at selection time to avoid herding onto a single candidate.
func (r Region) BaseReadLatencyMs() float64 {
	switch r {
	case RegionPrimary:
		return 5
	case RegionSecondary:
		return 15
	case RegionTertiary:
		return 30
	default:
		return 50
	}
}

// Valid reports whether the region is one of the known placement tiers.
func (r Region) Valid() bool {
	switch r {
	case RegionPrimary, RegionSecondary, RegionTertiary, RegionOther:
		return true
	}
	return false
}

// Backend describes one physical backend registered with the core.
// It is immutable after construction; topology changes go through
// explicit add/remove on the ring.
type Backend struct {
	ID     string `json:"id" yaml:"id"`
	Region Region `json:"region" yaml:"region"`
	// Weight scales the number of virtual nodes the backend owns on each
	// ring. Zero or negative means default weight (1.0).
	Weight float64 `json:"weight" yaml:"weight"`
}

func (b Backend) String() string {
	return fmt.Sprintf("%s[%s]", b.ID, b.Region)
}

// OpKind classifies a unit of work so the router can derive a placement
// preference and a pool role for it.
type OpKind string

const (
	OpRead  OpKind = "read"
	OpWrite OpKind = "write"
	OpScan  OpKind = "scan"
)

// Preference maps an operation kind to its routing preference: writes go
// to the leader, reads to the lowest-latency follower, everything else to
// the nearest candidate.
func (k OpKind) Preference() RoutePreference {
	switch k {
	case OpWrite:
		return PreferLeader
	case OpRead:
		return PreferFollower
	default:
		return PreferNearest
	}
}

// Role maps an operation kind to a connection pool role.
func (k OpKind) Role() Role {
	if k == OpWrite {
		return RoleWriter
	}
	return RoleReader
}

// RoutePreference selects among the per-ring candidates produced by a
// ring lookup.
type RoutePreference string

const (
	// PreferLeader picks a candidate in the primary region when one
	// exists, otherwise the first candidate.
	PreferLeader RoutePreference = "leader"
	// PreferFollower picks the candidate with the lowest estimated read
	// latency (region estimate plus jitter).
	PreferFollower RoutePreference = "follower"
	// PreferNearest picks the first candidate. This is the default.
	PreferNearest RoutePreference = "nearest"
)

// Role distinguishes pool sizing for leader/write traffic from
// follower/read traffic.
type Role string

const (
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
)

// HealthState is the aggregate classification of a backend.
type HealthState string

const (
	HealthOptimal   HealthState = "optimal"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthCritical  HealthState = "critical"
)

// HealthReport aggregates connectivity, latency, resource utilization and
// replication lag into a single weighted score and classification.
type HealthReport struct {
	Backend        string        `json:"backend"`
	State          HealthState   `json:"state"`
	Score          float64       `json:"score"`
	Connectivity   float64       `json:"connectivity"`
	AvgLatencyMs   float64       `json:"avg_latency_ms"`
	Utilization    float64       `json:"utilization"`
	ReplicationLag time.Duration `json:"replication_lag"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// Result is the outcome of a routed execution. For fan-out operations the
// per-backend error is carried in Err instead of being raised.
type Result struct {
	Backend   string `json:"backend"`
	Value     []byte `json:"value,omitempty"`
	FromCache bool   `json:"from_cache"`
	Attempts  int    `json:"attempts"`
	Err       error  `json:"-"`
}
