// Package ring implements the consistent-hash shard ring. Keys are hashed
// with SHA-256 for uniform distribution and resistance to adversarial key
// choice, then located on several independent rings of weighted virtual
// nodes. Lookups are lock-free against an immutable snapshot; only
// add/remove mutations are serialized.
package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
	"github.com/blueberrycongee/shardmux/pkg/types"
)

const (
	// DefaultVirtualNodes is the number of virtual nodes per backend per
	// ring at weight 1.0.
	DefaultVirtualNodes = 100
	// DefaultRingCount is the number of independent rings consulted per
	// lookup, guarding against any single ring's pathological distribution.
	DefaultRingCount = 3

	// followerJitterMs bounds the random jitter added to region latency
	// estimates during follower selection.
	followerJitterMs = 2.0
)

// Config controls ring geometry.
type Config struct {
	// VirtualNodes per backend per ring at weight 1.0 (default 100).
	VirtualNodes int
	// RingCount is the number of independent rings (default 3).
	RingCount int
}

func (c Config) withDefaults() Config {
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = DefaultVirtualNodes
	}
	if c.RingCount <= 0 {
		c.RingCount = DefaultRingCount
	}
	return c
}

type virtualNode struct {
	hash      uint64
	backendID string
}

// state is the immutable snapshot lookups run against. Mutations build a
// new state and swap it in atomically.
type state struct {
	rings    [][]virtualNode // each slice sorted ascending by hash
	backends map[string]types.Backend
}

// Ring maps arbitrary keys to registered backends.
//
// Ring is safe for concurrent use by multiple goroutines.
type Ring struct {
	cfg Config

	mu    sync.Mutex // serializes Add/Remove
	state atomic.Pointer[state]
}

// New creates an empty ring with the given geometry.
func New(cfg Config) *Ring {
	r := &Ring{cfg: cfg.withDefaults()}
	s := &state{
		rings:    make([][]virtualNode, r.cfg.RingCount),
		backends: make(map[string]types.Backend),
	}
	r.state.Store(s)
	return r
}

// Add registers a backend and inserts its virtual nodes into every ring.
// The virtual node positions are a deterministic function of the backend
// identity, so re-adding the same backend reproduces the same placement.
func (r *Ring) Add(b types.Backend) error {
	if b.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, exists := cur.backends[b.ID]; exists {
		return fmt.Errorf("backend %s already registered", b.ID)
	}

	next := cur.clone()
	next.backends[b.ID] = b

	count := r.virtualNodeCount(b.Weight)
	for ringIdx := range next.rings {
		nodes := next.rings[ringIdx]
		for vIdx := 0; vIdx < count; vIdx++ {
			nodes = append(nodes, virtualNode{
				hash:      virtualNodeHash(b.ID, ringIdx, vIdx, b.Region),
				backendID: b.ID,
			})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].hash < nodes[j].hash })
		next.rings[ringIdx] = nodes
	}

	r.state.Store(next)
	return nil
}

// Remove deletes a backend and all of its virtual nodes from every ring.
// Keys previously owned by the removed backend flow to the next clockwise
// virtual node; all other keys keep their assignment.
func (r *Ring) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, exists := cur.backends[id]; !exists {
		return fmt.Errorf("backend %s not registered", id)
	}

	next := cur.clone()
	delete(next.backends, id)
	for ringIdx, nodes := range next.rings {
		kept := nodes[:0]
		for _, n := range nodes {
			if n.backendID != id {
				kept = append(kept, n)
			}
		}
		next.rings[ringIdx] = kept
	}

	r.state.Store(next)
	return nil
}

// Locate hashes the key, collects one candidate backend per ring, and
// applies the routing preference to pick among them.
func (r *Ring) Locate(key string, pref types.RoutePreference) (types.Backend, error) {
	s := r.state.Load()
	if len(s.backends) == 0 {
		return types.Backend{}, sherrors.ErrNoBackends
	}

	h := keyHash(key)
	candidates := s.candidates(h)

	switch pref {
	case types.PreferLeader:
		for _, c := range candidates {
			if c.Region == types.RegionPrimary {
				return c, nil
			}
		}
		return candidates[0], nil

	case types.PreferFollower:
		best := candidates[0]
		bestLatency := estimatedReadLatency(best.Region)
		for _, c := range candidates[1:] {
			if l := estimatedReadLatency(c.Region); l < bestLatency {
				best, bestLatency = c, l
			}
		}
		return best, nil

	default:
		return candidates[0], nil
	}
}

// Backends returns the currently registered backends sorted by ID.
func (r *Ring) Backends() []types.Backend {
	s := r.state.Load()
	out := make([]types.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered backends.
func (r *Ring) Len() int {
	return len(r.state.Load().backends)
}

// candidates walks every ring and returns the owning backend of the first
// virtual node at or clockwise of the key hash, de-duplicated in ring order.
func (s *state) candidates(h uint64) []types.Backend {
	out := make([]types.Backend, 0, len(s.rings))
	seen := make(map[string]struct{}, len(s.rings))
	for _, nodes := range s.rings {
		if len(nodes) == 0 {
			continue
		}
		idx := sort.Search(len(nodes), func(i int) bool { return nodes[i].hash >= h })
		if idx == len(nodes) {
			idx = 0 // wrap: circular ring
		}
		id := nodes[idx].backendID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, s.backends[id])
	}
	return out
}

func (s *state) clone() *state {
	next := &state{
		rings:    make([][]virtualNode, len(s.rings)),
		backends: make(map[string]types.Backend, len(s.backends)+1),
	}
	for i, nodes := range s.rings {
		next.rings[i] = append([]virtualNode(nil), nodes...)
	}
	for id, b := range s.backends {
		next.backends[id] = b
	}
	return next
}

func (r *Ring) virtualNodeCount(weight float64) int {
	if weight <= 0 {
		weight = 1.0
	}
	count := int(float64(r.cfg.VirtualNodes) * weight)
	if count < 1 {
		count = 1
	}
	return count
}

// keyHash maps a routing key onto the ring keyspace using the first eight
// bytes of its SHA-256 digest.
func keyHash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// virtualNodeHash derives a stable position for one virtual node from the
// backend identity, ring index, virtual index and region.
func virtualNodeHash(backendID string, ringIdx, virtualIdx int, region types.Region) uint64 {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%s", backendID, ringIdx, virtualIdx, region))
	return binary.BigEndian.Uint64(sum[:8])
}

func estimatedReadLatency(region types.Region) float64 {
	return region.BaseReadLatencyMs() + rand.Float64()*followerJitterMs
}
