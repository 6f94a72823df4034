package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/blueberrycongee/shardmux"
)

// memStore simulates one backend: an isolated in-memory key/value space.
// It stands in for a real database behind the dialer so the server can be
// run and load-tested without external infrastructure.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memStore) put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *memStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// memConn is one pooled connection to a memStore.
type memConn struct {
	store *memStore
}

func (c *memConn) Close() error { return nil }

// memFleet owns one store per backend and hands out connections through
// its dialer.
type memFleet struct {
	mu     sync.Mutex
	stores map[string]*memStore
}

func newMemFleet() *memFleet {
	return &memFleet{stores: make(map[string]*memStore)}
}

func (f *memFleet) store(backendID string) *memStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[backendID]
	if !ok {
		s = newMemStore()
		f.stores[backendID] = s
	}
	return s
}

// dial is the shardmux.Dialer for the fleet.
func (f *memFleet) dial(_ context.Context, backendID string) (shardmux.Conn, error) {
	return &memConn{store: f.store(backendID)}, nil
}

// errNotFound marks a missing key so the handler can map it to 404.
type errNotFound struct{ key string }

func (e *errNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.key)
}
