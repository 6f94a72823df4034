// Package pool provides bounded, lazily-filled connection pools. The core
// creates one pool per (backend, role) pair: writer pools are small and
// strict, reader pools larger and longer-lived. The pool does not know any
// wire protocol; connections come from a caller-supplied Dialer.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
)

// ErrPoolClosed is returned when acquiring from a closed pool.
var ErrPoolClosed = errors.New("connection pool is closed")

// Conn is one logical connection to a backend, owned by the surrounding
// application code.
type Conn interface {
	Close() error
}

// Dialer opens a new connection to the named backend.
type Dialer func(ctx context.Context, backendID string) (Conn, error)

// Config controls one pool instance.
type Config struct {
	// Size is the maximum number of live connections (default 8).
	Size int
	// AcquireTimeout bounds how long a caller waits for a free
	// connection once the pool is saturated (default 5s).
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 8
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	return c
}

// Pool manages connections to a single backend. Connections are dialed
// lazily up to Size and reused afterwards.
//
// Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	backendID string
	dialer    Dialer
	cfg       Config

	idle chan Conn

	mu      sync.Mutex
	created int
	closed  bool
}

// New creates an empty pool for the given backend.
func New(backendID string, dialer Dialer, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		backendID: backendID,
		dialer:    dialer,
		cfg:       cfg,
		idle:      make(chan Conn, cfg.Size),
	}
}

// WithConn acquires a connection, runs fn, and returns the connection to
// the pool. On connectivity failures the connection is discarded instead
// of being reused.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(conn)
	var connErr *sherrors.ConnectivityError
	if errors.As(err, &connErr) {
		p.discard(conn)
	} else {
		p.release(conn)
	}
	return err
}

// InUse returns the number of connections currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created - len(p.idle)
}

// Close discards all idle connections and rejects further acquisitions.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for {
		select {
		case conn := <-p.idle:
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

func (p *Pool) acquire(ctx context.Context) (Conn, error) {
	// Fast path: reuse an idle connection.
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.created < p.cfg.Size {
		p.created++
		p.mu.Unlock()

		conn, err := p.dialer(ctx, p.backendID)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, &sherrors.ConnectivityError{Backend: p.backendID, Err: err}
		}
		return conn, nil
	}
	p.mu.Unlock()

	// Saturated: wait for a release, bounded by the acquire timeout.
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case conn := <-p.idle:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &sherrors.TimeoutError{Backend: p.backendID, Elapsed: p.cfg.AcquireTimeout}
	}
}

func (p *Pool) release(conn Conn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = conn.Close()
		return
	}

	select {
	case p.idle <- conn:
	default:
		p.discard(conn)
	}
}

func (p *Pool) discard(conn Conn) {
	_ = conn.Close()
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}
