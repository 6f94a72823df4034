package resilience

import (
	"context"
	"errors"
)

// ErrSemaphoreFull is returned by TryAcquire when the semaphore is at
// capacity.
var ErrSemaphoreFull = errors.New("semaphore is full")

// Semaphore limits the number of concurrent in-flight calls to a backend.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a permit is available or the context is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit. Releasing more than was acquired is a
// programming error and panics via the closed-channel semantics below.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		panic("resilience: semaphore released without acquire")
	}
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int { return len(s.slots) }

// Capacity returns the total number of permits.
func (s *Semaphore) Capacity() int { return cap(s.slots) }
