package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
)

var errBoom = errors.New("boom")

func newTestBreaker(clock clockwork.Clock) *Breaker {
	return NewBreaker("test-backend", BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		Clock:            clock,
	})
}

func failN(b *Breaker, n int, err error) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return err })
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(clockwork.NewFakeClock())

	failN(b, 4, errBoom)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 4 failures = %v, want closed", got)
	}

	failN(b, 1, errBoom)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 5 failures = %v, want open", got)
	}

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("open breaker returned %v, want ErrBreakerOpen", err)
	}
	if b.Trips() != 1 {
		t.Fatalf("trips = %d, want 1", b.Trips())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(clockwork.NewFakeClock())

	failN(b, 4, errBoom)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	failN(b, 4, errBoom)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after non-consecutive failures", got)
	}
}

func TestBreakerAdaptiveThresholdForTimeouts(t *testing.T) {
	b := newTestBreaker(clockwork.NewFakeClock())

	// Timeout failures trip at half the base threshold: 5/2 = 2.
	timeoutErr := &sherrors.TimeoutError{Backend: "test-backend", Elapsed: time.Second}
	failN(b, 1, timeoutErr)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 1 timeout = %v, want closed", got)
	}
	failN(b, 1, timeoutErr)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 2 timeouts = %v, want open", got)
	}
}

func TestBreakerAdaptiveThresholdForConnectivity(t *testing.T) {
	b := newTestBreaker(clockwork.NewFakeClock())

	connErr := &sherrors.ConnectivityError{Backend: "test-backend", Err: errBoom}
	failN(b, 2, connErr)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 2 connectivity failures = %v, want open", got)
	}
}

func TestBreakerRecoveryCycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	failN(b, 5, errBoom)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// Before the recovery timeout, calls are rejected without invocation.
	invoked := false
	_ = b.Execute(func() error { invoked = true; return nil })
	if invoked {
		t.Fatal("open breaker invoked the call")
	}

	clock.Advance(61 * time.Second)

	// First probe transitions to half-open.
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after 2 probe successes = %v, want half-open", got)
	}

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 3 probe successes = %v, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	failN(b, 5, errBoom)
	clock.Advance(61 * time.Second)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	failN(b, 1, errBoom)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", got)
	}
	if b.Trips() != 2 {
		t.Fatalf("trips = %d, want 2", b.Trips())
	}
}

func TestBreakerRetryAfter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(clock)

	if b.RetryAfter() != 0 {
		t.Fatal("closed breaker reported non-zero RetryAfter")
	}

	failN(b, 5, errBoom)
	if got := b.RetryAfter(); got != 60*time.Second {
		t.Fatalf("RetryAfter = %v, want 60s", got)
	}
	clock.Advance(45 * time.Second)
	if got := b.RetryAfter(); got != 15*time.Second {
		t.Fatalf("RetryAfter = %v, want 15s", got)
	}
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(clockwork.NewFakeClock())
	failN(b, 5, errBoom)
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestBreakerOnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 8)

	b := NewBreaker("test-backend", BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
		Clock:            clockwork.NewFakeClock(),
		OnStateChange: func(backend string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	})

	failN(b, 2, errBoom)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestBreakerConcurrentExecute(t *testing.T) {
	b := newTestBreaker(clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Execute(func() error {
					if fail {
						return errBoom
					}
					return nil
				})
			}
		}(i%2 == 0)
	}
	wg.Wait()
	// No assertion beyond absence of races and panics; state is valid.
	_ = b.State()
}

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"generic", errBoom, FailureGeneric},
		{"timeout", &sherrors.TimeoutError{Backend: "b", Elapsed: time.Second}, FailureTimeout},
		{"connectivity", &sherrors.ConnectivityError{Backend: "b", Err: errBoom}, FailureConnectivity},
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"wrapped connectivity", fmt.Errorf("dial: %w", &sherrors.ConnectivityError{Backend: "b", Err: errBoom}), FailureConnectivity},
	}
	for _, tc := range cases {
		if got := DefaultClassifier(tc.err); got != tc.want {
			t.Errorf("%s: classifier = %v, want %v", tc.name, got, tc.want)
		}
	}
}
