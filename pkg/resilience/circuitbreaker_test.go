package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func failing(context.Context) error { return errFail }
func ok(context.Context) error      { return nil }

func newTestBreaker(opts BreakerOpts) (*Breaker, *time.Time) {
	b := NewBreaker(opts)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	if b.opts.FailThreshold != 5 || b.opts.Timeout != 30*time.Second || b.opts.HalfOpenMax != 1 {
		t.Fatalf("defaults not applied: %+v", b.opts)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, failing); !errors.Is(err, errFail) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected rejection without call, got %v (called=%v)", err, called)
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, ok)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var transitions []string
	b, now := newTestBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Second,
		OnStateChange: func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	*now = now.Add(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if err := b.Call(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	*now = now.Add(2 * time.Second)

	if err := b.Call(ctx, failing); !errors.Is(err, errFail) {
		t.Fatalf("probe should run, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b, now := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	*now = now.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := b.Call(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe should be rejected, got %v", err)
	}
	close(release)
	wg.Wait()
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerIsFailureFilter(t *testing.T) {
	notCounted := errors.New("bad request")
	b, _ := newTestBreaker(BreakerOpts{
		FailThreshold: 1,
		IsFailure:     func(err error) bool { return !errors.Is(err, notCounted) },
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Call(ctx, func(context.Context) error { return notCounted }); !errors.Is(err, notCounted) {
			t.Fatalf("error must reach caller, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("filtered errors must not trip, got %v", b.State())
	}
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
