// Package resilience guards upstream calls: a circuit breaker for the vector
// store and a per-client rate limiter for the language-model routes.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of probes pass through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling f while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures open the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// HalfOpenMax is the number of concurrent probes allowed when half-open.
	HalfOpenMax int
	// IsFailure decides whether an error counts toward tripping. nil counts
	// every error. Errors it rejects still reach the caller.
	IsFailure func(error) bool
	// OnStateChange is called (outside the lock) on every transition.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts are used for zero fields.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	probes   int
	now      func() time.Time
}

// NewBreaker creates a Breaker.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Call runs f unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := f(ctx)
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	st, changed := b.advance()
	var err error
	switch st {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			b.probes++
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(StateOpen, StateHalfOpen)
	}
	return err
}

func (b *Breaker) settle(err error) {
	failed := err != nil && (b.opts.IsFailure == nil || b.opts.IsFailure(err))

	b.mu.Lock()
	from := b.state
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	switch {
	case failed:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.probes = 0
		}
	case err == nil:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// advance moves open to half-open once Timeout has passed. Must hold mu.
func (b *Breaker) advance() (State, bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.probes = 0
		return b.state, true
	}
	return b.state, false
}

func (b *Breaker) notify(from, to State) {
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}
