package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	// Retries is the number of attempts after the first one.
	Retries  int
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   bool
	// ShouldRetry decides whether a failed attempt is retried.
	// nil retries every error.
	ShouldRetry func(error) bool
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryOpts{
	Retries:  2,
	MinDelay: 200 * time.Millisecond,
	MaxDelay: 1500 * time.Millisecond,
}

// sleep waits for d or until ctx is done. Tests replace it.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before the retry that follows failed attempt n
// (0-based): min(MaxDelay, MinDelay * 2^n).
func (o RetryOpts) Backoff(attempt int) time.Duration {
	if o.MinDelay <= 0 {
		return 0
	}
	d := o.MinDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if o.MaxDelay > 0 && d >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if o.MaxDelay > 0 && d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Retry runs f once plus up to Retries more times, sleeping with exponential
// backoff between attempts that ShouldRetry accepts. Errors it rejects are
// returned immediately.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	for attempt := 0; ; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt >= opts.Retries {
			return result
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(result.err) {
			return result
		}

		wait := opts.Backoff(attempt)
		if opts.Jitter {
			wait = time.Duration(float64(wait) * (0.5 + rand.Float64()/2))
		}
		if err := sleep(ctx, wait); err != nil {
			return Err[T](err)
		}
	}
}

// Do is Retry for functions returning a (value, error) pair.
func Do[T any](ctx context.Context, opts RetryOpts, f func(context.Context) (T, error)) (T, error) {
	return Retry(ctx, opts, func(ctx context.Context) Result[T] {
		return FromPair(f(ctx))
	}).Unwrap()
}
