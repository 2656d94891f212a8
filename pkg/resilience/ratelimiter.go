package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterOpts configures a KeyedLimiter: at most Max requests per Window for
// each key, refilled continuously.
type LimiterOpts struct {
	Window time.Duration
	Max    int
	// IdleTTL drops a key's bucket after this long without requests.
	// Zero means 10 windows.
	IdleTTL time.Duration
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// KeyedLimiter is a token bucket per client key.
type KeyedLimiter struct {
	mu      sync.Mutex
	opts    LimiterOpts
	every   rate.Limit
	buckets map[string]*bucket
	lastGC  time.Time
	now     func() time.Time
}

// NewKeyedLimiter creates a KeyedLimiter. Max <= 0 disables limiting.
func NewKeyedLimiter(opts LimiterOpts) *KeyedLimiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * opts.Window
	}
	l := &KeyedLimiter{opts: opts, buckets: make(map[string]*bucket), now: time.Now}
	if opts.Max > 0 {
		l.every = rate.Every(opts.Window / time.Duration(opts.Max))
	}
	return l
}

// Allow reports whether key may make a request now, consuming a token if so.
func (l *KeyedLimiter) Allow(key string) bool {
	if l.opts.Max <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	l.gc(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.opts.Max)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// RetryAfter is the suggested wait after a rejection.
func (l *KeyedLimiter) RetryAfter() time.Duration {
	if l.opts.Max <= 0 {
		return 0
	}
	return l.opts.Window / time.Duration(l.opts.Max)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// gc drops idle buckets at most once per window. Must hold mu.
func (l *KeyedLimiter) gc(now time.Time) {
	if now.Sub(l.lastGC) < l.opts.Window {
		return
	}
	l.lastGC = now
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.opts.IdleTTL {
			delete(l.buckets, k)
		}
	}
}
