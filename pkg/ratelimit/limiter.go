package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"

	"mercator-hq/cohort/pkg/config"
)

// Result is the outcome of a per-caller check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock the token buckets refill against.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// Limiter applies per-caller token buckets and a global concurrency cap.
type Limiter struct {
	rate  float64
	burst int
	clock clockwork.Clock

	mu         sync.Mutex
	buckets    *cache.Cache
	concurrent *ConcurrentLimiter
}

// New builds a limiter from configuration. Limits left at zero are not
// enforced.
func New(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		rate:  cfg.RequestsPerSecond,
		burst: cfg.Burst,
		clock: clockwork.NewRealClock(),
	}
	if l.burst < 1 && l.rate > 0 {
		l.burst = int(math.Ceil(l.rate * 2))
	}
	for _, opt := range opts {
		opt(l)
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = config.DefaultRateLimitIdle
	}
	l.buckets = cache.New(idle, idle)

	if cfg.MaxConcurrent > 0 {
		l.concurrent = NewConcurrentLimiter(cfg.MaxConcurrent)
	}
	return l
}

// Allow consumes one request from key's bucket.
func (l *Limiter) Allow(key string) Result {
	if l.rate <= 0 {
		return Result{Allowed: true}
	}

	b := l.bucket(key)
	ok, wait := b.Take(1)
	return Result{
		Allowed:    ok,
		Limit:      b.Capacity(),
		Remaining:  b.Remaining(),
		RetryAfter: wait,
	}
}

// bucket returns key's bucket and pushes back its idle expiry.
func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *TokenBucket
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*TokenBucket)
	} else {
		b = NewTokenBucket(l.burst, l.rate, l.clock)
	}
	l.buckets.SetDefault(key, b)
	return b
}

// Acquire takes an in-flight slot. A true result must be paired with
// Release.
func (l *Limiter) Acquire() bool {
	if l.concurrent == nil {
		return true
	}
	return l.concurrent.Acquire()
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	if l.concurrent != nil {
		l.concurrent.Release()
	}
}

// Callers returns the number of tracked caller buckets.
func (l *Limiter) Callers() int {
	return l.buckets.ItemCount()
}
