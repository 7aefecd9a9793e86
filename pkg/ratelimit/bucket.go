package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenBucket allows bursts up to its capacity while holding the average
// rate to refillRate tokens per second.
type TokenBucket struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity int, refillRate float64, clock clockwork.Clock) *TokenBucket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenBucket{
		clock:      clock,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: clock.Now(),
	}
}

// Take consumes n tokens if they are available. When they are not, it
// returns false and how long until they will be.
func (tb *TokenBucket) Take(n int) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()

	need := float64(n)
	if tb.tokens >= need {
		tb.tokens -= need
		return true, 0
	}
	if tb.refillRate <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	wait := (need - tb.tokens) / tb.refillRate
	return false, time.Duration(math.Ceil(wait * float64(time.Second)))
}

// Remaining returns the whole tokens currently available.
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	return int(tb.tokens)
}

// Capacity returns the bucket size.
func (tb *TokenBucket) Capacity() int {
	return int(tb.capacity)
}

func (tb *TokenBucket) refillLocked() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now
}
