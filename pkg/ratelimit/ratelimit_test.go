package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"mercator-hq/cohort/pkg/config"
)

func TestTokenBucket_TakeAndRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bucket := NewTokenBucket(10, 10, clock)

	if ok, _ := bucket.Take(5); !ok {
		t.Fatal("expected to take 5 tokens from a full bucket")
	}
	if got := bucket.Remaining(); got != 5 {
		t.Errorf("Remaining() = %d, want 5", got)
	}
	if ok, _ := bucket.Take(5); !ok {
		t.Fatal("expected to take the remaining 5 tokens")
	}

	ok, wait := bucket.Take(1)
	if ok {
		t.Fatal("expected empty bucket")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("retry after = %s, want 100ms", wait)
	}

	clock.Advance(100 * time.Millisecond)
	if ok, _ := bucket.Take(1); !ok {
		t.Error("expected one token after 100ms")
	}
}

func TestTokenBucket_CapacityLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bucket := NewTokenBucket(10, 10, clock)

	clock.Advance(time.Hour)
	if got := bucket.Remaining(); got != 10 {
		t.Errorf("Remaining() = %d, want capacity 10", got)
	}
}

func TestConcurrentLimiter(t *testing.T) {
	cl := NewConcurrentLimiter(2)

	if !cl.Acquire() || !cl.Acquire() {
		t.Fatal("expected two slots")
	}
	if cl.Acquire() {
		t.Fatal("third Acquire should fail")
	}
	if cl.InFlight() != 2 {
		t.Errorf("InFlight() = %d, want 2", cl.InFlight())
	}
	cl.Release()
	if !cl.Acquire() {
		t.Error("Acquire should succeed after Release")
	}
}

func TestConcurrentLimiter_Parallel(t *testing.T) {
	cl := NewConcurrentLimiter(5)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl.Acquire() {
				if n := cl.InFlight(); n > 5 {
					t.Errorf("InFlight() = %d exceeds limit", n)
				}
				cl.Release()
			}
		}()
	}
	wg.Wait()

	if cl.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all releases", cl.InFlight())
	}
}

func TestLimiter_PerCallerBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 2}, WithClock(clock))

	for i := 0; i < 2; i++ {
		if res := l.Allow("alice"); !res.Allowed {
			t.Fatalf("request %d for alice rejected", i)
		}
	}
	res := l.Allow("alice")
	if res.Allowed {
		t.Fatal("third request for alice should be rejected")
	}
	if res.Limit != 2 || res.RetryAfter != time.Second {
		t.Errorf("result = %+v, want limit 2 and retry after 1s", res)
	}

	if res := l.Allow("bob"); !res.Allowed {
		t.Error("bob should have his own bucket")
	}
	if l.Callers() != 2 {
		t.Errorf("Callers() = %d, want 2", l.Callers())
	}

	clock.Advance(time.Second)
	if res := l.Allow("alice"); !res.Allowed {
		t.Error("alice should be allowed after refill")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(config.RateLimitConfig{})

	for i := 0; i < 1000; i++ {
		if !l.Allow("anyone").Allowed {
			t.Fatal("limiter without a rate should allow everything")
		}
	}
	if !l.Acquire() {
		t.Fatal("limiter without a cap should always acquire")
	}
	l.Release()
	if l.Callers() != 0 {
		t.Errorf("Callers() = %d, want no buckets", l.Callers())
	}
}

func TestLimiter_Concurrency(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrent: 1})

	if !l.Acquire() {
		t.Fatal("first Acquire should succeed")
	}
	if l.Acquire() {
		t.Fatal("second Acquire should fail")
	}
	l.Release()
	if !l.Acquire() {
		t.Error("Acquire should succeed after Release")
	}
}
