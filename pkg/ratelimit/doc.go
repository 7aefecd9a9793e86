// Package ratelimit throttles API callers.
//
// A Limiter keeps one token bucket per caller key and an optional global
// cap on in-flight requests:
//
//	limiter := ratelimit.New(cfg.Server.RateLimit)
//	if res := limiter.Allow(key); !res.Allowed {
//	    // 429, retry after res.RetryAfter
//	}
//	if !limiter.Acquire() {
//	    // 503
//	}
//	defer limiter.Release()
//
// Buckets of callers that stay idle longer than the configured idle timeout
// are dropped; a returning caller starts with a full bucket.
package ratelimit
