// Package assignment resolves which variant a subject sees.
//
// The Resolver reads experiment definitions from the in-memory store,
// checks segment eligibility, allocates a variant through the bucketing
// strategy registry and caches the result per (experiment, subject) pair.
// The first in-experiment assignment of a pair emits one exposure event;
// cached reads emit nothing.
//
// Usage:
//
//	cache := assignment.NewCache(0, 10*time.Minute)
//	resolver := assignment.NewResolver(st, cache,
//		assignment.WithRecorder(rec),
//		assignment.WithMetrics(m),
//	)
//	st.OnChange(resolver.Invalidate)
//
//	a := resolver.GetOrCompute("checkout-button", experiment.UserContext{UserID: "user-42"})
package assignment
