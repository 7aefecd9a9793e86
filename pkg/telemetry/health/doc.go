// Package health provides liveness and readiness endpoints for Cohort.
//
// # Endpoints
//
//   - /health: Liveness probe, 200 while the process runs
//   - /ready: Readiness probe, runs every registered check
//   - /version: Build information
//
// # Usage
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//
//	checker.RegisterCheck("repository", repo.Ping)
//	checker.RegisterCheck("store", func(ctx context.Context) error {
//	    if !st.Loaded() {
//	        return errors.New("experiments not loaded")
//	    }
//	    return nil
//	})
//	checker.RegisterOptional("feed", feed.Ping)
//
//	health.Mount(mux, checker, cfg.Telemetry.Health, version, commit, buildTime)
//
// # Critical and Optional Checks
//
// Checks registered with RegisterCheck are critical: a failure reports
// "unhealthy" and /ready answers 503. Checks registered with
// RegisterOptional only degrade the status; /ready still answers 200 so that
// an unavailable push feed does not take the instance out of rotation while
// the periodic refresh keeps experiments current.
//
// Checks run concurrently, each bounded by the configured timeout.
package health
