// Package telemetry bundles the observability stack used by Cohort.
//
// # Components
//
//   - logging: slog logger with key and pattern redaction
//   - metrics: Prometheus collector
//   - tracing: OpenTelemetry tracer (noop when disabled)
//   - health: liveness and readiness checks
//
// # Usage
//
//	tel, err := telemetry.New(ctx, &cfg.Telemetry, telemetry.BuildInfo{Version: version}, os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Logger.Info("starting")
//	tel.Metrics.RecordAssignment("checkout-button", "assigned")
//	ctx, span := tel.Tracer.Start(ctx, "cohort.store.refresh")
//	defer span.End()
package telemetry
