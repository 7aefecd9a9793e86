// Package tracing provides OpenTelemetry tracing for Cohort.
//
// # Overview
//
// When telemetry.tracing.enabled is set, New installs an SDK tracer
// provider that batches spans to an OTLP gRPC collector and registers the
// W3C trace context and baggage propagators. Otherwise a noop tracer is
// returned, and a nil *Tracer behaves the same way.
//
// Spans are created around the operations that do I/O:
//
//   - cohort.store.refresh: full reload of servable experiments
//   - cohort.store.apply: one push update
//   - cohort.recorder.flush: one batch write of exposures or conversions
//   - cohort.lifecycle.<action>: a persisted lifecycle operation
//   - cohort.retention.prune: one retention run
//
// The assignment hot path is not traced.
//
// # Usage
//
//	tracer, err := tracing.New(ctx, &cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "cohort.recorder.flush")
//	tracing.SetBatchAttributes(span, "exposure", len(batch))
//	err := storage.WriteExposures(ctx, batch)
//	tracing.End(span, err)
//
// # Sampling Strategies
//
//   - always: Sample all traces
//   - never: Sample no traces
//   - ratio: Sample sample_ratio of new traces
//
// # Propagation
//
// HTTPMiddleware extracts traceparent headers from API requests.
// CarrierFromContext and ContextWithCarrier carry trace context inside push update
// messages so that a lifecycle change and the resulting store updates on
// other instances share a trace.
package tracing
