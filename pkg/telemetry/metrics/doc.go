// Package metrics provides Prometheus metrics collection for Cohort.
//
// # Metrics Categories
//
//   - Assignment Metrics: assignment requests by outcome, cache hits and size
//   - Event Metrics: queued, dropped and pruned events, batch writes, buffer depth
//   - Store Metrics: reloads, push updates, servable experiments, lifecycle actions
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//
//	collector.RecordAssignment("checkout-button", "assigned")
//	collector.RecordFlush(metrics.KindExposure, metrics.ResultSuccess, 100, 4*time.Millisecond)
//	collector.UpdateBufferDepth(metrics.KindConversion, 12)
//
// A nil *Collector is valid and records nothing.
//
// # Cardinality Management
//
// Experiment ids are used as label values. After 1000 distinct ids further
// experiments are reported as "other".
//
// # Prometheus Endpoint
//
//	# HELP cohort_engine_assignments_total Total number of assignment requests by outcome
//	# TYPE cohort_engine_assignments_total counter
//	cohort_engine_assignments_total{experiment_id="checkout-button",outcome="assigned"} 1234
package metrics
