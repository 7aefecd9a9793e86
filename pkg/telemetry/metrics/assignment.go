package metrics

import (
	"mercator-hq/cohort/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// AssignmentMetrics tracks assignment resolution and the assignment cache.
//
// Metrics:
//   - cohort_engine_assignments_total: Assignment requests by experiment and outcome
//   - cohort_engine_assignment_cache_hits_total: Cache hits
//   - cohort_engine_assignment_cache_misses_total: Cache misses
//   - cohort_engine_assignment_cache_entries: Cached assignments
type AssignmentMetrics struct {
	assignmentsTotal *prometheus.CounterVec
	hitsTotal        prometheus.Counter
	missesTotal      prometheus.Counter
	entries          prometheus.Gauge
}

// NewAssignmentMetrics creates and registers assignment metrics with the provided registry.
func NewAssignmentMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AssignmentMetrics {
	am := &AssignmentMetrics{
		assignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "assignments_total",
				Help:      "Total number of assignment requests by outcome",
			},
			[]string{"experiment_id", "outcome"},
		),

		hitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "assignment_cache_hits_total",
				Help:      "Total number of assignment cache hits",
			},
		),

		missesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "assignment_cache_misses_total",
				Help:      "Total number of assignment cache misses",
			},
		),

		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "assignment_cache_entries",
				Help:      "Current number of cached assignments",
			},
		),
	}

	registry.MustRegister(
		am.assignmentsTotal,
		am.hitsTotal,
		am.missesTotal,
		am.entries,
	)

	return am
}

// RecordAssignment counts one assignment request.
func (am *AssignmentMetrics) RecordAssignment(experimentID, outcome string) {
	am.assignmentsTotal.WithLabelValues(experimentID, outcome).Inc()
}

// RecordHit counts a cache hit.
func (am *AssignmentMetrics) RecordHit() {
	am.hitsTotal.Inc()
}

// RecordMiss counts a cache miss.
func (am *AssignmentMetrics) RecordMiss() {
	am.missesTotal.Inc()
}

// UpdateSize sets the cache entry gauge.
func (am *AssignmentMetrics) UpdateSize(size int) {
	am.entries.Set(float64(size))
}
