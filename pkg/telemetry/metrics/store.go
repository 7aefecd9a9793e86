package metrics

import (
	"time"

	"mercator-hq/cohort/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics tracks the experiment store and lifecycle changes.
//
// Metrics:
//   - cohort_engine_store_refreshes_total: Full reloads by result
//   - cohort_engine_store_refresh_duration_seconds: Full reload latency
//   - cohort_engine_push_updates_total: Push updates by operation and result
//   - cohort_engine_cached_experiments: Servable experiments in memory
//   - cohort_engine_lifecycle_transitions_total: Lifecycle actions by result
type StoreMetrics struct {
	refreshesTotal    *prometheus.CounterVec
	refreshDuration   prometheus.Histogram
	pushUpdatesTotal  *prometheus.CounterVec
	cachedExperiments prometheus.Gauge
	transitionsTotal  *prometheus.CounterVec
}

// NewStoreMetrics creates and registers store metrics with the provided registry.
func NewStoreMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *StoreMetrics {
	sm := &StoreMetrics{
		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "store_refreshes_total",
				Help:      "Total number of experiment store reloads",
			},
			[]string{"result"},
		),

		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "store_refresh_duration_seconds",
				Help:      "Duration of experiment store reloads in seconds",
				Buckets:   cfg.FlushDurationBuckets,
			},
		),

		pushUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "push_updates_total",
				Help:      "Total number of push updates applied to the experiment store",
			},
			[]string{"op", "result"},
		),

		cachedExperiments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cached_experiments",
				Help:      "Current number of servable experiments held in memory",
			},
		),

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "lifecycle_transitions_total",
				Help:      "Total number of lifecycle operations by action and result",
			},
			[]string{"action", "result"},
		),
	}

	registry.MustRegister(
		sm.refreshesTotal,
		sm.refreshDuration,
		sm.pushUpdatesTotal,
		sm.cachedExperiments,
		sm.transitionsTotal,
	)

	return sm
}

// RecordRefresh records one full reload.
func (sm *StoreMetrics) RecordRefresh(result string, duration time.Duration) {
	sm.refreshesTotal.WithLabelValues(result).Inc()
	sm.refreshDuration.Observe(duration.Seconds())
}

// RecordPushUpdate counts one push update.
func (sm *StoreMetrics) RecordPushUpdate(op, result string) {
	sm.pushUpdatesTotal.WithLabelValues(op, result).Inc()
}

// UpdateCachedExperiments sets the in-memory experiment gauge.
func (sm *StoreMetrics) UpdateCachedExperiments(n int) {
	sm.cachedExperiments.Set(float64(n))
}

// RecordTransition counts one lifecycle operation.
func (sm *StoreMetrics) RecordTransition(action, result string) {
	sm.transitionsTotal.WithLabelValues(action, result).Inc()
}
