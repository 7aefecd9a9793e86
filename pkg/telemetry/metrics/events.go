package metrics

import (
	"time"

	"mercator-hq/cohort/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks the event recorder and event retention.
//
// Metrics:
//   - cohort_engine_events_queued_total: Events accepted into a buffer
//   - cohort_engine_events_dropped_total: Events discarded, by reason
//   - cohort_engine_flushes_total: Batch writes by kind and result
//   - cohort_engine_flush_duration_seconds: Batch write latency
//   - cohort_engine_flush_batch_size: Events per batch write
//   - cohort_engine_buffer_depth: Events waiting in each buffer
//   - cohort_engine_events_pruned_total: Events deleted by retention
type EventMetrics struct {
	queuedTotal   *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	flushesTotal  *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	batchSize     *prometheus.HistogramVec
	bufferDepth   *prometheus.GaugeVec
	prunedTotal   *prometheus.CounterVec
}

// NewEventMetrics creates and registers event metrics with the provided registry.
func NewEventMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *EventMetrics {
	em := &EventMetrics{
		queuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "events_queued_total",
				Help:      "Total number of events accepted by the recorder",
			},
			[]string{"kind", "experiment_id"},
		),

		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "events_dropped_total",
				Help:      "Total number of events discarded by the recorder",
			},
			[]string{"kind", "reason"},
		),

		flushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "flushes_total",
				Help:      "Total number of batch writes",
			},
			[]string{"kind", "result"},
		),

		flushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "flush_duration_seconds",
				Help:      "Duration of batch writes in seconds",
				Buckets:   cfg.FlushDurationBuckets,
			},
			[]string{"kind"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "flush_batch_size",
				Help:      "Number of events per batch write",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to 16384
			},
			[]string{"kind"},
		),

		bufferDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "buffer_depth",
				Help:      "Current number of events waiting to be written",
			},
			[]string{"kind"},
		),

		prunedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "events_pruned_total",
				Help:      "Total number of events deleted by retention",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		em.queuedTotal,
		em.droppedTotal,
		em.flushesTotal,
		em.flushDuration,
		em.batchSize,
		em.bufferDepth,
		em.prunedTotal,
	)

	return em
}

// RecordQueued counts one accepted event.
func (em *EventMetrics) RecordQueued(kind, experimentID string) {
	em.queuedTotal.WithLabelValues(kind, experimentID).Inc()
}

// RecordDropped counts discarded events.
func (em *EventMetrics) RecordDropped(kind, reason string, n int) {
	em.droppedTotal.WithLabelValues(kind, reason).Add(float64(n))
}

// RecordFlush records one batch write.
func (em *EventMetrics) RecordFlush(kind, result string, size int, duration time.Duration) {
	em.flushesTotal.WithLabelValues(kind, result).Inc()
	em.flushDuration.WithLabelValues(kind).Observe(duration.Seconds())
	em.batchSize.WithLabelValues(kind).Observe(float64(size))
}

// UpdateBufferDepth sets the buffer gauge for kind.
func (em *EventMetrics) UpdateBufferDepth(kind string, depth int) {
	em.bufferDepth.WithLabelValues(kind).Set(float64(depth))
}

// RecordPruned counts events deleted by retention.
func (em *EventMetrics) RecordPruned(kind string, n int64) {
	em.prunedTotal.WithLabelValues(kind).Add(float64(n))
}
