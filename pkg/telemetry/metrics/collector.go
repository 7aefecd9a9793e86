package metrics

import (
	"sync"
	"time"

	"mercator-hq/cohort/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// Event kinds used as label values.
const (
	KindExposure   = "exposure"
	KindConversion = "conversion"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultInvalid = "invalid"
)

// OtherExperiment replaces experiment ids once the cardinality limit is hit.
const OtherExperiment = "other"

// Collector owns every Prometheus metric exported by Cohort.
//
// All methods are safe to call on a nil *Collector, which records nothing,
// so components can take an optional collector without guarding each call.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	assignmentMetrics *AssignmentMetrics
	eventMetrics      *EventMetrics
	storeMetrics      *StoreMetrics

	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a new metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a new registry is created.
//
// Example:
//
//	cfg := &config.MetricsConfig{
//		Enabled:   true,
//		Namespace: "cohort",
//		Subsystem: "engine",
//	}
//	collector := metrics.NewCollector(cfg, nil)
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.FlushDurationBuckets) == 0 {
		cfg.FlushDurationBuckets = append([]float64(nil), config.DefaultFlushDurationBuckets...)
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		cardinalityLimiter: NewCardinalityLimiter(1000),
	}

	c.assignmentMetrics = NewAssignmentMetrics(cfg, registry)
	c.eventMetrics = NewEventMetrics(cfg, registry)
	c.storeMetrics = NewStoreMetrics(cfg, registry)

	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// experimentLabel bounds the number of distinct experiment ids exported.
func (c *Collector) experimentLabel(id string) string {
	if c.cardinalityLimiter.Allow(id) {
		return id
	}
	return OtherExperiment
}

// RecordAssignment records the outcome of an assignment request.
//
// Parameters:
//   - experimentID: Experiment identifier
//   - outcome: "assigned", "cached" or the not-in-experiment reason
func (c *Collector) RecordAssignment(experimentID, outcome string) {
	if !c.enabled() {
		return
	}

	c.assignmentMetrics.RecordAssignment(c.experimentLabel(experimentID), outcome)
}

// RecordCacheHit records an assignment cache hit.
func (c *Collector) RecordCacheHit() {
	if !c.enabled() {
		return
	}

	c.assignmentMetrics.RecordHit()
}

// RecordCacheMiss records an assignment cache miss.
func (c *Collector) RecordCacheMiss() {
	if !c.enabled() {
		return
	}

	c.assignmentMetrics.RecordMiss()
}

// UpdateCacheSize sets the number of cached assignments.
func (c *Collector) UpdateCacheSize(size int) {
	if !c.enabled() {
		return
	}

	c.assignmentMetrics.UpdateSize(size)
}

// RecordEventQueued records an event accepted into a recorder buffer.
func (c *Collector) RecordEventQueued(kind, experimentID string) {
	if !c.enabled() {
		return
	}

	c.eventMetrics.RecordQueued(kind, c.experimentLabel(experimentID))
}

// RecordEventsDropped records events discarded by the recorder.
//
// Parameters:
//   - kind: "exposure" or "conversion"
//   - reason: "overflow", "shutdown" or "not_in_experiment"
//   - n: number of events dropped
func (c *Collector) RecordEventsDropped(kind, reason string, n int) {
	if !c.enabled() || n <= 0 {
		return
	}

	c.eventMetrics.RecordDropped(kind, reason, n)
}

// RecordFlush records a batch write.
//
// Parameters:
//   - kind: "exposure" or "conversion"
//   - result: "success" or "error"
//   - size: number of events in the batch
//   - duration: time spent writing the batch
func (c *Collector) RecordFlush(kind, result string, size int, duration time.Duration) {
	if !c.enabled() {
		return
	}

	c.eventMetrics.RecordFlush(kind, result, size, duration)
}

// UpdateBufferDepth sets the number of events waiting in a recorder buffer.
func (c *Collector) UpdateBufferDepth(kind string, depth int) {
	if !c.enabled() {
		return
	}

	c.eventMetrics.UpdateBufferDepth(kind, depth)
}

// RecordEventsPruned records events deleted by retention.
func (c *Collector) RecordEventsPruned(kind string, n int64) {
	if !c.enabled() || n <= 0 {
		return
	}

	c.eventMetrics.RecordPruned(kind, n)
}

// RecordStoreRefresh records a full reload of the experiment store.
func (c *Collector) RecordStoreRefresh(result string, duration time.Duration) {
	if !c.enabled() {
		return
	}

	c.storeMetrics.RecordRefresh(result, duration)
}

// RecordPushUpdate records a push update handled by the experiment store.
//
// Parameters:
//   - op: "insert", "update" or "delete"
//   - result: "success", "invalid" or "error"
func (c *Collector) RecordPushUpdate(op, result string) {
	if !c.enabled() {
		return
	}

	c.storeMetrics.RecordPushUpdate(op, result)
}

// UpdateCachedExperiments sets the number of servable experiments in memory.
func (c *Collector) UpdateCachedExperiments(n int) {
	if !c.enabled() {
		return
	}

	c.storeMetrics.UpdateCachedExperiments(n)
}

// RecordTransition records a lifecycle transition.
func (c *Collector) RecordTransition(action, result string) {
	if !c.enabled() {
		return
	}

	c.storeMetrics.RecordTransition(action, result)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow checks if a label value is allowed. Returns true if the value
// already exists or if we haven't reached the cardinality limit yet.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[labelSet]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
