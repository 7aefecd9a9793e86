package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Enabled:              true,
		Namespace:            "test",
		Subsystem:            "metrics",
		FlushDurationBuckets: []float64{0.01, 0.1, 1},
	}
}

func TestCollector_NewCollector(t *testing.T) {
	cfg := testConfig()
	registry := prometheus.NewRegistry()

	collector := NewCollector(cfg, registry)

	if collector.Registry() != registry {
		t.Error("collector registry not set correctly")
	}

	defaulted := &config.MetricsConfig{Enabled: true}
	NewCollector(defaulted, nil)
	if defaulted.Namespace != config.DefaultMetricsNamespace || len(defaulted.FlushDurationBuckets) == 0 {
		t.Errorf("expected defaults to be applied, got %+v", defaulted)
	}
}

func TestCollector_RecordAssignment(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.RecordAssignment("exp1", "assigned")
	collector.RecordAssignment("exp1", "assigned")
	collector.RecordAssignment("exp1", "ineligible")

	am := collector.assignmentMetrics
	if got := testutil.ToFloat64(am.assignmentsTotal.WithLabelValues("exp1", "assigned")); got != 2 {
		t.Errorf("expected 2 assigned, got %v", got)
	}
	if got := testutil.ToFloat64(am.assignmentsTotal.WithLabelValues("exp1", "ineligible")); got != 1 {
		t.Errorf("expected 1 ineligible, got %v", got)
	}

	collector.RecordCacheHit()
	collector.RecordCacheMiss()
	collector.RecordCacheMiss()
	collector.UpdateCacheSize(42)

	if got := testutil.ToFloat64(am.hitsTotal); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(am.missesTotal); got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(am.entries); got != 42 {
		t.Errorf("expected 42 entries, got %v", got)
	}
}

func TestCollector_EventMetrics(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.RecordEventQueued(KindExposure, "exp1")
	collector.RecordEventsDropped(KindExposure, "overflow", 3)
	collector.RecordEventsDropped(KindExposure, "overflow", 0)
	collector.RecordFlush(KindExposure, ResultSuccess, 100, 5*time.Millisecond)
	collector.RecordFlush(KindConversion, ResultError, 10, time.Second)
	collector.UpdateBufferDepth(KindConversion, 10)
	collector.RecordEventsPruned(KindConversion, 7)

	em := collector.eventMetrics
	if got := testutil.ToFloat64(em.queuedTotal.WithLabelValues(KindExposure, "exp1")); got != 1 {
		t.Errorf("expected 1 queued, got %v", got)
	}
	if got := testutil.ToFloat64(em.droppedTotal.WithLabelValues(KindExposure, "overflow")); got != 3 {
		t.Errorf("expected 3 dropped, got %v", got)
	}
	if got := testutil.ToFloat64(em.flushesTotal.WithLabelValues(KindExposure, ResultSuccess)); got != 1 {
		t.Errorf("expected 1 successful flush, got %v", got)
	}
	if got := testutil.ToFloat64(em.flushesTotal.WithLabelValues(KindConversion, ResultError)); got != 1 {
		t.Errorf("expected 1 failed flush, got %v", got)
	}
	if got := testutil.ToFloat64(em.bufferDepth.WithLabelValues(KindConversion)); got != 10 {
		t.Errorf("expected depth 10, got %v", got)
	}
	if got := testutil.ToFloat64(em.prunedTotal.WithLabelValues(KindConversion)); got != 7 {
		t.Errorf("expected 7 pruned, got %v", got)
	}
	if n := testutil.CollectAndCount(em.flushDuration); n != 2 {
		t.Errorf("expected 2 flush duration series, got %d", n)
	}
}

func TestCollector_StoreMetrics(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.RecordStoreRefresh(ResultSuccess, 20*time.Millisecond)
	collector.RecordStoreRefresh(ResultError, time.Millisecond)
	collector.RecordPushUpdate("update", ResultInvalid)
	collector.UpdateCachedExperiments(3)
	collector.RecordTransition("start", ResultSuccess)

	sm := collector.storeMetrics
	if got := testutil.ToFloat64(sm.refreshesTotal.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("expected 1 failed refresh, got %v", got)
	}
	if got := testutil.ToFloat64(sm.pushUpdatesTotal.WithLabelValues("update", ResultInvalid)); got != 1 {
		t.Errorf("expected 1 invalid push, got %v", got)
	}
	if got := testutil.ToFloat64(sm.cachedExperiments); got != 3 {
		t.Errorf("expected 3 cached experiments, got %v", got)
	}
	if got := testutil.ToFloat64(sm.transitionsTotal.WithLabelValues("start", ResultSuccess)); got != 1 {
		t.Errorf("expected 1 start, got %v", got)
	}
}

func TestCollector_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	collector := NewCollector(cfg, prometheus.NewRegistry())

	collector.RecordAssignment("exp1", "assigned")
	collector.RecordCacheHit()

	if got := testutil.ToFloat64(collector.assignmentMetrics.hitsTotal); got != 0 {
		t.Errorf("expected no hits when disabled, got %v", got)
	}
	if n := testutil.CollectAndCount(collector.assignmentMetrics.assignmentsTotal); n != 0 {
		t.Errorf("expected no assignment series when disabled, got %d", n)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var collector *Collector

	collector.RecordAssignment("exp1", "assigned")
	collector.RecordFlush(KindExposure, ResultSuccess, 1, time.Millisecond)
	collector.UpdateCachedExperiments(1)

	if collector.Registry() != nil {
		t.Error("expected nil registry")
	}

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from nil collector handler, got %d", rec.Code)
	}
}

func TestCollector_CardinalityLimit(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	collector.cardinalityLimiter = NewCardinalityLimiter(2)

	for i := 0; i < 5; i++ {
		collector.RecordAssignment(fmt.Sprintf("exp%d", i), "assigned")
	}

	series := collector.assignmentMetrics.assignmentsTotal
	if got := testutil.ToFloat64(series.WithLabelValues(OtherExperiment, "assigned")); got != 3 {
		t.Errorf("expected 3 aggregated into other, got %v", got)
	}
	if collector.cardinalityLimiter.Count() != 2 {
		t.Errorf("expected limiter count 2, got %d", collector.cardinalityLimiter.Count())
	}
}

func TestCollector_Handler(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	collector.RecordAssignment("exp1", "assigned")

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), `test_metrics_assignments_total{experiment_id="exp1",outcome="assigned"} 1`) {
		t.Errorf("expected assignment series in output, got:\n%s", body)
	}
}
