package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/telemetry/health"

	"github.com/jonboulle/clockwork"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Retention.Enabled = false
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, WithClock(clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func checkout(id string) *experiment.Experiment {
	return &experiment.Experiment{
		ID:   id,
		Name: "Checkout button",
		Variants: []experiment.Variant{
			{ID: "control", Name: "Blue", Weight: 50, IsControl: true},
			{ID: "green", Name: "Green", Weight: 50},
		},
	}
}

func launch(t *testing.T, e *Engine, exp *experiment.Experiment) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}
	if _, err := e.StartExperiment(ctx, exp.ID); err != nil {
		t.Fatalf("StartExperiment() error = %v", err)
	}
}

func count(t *testing.T, e *Engine, kind events.Kind) int64 {
	t.Helper()
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	n, err := e.Events().Count(context.Background(), &events.Query{Kind: kind})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	return n
}

func TestEngine_AssignmentScenario(t *testing.T) {
	e := newEngine(t, memoryConfig())
	launch(t, e, checkout("exp1"))

	ctx := experiment.UserContext{UserID: "user-42"}
	first := e.GetAssignment("exp1", ctx)
	if !first.InExperiment {
		t.Fatalf("expected user-42 in exp1, got reason %q", first.Reason)
	}
	for i := 0; i < 2; i++ {
		if got := e.GetAssignment("exp1", ctx); got.VariantID != first.VariantID {
			t.Fatalf("call %d variant = %s, want %s", i+2, got.VariantID, first.VariantID)
		}
	}
	if !first.Flags["experiment:exp1"] || !first.Flags["variant:"+first.VariantID] {
		t.Errorf("missing derived flags: %v", first.Flags)
	}

	if n := count(t, e, events.KindExposure); n != 1 {
		t.Errorf("exposures = %d, want 1", n)
	}
}

func TestEngine_DraftAndPausedAreNotServed(t *testing.T) {
	e := newEngine(t, memoryConfig())
	ctx := context.Background()

	if _, err := e.CreateExperiment(ctx, checkout("exp1")); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}
	subject := experiment.UserContext{UserID: "u1"}
	if got := e.GetAssignment("exp1", subject); got.InExperiment || got.Reason != experiment.ReasonNotFound {
		t.Errorf("draft assignment = %+v, want not_found", got)
	}

	if _, err := e.StartExperiment(ctx, "exp1"); err != nil {
		t.Fatalf("StartExperiment() error = %v", err)
	}
	if got := e.GetAssignment("exp1", subject); !got.InExperiment {
		t.Fatalf("running assignment = %+v, want in experiment", got)
	}

	if _, err := e.PauseExperiment(ctx, "exp1"); err != nil {
		t.Fatalf("PauseExperiment() error = %v", err)
	}
	if got := e.GetAssignment("exp1", subject); got.InExperiment || got.Reason != experiment.ReasonNotRunning {
		t.Errorf("paused assignment = %+v, want not_running", got)
	}

	if _, err := e.ResumeExperiment(ctx, "exp1"); err != nil {
		t.Fatalf("ResumeExperiment() error = %v", err)
	}
	if _, err := e.CompleteExperiment(ctx, "exp1"); err != nil {
		t.Fatalf("CompleteExperiment() error = %v", err)
	}
	if got := e.GetAssignment("exp1", subject); got.InExperiment {
		t.Errorf("completed assignment = %+v, want not in experiment", got)
	}
	if _, err := e.StartExperiment(ctx, "exp1"); err == nil {
		t.Error("StartExperiment() on completed experiment succeeded")
	}
}

func TestEngine_ConversionGating(t *testing.T) {
	e := newEngine(t, memoryConfig())
	launch(t, e, checkout("exp1"))

	value := 42.5
	assigned := experiment.UserContext{UserID: "assigned"}
	e.GetAssignment("exp1", assigned)

	e.TrackConversion("exp1", "purchase", assigned, &value, nil)
	e.TrackConversion("exp1", "purchase", experiment.UserContext{UserID: "stranger"}, &value, nil)
	e.TrackConversion("missing", "purchase", assigned, &value, nil)

	if n := count(t, e, events.KindConversion); n != 1 {
		t.Fatalf("conversions = %d, want 1", n)
	}

	records, err := e.QueryEvents(context.Background(), &events.Query{Kind: events.KindConversion})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	got := records[0]
	if got.UserID != "assigned" || got.MetricID != "purchase" || got.Value == nil || *got.Value != value {
		t.Errorf("unexpected conversion %+v", got)
	}
	if got.Revenue != nil {
		t.Errorf("Revenue = %v, want nil", *got.Revenue)
	}
}

func TestEngine_UpdateInvalidatesAssignments(t *testing.T) {
	e := newEngine(t, memoryConfig())
	launch(t, e, checkout("exp1"))
	ctx := context.Background()

	subject := experiment.UserContext{UserID: "u1"}
	before := e.GetAssignment("exp1", subject)

	// Send everyone to the variant the subject did not get.
	next := checkout("exp1")
	for i := range next.Variants {
		if next.Variants[i].ID == before.VariantID {
			next.Variants[i].Weight = 0
		} else {
			next.Variants[i].Weight = 100
		}
	}
	if _, err := e.UpdateExperiment(ctx, next); err != nil {
		t.Fatalf("UpdateExperiment() error = %v", err)
	}

	after := e.GetAssignment("exp1", subject)
	if after.VariantID == before.VariantID {
		t.Errorf("assignment not recomputed after update: still %s", after.VariantID)
	}
}

func TestEngine_Explain(t *testing.T) {
	e := newEngine(t, memoryConfig())
	ctx := context.Background()
	if _, err := e.CreateExperiment(ctx, checkout("exp1")); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}

	got, err := e.Explain(ctx, "exp1", experiment.UserContext{UserID: "user-42"})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if !got.Eligible || got.VariantID == "" {
		t.Errorf("Explain() = %+v, want eligible with a variant", got)
	}

	if _, err := e.Explain(ctx, "missing", experiment.UserContext{UserID: "u"}); !errors.Is(err, experiment.ErrNotFound) {
		t.Errorf("Explain(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEngine_ListExperiments(t *testing.T) {
	e := newEngine(t, memoryConfig())
	ctx := context.Background()

	launch(t, e, checkout("running"))
	if _, err := e.CreateExperiment(ctx, checkout("draft")); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}

	all, err := e.ListExperiments(ctx, repository.ListFilter{})
	if err != nil {
		t.Fatalf("ListExperiments() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	running, err := e.ListExperiments(ctx, repository.ListFilter{Statuses: []experiment.Status{experiment.StatusRunning}})
	if err != nil {
		t.Fatalf("ListExperiments() error = %v", err)
	}
	if len(running) != 1 || running[0].ID != "running" {
		t.Errorf("running = %v, want [running]", running)
	}
}

func TestEngine_SQLitePersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Retention.Enabled = false
	cfg.Storage.Experiments.Path = filepath.Join(dir, "experiments.db")
	cfg.Storage.Events.Path = filepath.Join(dir, "events.db")

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	launch(t, e, checkout("exp1"))
	first := e.GetAssignment("exp1", experiment.UserContext{UserID: "user-42"})
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A restarted engine serves the running experiment from disk, assigns
	// the same variant and still holds the exposure written on shutdown.
	e2 := newEngine(t, cfg)
	again := e2.GetAssignment("exp1", experiment.UserContext{UserID: "user-42"})
	if again.VariantID != first.VariantID {
		t.Errorf("variant after restart = %s, want %s", again.VariantID, first.VariantID)
	}
	if n := count(t, e2, events.KindExposure); n != 2 {
		t.Errorf("exposures = %d, want 2 (one per process)", n)
	}
}

func TestEngine_HealthChecks(t *testing.T) {
	e := newEngine(t, memoryConfig())

	checker := health.New(time.Second)
	e.RegisterHealthChecks(checker)

	status := checker.CheckReadiness(context.Background())
	if !status.Ready() {
		t.Errorf("readiness = %+v, want ready", status)
	}
}

func TestNew_UnsupportedBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Backend = "postgres"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
