package assignment

import (
	"log/slog"

	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/bucketing"
	"mercator-hq/cohort/pkg/experiment/segment"
	"mercator-hq/cohort/pkg/telemetry/metrics"

	"github.com/jonboulle/clockwork"
)

// Outcome labels reported to metrics besides the not-in-experiment reasons.
const (
	OutcomeAssigned = "assigned"
	OutcomeCached   = "cached"
)

// ExperimentSource returns servable experiment definitions without I/O.
// *store.Store implements it.
type ExperimentSource interface {
	Get(id string) (*experiment.Experiment, bool)
}

// ExposureRecorder accepts exposure events. *recorder.Recorder implements
// it.
type ExposureRecorder interface {
	RecordExposure(e events.ExposureEvent)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRecorder sets where exposures are sent. Without one exposures are
// not recorded.
func WithRecorder(rec ExposureRecorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// WithStrategies sets the strategy registry used for allocation.
func WithStrategies(reg *bucketing.Registry) Option {
	return func(r *Resolver) {
		if reg != nil {
			r.strategies = reg
		}
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the clock used for exposure timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver turns an (experiment, subject) request into an Assignment.
//
// The hot path reads only in-memory state. A subject's first in-experiment
// assignment is cached and emits exactly one exposure; later calls return
// the cached entry unchanged.
type Resolver struct {
	source     ExperimentSource
	cache      *Cache
	strategies *bucketing.Registry
	recorder   ExposureRecorder
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// NewResolver creates a resolver reading definitions from source and
// caching assignments in cache.
func NewResolver(source ExperimentSource, cache *Cache, opts ...Option) *Resolver {
	r := &Resolver{
		source: source,
		cache:  cache,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "assignment")
	if r.strategies == nil {
		r.strategies = bucketing.NewRegistry(r.logger)
	}
	return r
}

// GetOrCompute returns the subject's assignment for the experiment. It never
// fails: any reason the subject cannot be placed yields a not-in-experiment
// assignment, which is not cached.
func (r *Resolver) GetOrCompute(experimentID string, ctx experiment.UserContext) experiment.Assignment {
	var assignment experiment.Assignment
	for attempt := 0; attempt < maxComputeAttempts; attempt++ {
		var stale bool
		assignment, stale = r.compute(experimentID, ctx)
		if !stale {
			return assignment
		}
		r.logger.Debug("Definition changed during assignment, recomputing",
			"experiment_id", experimentID,
			"attempt", attempt+1,
		)
	}
	// Still racing updates: serve the latest result uncached and without an
	// exposure so the subject is placed again under the settled definition.
	return assignment
}

// maxComputeAttempts bounds how often GetOrCompute recomputes when the
// experiment is invalidated while an assignment is being computed.
const maxComputeAttempts = 3

// compute places the subject once. stale reports that the definition was
// invalidated after it was read, in which case nothing was cached or
// recorded.
func (r *Resolver) compute(experimentID string, ctx experiment.UserContext) (experiment.Assignment, bool) {
	gen := r.cache.Generation(experimentID)
	exp, ok := r.source.Get(experimentID)
	if !ok {
		return r.notIn(experimentID, experiment.ReasonNotFound), false
	}
	if exp.Status != experiment.StatusRunning {
		return r.notIn(experimentID, experiment.ReasonNotRunning), false
	}

	subject := ctx.SubjectID()
	if subject == "" {
		return r.notIn(experimentID, experiment.ReasonNoSubject), false
	}

	if cached, ok := r.cache.Get(experimentID, subject); ok {
		r.metrics.RecordCacheHit()
		r.metrics.RecordAssignment(experimentID, OutcomeCached)
		return cached, false
	}
	r.metrics.RecordCacheMiss()

	if !segment.IsEligible(exp, ctx) {
		return r.notIn(experimentID, experiment.ReasonIneligible), false
	}

	variant := r.strategies.Select(exp, subject)
	if variant == nil {
		return r.notIn(experimentID, experiment.ReasonNoVariants), false
	}

	assignment := experiment.NewAssignment(exp, variant)
	inserted, stale := r.cache.AddAt(assignment, subject, gen)
	if stale {
		return assignment, true
	}
	if !inserted {
		// Another request placed this subject first and emitted the
		// exposure; return its entry.
		if cached, ok := r.cache.Get(experimentID, subject); ok {
			r.metrics.RecordAssignment(experimentID, OutcomeCached)
			return cached, false
		}
		return assignment, false
	}

	r.metrics.RecordAssignment(experimentID, OutcomeAssigned)
	r.metrics.UpdateCacheSize(r.cache.Len())

	if r.recorder != nil {
		r.recorder.RecordExposure(events.NewExposure(assignment, ctx, r.clock.Now()))
	}

	r.logger.Debug("Subject assigned",
		"experiment_id", experimentID,
		"variant_id", variant.ID,
	)
	return assignment, false
}

func (r *Resolver) notIn(experimentID, reason string) experiment.Assignment {
	r.metrics.RecordAssignment(experimentID, reason)
	return experiment.NotInExperiment(experimentID, reason)
}

// Lookup returns the cached assignment of a subject without computing one.
func (r *Resolver) Lookup(experimentID, subjectID string) (experiment.Assignment, bool) {
	return r.cache.Get(experimentID, subjectID)
}

// Invalidate drops every cached assignment of the experiment. It is
// registered as a store observer so definition changes take effect on the
// next request.
func (r *Resolver) Invalidate(experimentID string) {
	if n := r.cache.InvalidateExperiment(experimentID); n > 0 {
		r.logger.Info("Invalidated cached assignments",
			"experiment_id", experimentID,
			"count", n,
		)
		r.metrics.UpdateCacheSize(r.cache.Len())
	}
}

// Explanation describes how a subject would be placed, without caching or
// recording anything.
type Explanation struct {
	ExperimentID string   `json:"experiment_id"`
	SubjectID    string   `json:"subject_id"`
	Bucket       float64  `json:"bucket"`
	Eligible     bool     `json:"eligible"`
	Segments     []string `json:"segments"`
	VariantID    string   `json:"variant_id,omitempty"`
	Cached       bool     `json:"cached"`
}

// Explain evaluates exp for the subject in ctx. exp does not need to be
// running or loaded in the store.
func (r *Resolver) Explain(exp *experiment.Experiment, ctx experiment.UserContext) Explanation {
	subject := ctx.SubjectID()
	e := Explanation{
		ExperimentID: exp.ID,
		SubjectID:    subject,
		Bucket:       bucketing.Bucket(exp.ID, subject, exp.Seed),
		Eligible:     segment.IsEligible(exp, ctx),
		Segments:     segment.Explain(exp, ctx),
	}
	if v := r.strategies.Select(exp, subject); v != nil {
		e.VariantID = v.ID
	}
	if subject != "" {
		_, e.Cached = r.cache.Get(exp.ID, subject)
	}
	return e
}
