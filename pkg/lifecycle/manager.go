package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/store"
	"mercator-hq/cohort/pkg/telemetry/metrics"
	"mercator-hq/cohort/pkg/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Actions recorded for definition writes, alongside the transition actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// ErrCompleted is returned when updating an experiment that has completed.
var ErrCompleted = errors.New("completed experiments cannot be updated")

// Applier receives every persisted change so the next assignment observes
// it. *store.Store implements it.
type Applier interface {
	Apply(ctx context.Context, u store.Update) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the in-memory store notified after each write.
func WithStore(a Applier) Option {
	return func(m *Manager) { m.store = a }
}

// WithPublisher sets the publisher used to tell other instances about local
// changes.
func WithPublisher(p store.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTracer sets the tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Manager owns experiment definitions and their status transitions.
//
// Writes are persisted to the repository first. Only then is the change
// applied to the store and published; a failed write leaves both
// untouched.
type Manager struct {
	repo      repository.Repository
	store     Applier
	publisher store.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
}

// NewManager creates a lifecycle manager persisting to repo.
func NewManager(repo repository.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lifecycle")
	return m
}

// Create validates and persists a new experiment in draft status. An empty
// ID is replaced with a random UUID. The stored definition is returned.
func (m *Manager) Create(ctx context.Context, exp *experiment.Experiment) (created *experiment.Experiment, err error) {
	ctx, span := m.tracer.Start(ctx, "cohort.lifecycle.create")
	defer func() {
		m.metrics.RecordTransition(ActionCreate, resultOf(err))
		tracing.End(span, err)
	}()

	if exp == nil {
		return nil, experiment.Validate(nil)
	}

	created = exp.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	now := m.clock.Now().UTC()
	created.Status = experiment.StatusDraft
	created.StartedAt = nil
	created.EndedAt = nil
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Version = 1
	if created.Strategy == "" {
		created.Strategy = experiment.StrategyFixed
	}
	tracing.SetExperimentAttributes(span, created.ID, "")

	if err := experiment.Validate(created); err != nil {
		return nil, err
	}
	if err := m.repo.Create(ctx, created); err != nil {
		return nil, fmt.Errorf("failed to create experiment %q: %w", created.ID, err)
	}

	m.logger.Info("Experiment created",
		"experiment_id", created.ID,
		"name", created.Name,
		"variants", len(created.Variants),
	)
	m.propagate(ctx, store.OpInsert, created)
	return created.Clone(), nil
}

// Update replaces the definition of an existing experiment. Status and
// lifecycle timestamps are kept from the stored copy. When exp.Version is
// non-zero it must match the stored version or experiment.ErrVersionConflict
// is returned.
func (m *Manager) Update(ctx context.Context, exp *experiment.Experiment) (updated *experiment.Experiment, err error) {
	ctx, span := m.tracer.Start(ctx, "cohort.lifecycle.update")
	defer func() {
		m.metrics.RecordTransition(ActionUpdate, resultOf(err))
		tracing.End(span, err)
	}()

	if exp == nil {
		return nil, experiment.Validate(nil)
	}
	tracing.SetExperimentAttributes(span, exp.ID, "")

	stored, err := m.repo.Get(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	if stored.Status.Terminal() {
		return nil, fmt.Errorf("update %q: %w", exp.ID, ErrCompleted)
	}
	if exp.Version != 0 && exp.Version != stored.Version {
		return nil, fmt.Errorf("update %q at version %d (stored %d): %w",
			exp.ID, exp.Version, stored.Version, experiment.ErrVersionConflict)
	}

	updated = exp.Clone()
	updated.Status = stored.Status
	updated.StartedAt = stored.StartedAt
	updated.EndedAt = stored.EndedAt
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = m.clock.Now().UTC()
	updated.Version = stored.Version + 1
	if updated.Strategy == "" {
		updated.Strategy = experiment.StrategyFixed
	}

	if err := experiment.Validate(updated); err != nil {
		return nil, err
	}
	if err := m.repo.Update(ctx, updated, stored.Version); err != nil {
		return nil, err
	}

	m.logger.Info("Experiment updated",
		"experiment_id", updated.ID,
		"status", string(updated.Status),
		"version", updated.Version,
	)
	m.propagate(ctx, store.OpUpdate, updated)
	return updated.Clone(), nil
}

// Start moves a draft experiment to running.
func (m *Manager) Start(ctx context.Context, id string) (*experiment.Experiment, error) {
	return m.Transition(ctx, id, experiment.ActionStart)
}

// Pause moves a running experiment to paused.
func (m *Manager) Pause(ctx context.Context, id string) (*experiment.Experiment, error) {
	return m.Transition(ctx, id, experiment.ActionPause)
}

// Resume moves a paused experiment back to running.
func (m *Manager) Resume(ctx context.Context, id string) (*experiment.Experiment, error) {
	return m.Transition(ctx, id, experiment.ActionResume)
}

// Complete ends a running or paused experiment. Completed is terminal.
func (m *Manager) Complete(ctx context.Context, id string) (*experiment.Experiment, error) {
	return m.Transition(ctx, id, experiment.ActionComplete)
}

// Transition applies action to the experiment. It returns a
// *experiment.TransitionError when the action is not allowed from the
// current status.
func (m *Manager) Transition(ctx context.Context, id string, action experiment.Action) (exp *experiment.Experiment, err error) {
	ctx, span := m.tracer.Start(ctx, "cohort.lifecycle.transition")
	defer func() {
		m.metrics.RecordTransition(string(action), resultOf(err))
		tracing.End(span, err)
	}()
	tracing.SetExperimentAttributes(span, id, "")

	exp, err = m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := exp.Status
	to, ok := experiment.Next(from, action)
	if !ok {
		return nil, experiment.NewTransitionError(id, from, action)
	}
	tracing.SetTransitionAttributes(span, string(action), string(from), string(to))

	now := m.clock.Now().UTC()
	expected := exp.Version
	exp.Status = to
	exp.UpdatedAt = now
	exp.Version++
	switch action {
	case experiment.ActionStart:
		if exp.StartedAt == nil {
			exp.StartedAt = &now
		}
	case experiment.ActionComplete:
		exp.EndedAt = &now
	}

	if err := m.repo.Update(ctx, exp, expected); err != nil {
		return nil, err
	}

	m.logger.Info("Experiment status changed",
		"experiment_id", id,
		"action", string(action),
		"from", string(from),
		"to", string(to),
		"version", exp.Version,
	)
	m.propagate(ctx, store.OpUpdate, exp)
	return exp.Clone(), nil
}

// Get returns the stored experiment, whatever its status.
func (m *Manager) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	return m.repo.Get(ctx, id)
}

// List returns stored experiments matching filter.
func (m *Manager) List(ctx context.Context, filter repository.ListFilter) ([]*experiment.Experiment, error) {
	return m.repo.List(ctx, filter)
}

// propagate applies a persisted change to the local store and publishes
// it. Failures are logged; the repository already holds the change and the
// next refresh converges.
func (m *Manager) propagate(ctx context.Context, op store.Op, exp *experiment.Experiment) {
	u := store.Update{Op: op, ID: exp.ID, Experiment: exp.Clone()}

	if m.store != nil {
		if err := m.store.Apply(ctx, u); err != nil {
			m.logger.Error("Failed to apply experiment change to store",
				"experiment_id", exp.ID,
				"error", err,
			)
		}
	}

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, u); err != nil {
			m.logger.Warn("Failed to publish experiment change",
				"experiment_id", exp.ID,
				"op", string(op),
				"error", err,
			)
		}
	}
}

func resultOf(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	var verr *experiment.ValidationError
	var terr *experiment.TransitionError
	if errors.As(err, &verr) || errors.As(err, &terr) {
		return metrics.ResultInvalid
	}
	return metrics.ResultError
}
