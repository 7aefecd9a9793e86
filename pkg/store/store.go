package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/telemetry/metrics"
	"mercator-hq/cohort/pkg/telemetry/tracing"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotLoaded is returned by Ready until the first successful Load.
var ErrNotLoaded = errors.New("experiment store not loaded")

// ErrMalformedUpdate is returned by Apply for updates that cannot be
// interpreted at all.
var ErrMalformedUpdate = errors.New("malformed experiment update")

// Store is the in-memory set of servable (running or paused) experiments.
//
// Reads never block on I/O. Load replaces the whole map at once; Apply
// merges or evicts a single entry. Entries are never modified in place, so
// a pointer returned by Get stays consistent after later writes.
//
// An entry applied while a Load is reading the repository wins over that
// Load's snapshot unless the snapshot holds a newer version.
type Store struct {
	repo     repository.Repository
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   *tracing.Tracer

	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
	loaded      bool
	lastLoad    time.Time
	lastErr     error

	// gen counts applied writes. touched records the gen and version of the
	// last write per id until a Load that started after it completes.
	gen     uint64
	touched map[string]touch
	loadMu  sync.Mutex

	obsMu     sync.RWMutex
	observers []func(id string)
}

type touch struct {
	gen     uint64
	version int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock driving the refresh loop.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithRefreshInterval sets the refresh period used by Run.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates an empty store backed by repo. Call Load before serving.
func New(repo repository.Repository, opts ...Option) *Store {
	s := &Store{
		repo:        repo,
		interval:    config.DefaultStoreRefreshInterval,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		experiments: make(map[string]*experiment.Experiment),
		touched:     make(map[string]touch),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Get returns the cached experiment with the given id. The returned value
// must not be modified.
func (s *Store) Get(id string) (*experiment.Experiment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	return exp, ok
}

// List returns every cached experiment ordered by id.
func (s *Store) List() []*experiment.Experiment {
	s.mu.RLock()
	out := make([]*experiment.Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		out = append(out, exp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of cached experiments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.experiments)
}

// OnChange registers fn to be called with the id of every experiment whose
// cached definition changed or was evicted. Observers run synchronously
// after the store lock is released.
func (s *Store) OnChange(fn func(id string)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(ids []string) {
	if len(ids) == 0 {
		return
	}

	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, id := range ids {
		for _, fn := range observers {
			fn(id)
		}
	}
}

// Load fetches all running and paused experiments and atomically replaces
// the cached set. On error the current set is kept.
func (s *Store) Load(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "cohort.store.refresh")
	defer func() { tracing.End(span, err) }()

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	start := s.clock.Now()

	s.mu.RLock()
	startGen := s.gen
	s.mu.RUnlock()

	exps, err := s.repo.List(ctx, repository.Servable)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		s.metrics.RecordStoreRefresh(metrics.ResultError, s.clock.Since(start))
		s.logger.Error("Experiment refresh failed; keeping current definitions",
			"error", err,
			"cached", s.Len(),
		)
		return fmt.Errorf("failed to refresh experiments: %w", err)
	}

	next := make(map[string]*experiment.Experiment, len(exps))
	for _, exp := range exps {
		if verr := experiment.Validate(exp); verr != nil {
			s.logger.Warn("Skipping invalid stored experiment",
				"experiment_id", exp.ID,
				"error", verr,
			)
			continue
		}
		next[exp.ID] = exp
	}

	s.mu.Lock()
	kept := s.keepAppliedLocked(next, startGen)
	changedIDs := diff(s.experiments, next)
	s.experiments = next
	s.loaded = true
	s.lastLoad = s.clock.Now()
	s.lastErr = nil
	s.mu.Unlock()

	span.SetAttributes(attribute.Int(tracing.AttrExperiments, len(next)))
	s.metrics.RecordStoreRefresh(metrics.ResultSuccess, s.clock.Since(start))
	s.metrics.UpdateCachedExperiments(len(next))

	s.logger.Debug("Experiments refreshed",
		"count", len(next),
		"changed", len(changedIDs),
		"kept_applied", kept,
		"duration_ms", s.clock.Since(start).Milliseconds(),
	)

	s.notify(changedIDs)
	return nil
}

// keepAppliedLocked overrides snapshot entries with writes applied after
// the snapshot's Load began, and forgets writes the snapshot already
// reflects. It returns the number of entries kept. s.mu must be held.
func (s *Store) keepAppliedLocked(next map[string]*experiment.Experiment, startGen uint64) int {
	kept := 0
	for id, t := range s.touched {
		if t.gen <= startGen {
			delete(s.touched, id)
			continue
		}
		if snap, ok := next[id]; ok && snap.Version > t.version {
			continue
		}
		if cur, ok := s.experiments[id]; ok {
			next[id] = cur
		} else {
			delete(next, id)
		}
		kept++
	}
	return kept
}

// touchLocked records a write to id. s.mu must be held.
func (s *Store) touchLocked(id string, version int) {
	s.gen++
	s.touched[id] = touch{gen: s.gen, version: version}
}

// Run refreshes the store every refresh interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Experiment refresh loop started", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Experiment refresh loop stopped")
			return nil
		case <-ticker.Chan():
			// Errors are logged by Load and the current set is kept.
			_ = s.Load(ctx)
		}
	}
}

// Apply handles a single push update.
//
// Inserts and updates are validated first; an invalid definition is
// rejected and the cached entry, if any, is kept. A definition whose status
// is not running or paused evicts the entry. Updates carrying a lower
// version than the cached entry are ignored.
func (s *Store) Apply(ctx context.Context, u Update) (err error) {
	ctx = tracing.ContextWithCarrier(ctx, u.Trace)
	ctx, span := s.tracer.Start(ctx, "cohort.store.apply")
	span.SetAttributes(attribute.String(tracing.AttrFeedOp, string(u.Op)))
	defer func() { tracing.End(span, err) }()

	id := u.experimentID()
	tracing.SetExperimentAttributes(span, id, "")

	switch u.Op {
	case OpInsert, OpUpdate:
		return s.merge(u)
	case OpDelete:
		if id == "" {
			return s.reject(u, ErrMalformedUpdate, "delete without experiment id")
		}
		s.evict(id, math.MaxInt)
		s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultSuccess)
		return nil
	default:
		return s.reject(u, ErrMalformedUpdate, fmt.Sprintf("unknown op %q", u.Op))
	}
}

func (s *Store) merge(u Update) error {
	if u.Experiment == nil {
		return s.reject(u, ErrMalformedUpdate, "missing experiment definition")
	}
	if u.ID != "" && u.Experiment.ID != "" && u.ID != u.Experiment.ID {
		return s.reject(u, ErrMalformedUpdate, fmt.Sprintf("id %q does not match definition id %q", u.ID, u.Experiment.ID))
	}

	exp := u.Experiment.Clone()
	if exp.ID == "" {
		exp.ID = u.ID
	}

	if err := experiment.Validate(exp); err != nil {
		s.logger.Warn("Rejected experiment update; keeping current definition",
			"experiment_id", exp.ID,
			"op", string(u.Op),
			"error", err,
		)
		s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultInvalid)
		return err
	}

	if !exp.Status.Servable() {
		s.evict(exp.ID, exp.Version)
		s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultSuccess)
		return nil
	}

	s.mu.Lock()
	current, exists := s.experiments[exp.ID]
	if exists && exp.Version < current.Version {
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale experiment update",
			"experiment_id", exp.ID,
			"version", exp.Version,
			"cached_version", current.Version,
		)
		s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultSuccess)
		return nil
	}
	if exists && !changed(current, exp) {
		s.mu.Unlock()
		s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultSuccess)
		return nil
	}
	s.experiments[exp.ID] = exp
	s.touchLocked(exp.ID, exp.Version)
	size := len(s.experiments)
	s.mu.Unlock()

	s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultSuccess)
	s.metrics.UpdateCachedExperiments(size)
	s.logger.Debug("Experiment updated",
		"experiment_id", exp.ID,
		"status", string(exp.Status),
		"version", exp.Version,
	)

	s.notify([]string{exp.ID})
	return nil
}

// evict removes id. version is the version that made it unservable; a
// concurrent Load only brings back a newer one.
func (s *Store) evict(id string, version int) {
	s.mu.Lock()
	_, existed := s.experiments[id]
	delete(s.experiments, id)
	s.touchLocked(id, version)
	size := len(s.experiments)
	s.mu.Unlock()

	if !existed {
		return
	}

	s.metrics.UpdateCachedExperiments(size)
	s.logger.Debug("Experiment evicted", "experiment_id", id)
	s.notify([]string{id})
}

func (s *Store) reject(u Update, err error, reason string) error {
	s.logger.Warn("Dropping malformed experiment update",
		"op", string(u.Op),
		"experiment_id", u.experimentID(),
		"reason", reason,
	)
	s.metrics.RecordPushUpdate(string(u.Op), metrics.ResultInvalid)
	return fmt.Errorf("%s: %w", reason, err)
}

// Consume applies updates from feed until ctx is cancelled or the feed's
// channel closes. Rejected updates are logged and skipped.
func (s *Store) Consume(ctx context.Context, feed Feed) error {
	updates, err := feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to feed: %w", err)
	}

	s.logger.Info("Consuming experiment updates")

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				s.logger.Info("Experiment update feed closed")
				return nil
			}
			_ = s.Apply(ctx, u)
		}
	}
}

// Loaded reports whether at least one Load has succeeded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// LastLoad returns the time of the last successful Load and the error of the
// most recent failed one, if it failed after that.
func (s *Store) LastLoad() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLoad, s.lastErr
}

// Ready is a health check that fails until the first successful Load.
func (s *Store) Ready(ctx context.Context) error {
	if !s.Loaded() {
		return ErrNotLoaded
	}
	return nil
}

// diff returns the ids that are new, changed or gone in next relative to
// prev.
func diff(prev, next map[string]*experiment.Experiment) []string {
	var ids []string
	for id, exp := range next {
		if old, ok := prev[id]; !ok || changed(old, exp) {
			ids = append(ids, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func changed(old, next *experiment.Experiment) bool {
	return old.Version != next.Version ||
		old.Status != next.Status ||
		!old.UpdatedAt.Equal(next.UpdatedAt)
}
