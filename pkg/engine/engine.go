package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mercator-hq/cohort/pkg/assignment"
	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/events/recorder"
	"mercator-hq/cohort/pkg/events/retention"
	"mercator-hq/cohort/pkg/events/storage"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/bucketing"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/lifecycle"
	"mercator-hq/cohort/pkg/store"
	"mercator-hq/cohort/pkg/telemetry/health"
	"mercator-hq/cohort/pkg/telemetry/metrics"
	"mercator-hq/cohort/pkg/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger passed to every component. A nil logger keeps
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock passed to every component.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMetrics sets the metrics collector passed to every component.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer passed to every component.
func WithTracer(t *tracing.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRepository uses repo for experiment definitions instead of opening
// the configured backend. The engine closes it on Close.
func WithRepository(repo repository.Repository) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithEventStorage uses s for events instead of opening the configured
// backend. The engine closes it on Close.
func WithEventStorage(s events.Storage) Option {
	return func(e *Engine) { e.events = s }
}

// WithFeed adds a push feed consumed by the store.
func WithFeed(f store.Feed) Option {
	return func(e *Engine) { e.feeds = append(e.feeds, f) }
}

// WithPublisher sets where local experiment changes are published.
func WithPublisher(p store.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine is the facade over the allocation and event-recording components.
//
// GetAssignment and TrackConversion are the two runtime contracts; both
// read only in-memory state and never fail. The management methods go
// through the lifecycle manager.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.Collector
	tracer  *tracing.Tracer

	repo      repository.Repository
	events    events.Storage
	feeds     []store.Feed
	publisher store.Publisher
	redis     *redis.Client
	redisFeed *store.RedisFeed

	store    *store.Store
	cache    *assignment.Cache
	resolver *assignment.Resolver
	recorder *recorder.Recorder
	pruner   *retention.Pruner
	manager  *lifecycle.Manager

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds an engine from cfg. Backends not supplied through options are
// opened from the storage section; the push feed is built from the store
// section. Call Start to load experiments and run background tasks.
func New(cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}

	defer func() {
		if err != nil {
			e.closeBackends()
		}
	}()

	if e.repo == nil {
		if e.repo, err = OpenRepository(cfg.Storage); err != nil {
			return nil, err
		}
	}
	if e.events == nil {
		if e.events, err = OpenEventStorage(cfg.Storage, e.logger); err != nil {
			return nil, err
		}
	}
	if err = e.setupFeed(cfg.Store.Feed); err != nil {
		return nil, err
	}

	e.store = store.New(e.repo,
		store.WithLogger(e.logger),
		store.WithClock(e.clock),
		store.WithMetrics(e.metrics),
		store.WithTracer(e.tracer),
		store.WithRefreshInterval(cfg.Store.RefreshInterval),
	)

	e.cache = assignment.NewCache(cfg.Assignment.TTL, cfg.Assignment.CleanupInterval)

	recorderCfg := recorder.FromConfig(cfg.Recorder)
	if len(recorderCfg.RedactKeys) == 0 {
		recorderCfg.RedactKeys = cfg.Telemetry.Logging.RedactKeys
	}
	e.recorder = recorder.NewRecorder(e.events, recorderCfg,
		recorder.WithLogger(e.logger),
		recorder.WithClock(e.clock),
		recorder.WithMetrics(e.metrics),
		recorder.WithTracer(e.tracer),
		recorder.WithAssignmentLookup(e.cache),
	)

	e.resolver = assignment.NewResolver(e.store, e.cache,
		assignment.WithRecorder(e.recorder),
		assignment.WithStrategies(bucketing.NewRegistry(e.logger)),
		assignment.WithLogger(e.logger),
		assignment.WithClock(e.clock),
		assignment.WithMetrics(e.metrics),
	)
	e.store.OnChange(e.resolver.Invalidate)

	e.pruner = retention.NewPruner(e.events, retention.FromConfig(cfg.Retention),
		retention.WithLogger(e.logger),
		retention.WithClock(e.clock),
		retention.WithMetrics(e.metrics),
	)

	e.manager = lifecycle.NewManager(e.repo,
		lifecycle.WithStore(e.store),
		lifecycle.WithPublisher(e.publisher),
		lifecycle.WithLogger(e.logger),
		lifecycle.WithClock(e.clock),
		lifecycle.WithMetrics(e.metrics),
		lifecycle.WithTracer(e.tracer),
	)

	return e, nil
}

// OpenRepository opens the experiment repository selected by cfg.Backend.
func OpenRepository(cfg config.StorageConfig) (repository.Repository, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return repository.NewMemoryRepository(), nil
	case config.BackendSQLite, "":
		repo, err := repository.NewSQLiteRepository(repository.SQLiteConfig{
			DBPath:      cfg.Experiments.Path,
			BusyTimeout: cfg.Experiments.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open experiments database: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// OpenEventStorage opens the event storage selected by cfg.Backend.
func OpenEventStorage(cfg config.StorageConfig, logger *slog.Logger) (events.Storage, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStorage(), nil
	case config.BackendSQLite, "":
		s, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:         cfg.Events.Path,
			MaxOpenConns: cfg.Events.MaxOpenConns,
			MaxIdleConns: cfg.Events.MaxIdleConns,
			WALMode:      cfg.Events.WALMode,
			BusyTimeout:  cfg.Events.BusyTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open events database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func (e *Engine) setupFeed(cfg config.FeedConfig) error {
	switch cfg.Type {
	case config.FeedNone, "":
		return nil
	case config.FeedRedis:
		client, err := store.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return err
		}
		instanceID := uuid.NewString()
		e.redis = client
		e.redisFeed = store.NewRedisFeed(client, cfg.Redis.Channel, instanceID, e.logger)
		e.feeds = append(e.feeds, e.redisFeed)
		if cfg.Redis.Publish && e.publisher == nil {
			e.publisher = store.NewRedisPublisher(client, cfg.Redis.Channel, instanceID)
		}
		return nil
	case config.FeedFile:
		feed, err := store.NewFileFeed(store.FileFeedOptions{
			Dir:      cfg.File.Dir,
			Debounce: cfg.File.Debounce,
			Clock:    e.clock,
			Logger:   e.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create file feed: %w", err)
		}
		e.feeds = append(e.feeds, feed)
		return nil
	default:
		return fmt.Errorf("unsupported feed type: %s", cfg.Type)
	}
}

// Start loads experiments and launches the background tasks: store refresh,
// feed consumers, the recorder flush loop and the retention scheduler.
// They stop when ctx is cancelled or Close is called.
//
// A failed initial load is logged, not returned: assignments fail open
// until a later refresh succeeds and readiness reports the store as not
// loaded.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)

		if loadErr := e.store.Load(ctx); loadErr != nil {
			e.logger.Warn("Initial experiment load failed", "error", loadErr)
		}

		e.run(func() { _ = e.store.Run(ctx) })
		for _, feed := range e.feeds {
			e.run(func() {
				if err := e.store.Consume(ctx, feed); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Error("Experiment feed stopped", "error", err)
				}
			})
		}

		e.recorder.Start(ctx)

		if e.cfg.Retention.Enabled {
			if startErr := e.pruner.Start(ctx); startErr != nil {
				err = fmt.Errorf("failed to start retention scheduler: %w", startErr)
				return
			}
			if next := e.pruner.NextPruning(); next != nil {
				e.logger.Debug("Event retention scheduler started", "next_pruning", next)
			}
		}

		e.logger.Info("Engine started",
			"experiments", e.store.Len(),
			"feeds", len(e.feeds),
		)
	})
	return err
}

func (e *Engine) run(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Close stops background tasks, flushes buffered events within the
// recorder's shutdown timeout and releases the backends.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.closeOnce.Do(func() {
		e.pruner.Stop()
		if err := e.recorder.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		errs = append(errs, e.closeBackends())
		e.logger.Info("Engine stopped")
	})
	return errors.Join(errs...)
}

func (e *Engine) closeBackends() error {
	var errs []error
	for _, feed := range e.feeds {
		if err := feed.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close feed: %w", err))
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if e.events != nil {
		if err := e.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events storage: %w", err))
		}
	}
	if e.repo != nil {
		if err := e.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close experiments repository: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GetAssignment returns the subject's assignment for the experiment. It
// never fails; see assignment.Resolver.GetOrCompute.
func (e *Engine) GetAssignment(experimentID string, ctx experiment.UserContext) experiment.Assignment {
	return e.resolver.GetOrCompute(experimentID, ctx)
}

// TrackConversion records a conversion for a subject already assigned in
// the experiment. Conversions from subjects without an in-experiment
// assignment are dropped silently.
func (e *Engine) TrackConversion(experimentID, metricID string, ctx experiment.UserContext, value, revenue *float64) {
	e.recorder.RecordConversion(experimentID, metricID, ctx, value, revenue)
}

// CreateExperiment persists a new draft experiment.
func (e *Engine) CreateExperiment(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error) {
	return e.manager.Create(ctx, exp)
}

// UpdateExperiment replaces an experiment's definition.
func (e *Engine) UpdateExperiment(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error) {
	return e.manager.Update(ctx, exp)
}

// StartExperiment moves a draft experiment to running.
func (e *Engine) StartExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.manager.Start(ctx, id)
}

// PauseExperiment moves a running experiment to paused.
func (e *Engine) PauseExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.manager.Pause(ctx, id)
}

// ResumeExperiment moves a paused experiment back to running.
func (e *Engine) ResumeExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.manager.Resume(ctx, id)
}

// CompleteExperiment ends an experiment.
func (e *Engine) CompleteExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.manager.Complete(ctx, id)
}

// TransitionExperiment applies a lifecycle action by name.
func (e *Engine) TransitionExperiment(ctx context.Context, id string, action experiment.Action) (*experiment.Experiment, error) {
	return e.manager.Transition(ctx, id, action)
}

// GetExperiment returns the stored experiment, whatever its status.
func (e *Engine) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.manager.Get(ctx, id)
}

// ListExperiments returns stored experiments matching filter.
func (e *Engine) ListExperiments(ctx context.Context, filter repository.ListFilter) ([]*experiment.Experiment, error) {
	return e.manager.List(ctx, filter)
}

// Explain reports how the subject would be bucketed in the stored
// experiment, without assigning or recording anything.
func (e *Engine) Explain(ctx context.Context, experimentID string, uctx experiment.UserContext) (assignment.Explanation, error) {
	exp, err := e.manager.Get(ctx, experimentID)
	if err != nil {
		return assignment.Explanation{}, err
	}
	return e.resolver.Explain(exp, uctx), nil
}

// QueryEvents returns recorded events matching q.
func (e *Engine) QueryEvents(ctx context.Context, q *events.Query) ([]*events.Record, error) {
	return e.events.Query(ctx, q)
}

// Prune applies the retention policy once.
func (e *Engine) Prune(ctx context.Context) (retention.Result, error) {
	return e.pruner.Prune(ctx)
}

// Flush writes buffered events now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.recorder.Flush(ctx)
}

// Events returns the event storage backend.
func (e *Engine) Events() events.Storage {
	return e.events
}

// RegisterHealthChecks adds the engine's readiness checks to checker.
func (e *Engine) RegisterHealthChecks(checker *health.Checker) {
	checker.RegisterCheck("experiments_db", e.repo.Ping)
	checker.RegisterCheck("events_db", e.events.Ping)
	checker.RegisterCheck("experiment_store", e.store.Ready)
	if e.redisFeed != nil {
		checker.RegisterOptional("redis_feed", e.redisFeed.Ping)
	}
}
