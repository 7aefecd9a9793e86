package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/telemetry/logging"
	"mercator-hq/cohort/pkg/telemetry/metrics"
	"mercator-hq/cohort/pkg/telemetry/tracing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Drop reasons reported to metrics.
const (
	dropOverflow        = "overflow"
	dropShutdown        = "shutdown"
	dropNotInExperiment = "not_in_experiment"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("recorder closed")

// AssignmentLookup resolves the cached assignment of a subject. Conversions
// are only recorded for subjects already placed in the experiment.
type AssignmentLookup interface {
	Lookup(experimentID, subjectID string) (experiment.Assignment, bool)
}

// Config contains configuration for the event recorder.
type Config struct {
	// BatchSize is the per-buffer event count that triggers a flush.
	// Default: 100
	BatchSize int

	// FlushInterval is how often buffers are flushed regardless of size.
	// Default: 10 seconds
	FlushInterval time.Duration

	// MaxBuffer is the per-buffer capacity. The oldest events are dropped
	// beyond it.
	// Default: 10000
	MaxBuffer int

	// WriteTimeout bounds a single batch write.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// ShutdownTimeout bounds the final flush performed by Close.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	// RedactKeys lists context attribute keys masked before persisting.
	RedactKeys []string
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       config.DefaultRecorderBatchSize,
		FlushInterval:   config.DefaultRecorderFlushInterval,
		MaxBuffer:       config.DefaultRecorderMaxBuffer,
		WriteTimeout:    config.DefaultRecorderWriteTimeout,
		ShutdownTimeout: config.DefaultRecorderShutdownTimeout,
	}
}

// FromConfig converts the recorder section of the application config.
func FromConfig(cfg config.RecorderConfig) *Config {
	c := &Config{
		BatchSize:       cfg.BatchSize,
		FlushInterval:   cfg.FlushInterval,
		MaxBuffer:       cfg.MaxBuffer,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RedactKeys:      append([]string(nil), cfg.RedactKeys...),
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = d.MaxBuffer
	}
	if c.MaxBuffer < c.BatchSize {
		c.MaxBuffer = c.BatchSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the clock driving the flush timer and event timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(r *Recorder) { r.tracer = t }
}

// WithAssignmentLookup sets the lookup used to gate conversions. Without
// one every conversion is dropped.
func WithAssignmentLookup(l AssignmentLookup) Option {
	return func(r *Recorder) { r.lookup = l }
}

// Recorder buffers exposure and conversion events in memory and writes them
// to storage in batches.
//
// Record methods never block on storage. A flush is triggered when a buffer
// reaches BatchSize or every FlushInterval, and writes the whole buffer as
// one batch. A failed batch is put back at the front of its buffer and
// retried on the next trigger.
type Recorder struct {
	storage events.Storage
	lookup  AssignmentLookup
	config  *Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer

	exposures   *buffer[events.ExposureEvent]
	conversions *buffer[events.ConversionEvent]

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRecorder creates a new event recorder writing to storage.
func NewRecorder(storage events.Storage, cfg *Config, opts ...Option) *Recorder {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		cfg = &c
	}
	cfg.applyDefaults()

	r := &Recorder{
		storage:     storage,
		config:      cfg,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		exposures:   newBuffer[events.ExposureEvent](cfg.MaxBuffer, cfg.BatchSize),
		conversions: newBuffer[events.ConversionEvent](cfg.MaxBuffer, cfg.BatchSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "events.recorder")

	r.logger.Info("Event recorder initialized",
		"batch_size", cfg.BatchSize,
		"flush_interval", cfg.FlushInterval,
		"max_buffer", cfg.MaxBuffer,
		"write_timeout", cfg.WriteTimeout,
	)

	return r
}

// Start runs the flush loop in the background until ctx is cancelled or
// Close is called. Calling Start more than once has no effect.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop(ctx)
	})
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.Chan():
			r.flushExposures(ctx)
			r.flushConversions(ctx)
		case <-r.exposures.full:
			r.flushExposures(ctx)
		case <-r.conversions.full:
			r.flushConversions(ctx)
		}
	}
}

// RecordExposure enqueues an exposure. Missing ids and timestamps are
// filled in and the context snapshot is redacted.
func (r *Recorder) RecordExposure(e events.ExposureEvent) {
	if r.closed.Load() {
		r.logger.Warn("Recorder closed, dropping exposure",
			"experiment_id", e.ExperimentID,
			"variant_id", e.VariantID,
		)
		r.metrics.RecordEventsDropped(metrics.KindExposure, dropShutdown, 1)
		return
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now().UTC()
	}
	e.Context = logging.RedactMap(e.Context, r.config.RedactKeys)

	dropped, depth := r.exposures.push(e)
	r.afterPush(metrics.KindExposure, e.ExperimentID, dropped, depth)
}

// RecordConversion enqueues a conversion for a subject already placed in the
// experiment. Subjects with no cached in-experiment assignment are dropped
// silently. It reports whether the conversion was accepted.
func (r *Recorder) RecordConversion(experimentID, metricID string, ctx experiment.UserContext, value, revenue *float64) bool {
	subject := ctx.SubjectID()
	if experimentID == "" || metricID == "" || subject == "" {
		r.logger.Debug("Conversion missing identifiers, dropping",
			"experiment_id", experimentID,
			"metric_id", metricID,
		)
		r.metrics.RecordEventsDropped(metrics.KindConversion, dropNotInExperiment, 1)
		return false
	}

	if r.lookup == nil {
		r.metrics.RecordEventsDropped(metrics.KindConversion, dropNotInExperiment, 1)
		return false
	}
	assignment, ok := r.lookup.Lookup(experimentID, subject)
	if !ok || !assignment.InExperiment {
		r.logger.Debug("Subject not in experiment, dropping conversion",
			"experiment_id", experimentID,
			"metric_id", metricID,
		)
		r.metrics.RecordEventsDropped(metrics.KindConversion, dropNotInExperiment, 1)
		return false
	}

	if r.closed.Load() {
		r.logger.Warn("Recorder closed, dropping conversion",
			"experiment_id", experimentID,
			"metric_id", metricID,
		)
		r.metrics.RecordEventsDropped(metrics.KindConversion, dropShutdown, 1)
		return false
	}

	e := events.NewConversion(assignment, metricID, ctx, value, revenue, r.clock.Now())
	e.Context = logging.RedactMap(e.Context, r.config.RedactKeys)

	dropped, depth := r.conversions.push(e)
	r.afterPush(metrics.KindConversion, experimentID, dropped, depth)
	return true
}

func (r *Recorder) afterPush(kind, experimentID string, dropped, depth int) {
	r.metrics.RecordEventQueued(kind, experimentID)
	r.metrics.UpdateBufferDepth(kind, depth)
	if dropped > 0 {
		r.logger.Warn("Event buffer full, dropped oldest events",
			"kind", kind,
			"dropped", dropped,
			"max_buffer", r.config.MaxBuffer,
		)
		r.metrics.RecordEventsDropped(kind, dropOverflow, dropped)
	}
}

// Flush writes both buffers now. It returns the joined write errors; failed
// batches stay buffered.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return errors.Join(r.flushExposures(ctx), r.flushConversions(ctx))
}

func (r *Recorder) flushExposures(ctx context.Context) error {
	return flush(ctx, r, events.KindExposure, r.exposures, r.storage.WriteExposures)
}

func (r *Recorder) flushConversions(ctx context.Context) error {
	return flush(ctx, r, events.KindConversion, r.conversions, r.storage.WriteConversions)
}

// flush writes the whole buffer as one batch. Only one flush per buffer
// runs at a time.
func flush[T any](ctx context.Context, r *Recorder, kind events.Kind, b *buffer[T], write func(context.Context, []T) error) (err error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.take()
	if len(batch) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "cohort.recorder.flush")
	tracing.SetBatchAttributes(span, string(kind), len(batch))
	defer func() { tracing.End(span, err) }()

	writeCtx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	start := r.clock.Now()
	err = write(writeCtx, batch)
	duration := r.clock.Since(start)

	if err != nil {
		dropped, depth := b.requeue(batch)
		r.logger.Error("Failed to write event batch, will retry",
			"kind", kind,
			"batch_size", len(batch),
			"buffered", depth,
			"error", err,
		)
		r.metrics.RecordFlush(string(kind), metrics.ResultError, len(batch), duration)
		r.metrics.UpdateBufferDepth(string(kind), depth)
		if dropped > 0 {
			r.logger.Warn("Event buffer full after failed write, dropped oldest events",
				"kind", kind,
				"dropped", dropped,
			)
			r.metrics.RecordEventsDropped(string(kind), dropOverflow, dropped)
		}
		return events.NewFlushError(kind, len(batch), err)
	}

	if duration > r.config.WriteTimeout/2 {
		r.logger.Warn("Slow event batch write",
			"kind", kind,
			"batch_size", len(batch),
			"duration", duration,
			"timeout", r.config.WriteTimeout,
		)
	}

	r.logger.Debug("Event batch written",
		"kind", kind,
		"batch_size", len(batch),
		"duration", duration,
	)
	r.metrics.RecordFlush(string(kind), metrics.ResultSuccess, len(batch), duration)
	r.metrics.UpdateBufferDepth(string(kind), b.len())
	return nil
}

// Close stops the flush loop and makes a final attempt to write buffered
// events, bounded by ShutdownTimeout. Events still buffered afterwards are
// dropped and logged. Record calls after Close drop their events.
func (r *Recorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down event recorder",
			"pending_exposures", r.exposures.len(),
			"pending_conversions", r.conversions.len(),
		)

		r.closed.Store(true)
		close(r.done)
		r.wg.Wait()

		flushCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()

		err = errors.Join(r.flushExposures(flushCtx), r.flushConversions(flushCtx))

		lostExposures := len(r.exposures.take())
		lostConversions := len(r.conversions.take())
		if lostExposures > 0 || lostConversions > 0 {
			r.logger.Error("Dropping unflushed events on shutdown",
				"exposures", lostExposures,
				"conversions", lostConversions,
			)
			r.metrics.RecordEventsDropped(metrics.KindExposure, dropShutdown, lostExposures)
			r.metrics.RecordEventsDropped(metrics.KindConversion, dropShutdown, lostConversions)
			err = errors.Join(err, fmt.Errorf("dropped %d exposures and %d conversions on shutdown", lostExposures, lostConversions))
		}

		r.logger.Info("Event recorder shut down")
	})
	return err
}

// Pending returns the number of buffered exposures and conversions.
func (r *Recorder) Pending() (exposures, conversions int) {
	return r.exposures.len(), r.conversions.len()
}
