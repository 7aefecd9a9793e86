package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/events/export"
	"mercator-hq/cohort/pkg/events/query"
	"mercator-hq/cohort/pkg/telemetry/metrics"

	"github.com/jonboulle/clockwork"
)

// Config contains configuration for the retention pruner.
type Config struct {
	// RetentionDays is the number of days to retain events.
	// 0 means keep events forever (no age pruning).
	RetentionDays int

	// Schedule is a cron expression for scheduling pruning.
	// Example: "0 3 * * *" (daily at 3 AM)
	Schedule string

	// MaxRecords is the maximum number of events of each kind to keep.
	// 0 means unlimited.
	MaxRecords int64

	// ArchiveBeforeDelete exports events to JSON before deleting them.
	ArchiveBeforeDelete bool

	// ArchivePath is the directory archived events are written to.
	ArchivePath string
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: config.DefaultRetentionDays,
		Schedule:      config.DefaultRetentionSchedule,
		ArchivePath:   "data/archives/",
	}
}

// FromConfig converts the retention section of the application config.
func FromConfig(cfg config.RetentionConfig) *Config {
	c := DefaultConfig()
	c.RetentionDays = cfg.Days
	c.MaxRecords = cfg.MaxRecords
	if cfg.Schedule != "" {
		c.Schedule = cfg.Schedule
	}
	return c
}

// Result reports how many events a prune deleted per kind.
type Result struct {
	Exposures   int64 `json:"exposures"`
	Conversions int64 `json:"conversions"`
}

// Total returns the number of events deleted across both kinds.
func (r Result) Total() int64 {
	return r.Exposures + r.Conversions
}

func (r *Result) add(kind events.Kind, n int64) {
	if kind == events.KindConversion {
		r.Conversions += n
	} else {
		r.Exposures += n
	}
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pruner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the clock used to compute the age cutoff.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Pruner) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pruner) { p.metrics = m }
}

// Pruner enforces retention policies on exposure and conversion events.
type Pruner struct {
	storage   events.Storage
	config    *Config
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Collector
	scheduler *Scheduler
}

// NewPruner creates a new retention pruner.
func NewPruner(storage events.Storage, cfg *Config, opts ...Option) *Pruner {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pruner{
		storage: storage,
		config:  cfg,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "events.retention")
	p.scheduler = NewScheduler(p)

	return p
}

// Prune deletes events older than the retention period, then the oldest
// events of each kind beyond MaxRecords.
func (p *Pruner) Prune(ctx context.Context) (Result, error) {
	var result Result

	for _, kind := range events.Kinds {
		if p.config.RetentionDays > 0 {
			deleted, err := p.pruneByAge(ctx, kind)
			if err != nil {
				return result, fmt.Errorf("prune %s by age failed: %w", kind, err)
			}
			result.add(kind, deleted)
			p.metrics.RecordEventsPruned(string(kind), deleted)
			p.logger.Debug("Pruned events by age",
				"kind", kind,
				"deleted_count", deleted,
				"retention_days", p.config.RetentionDays,
			)
		}

		if p.config.MaxRecords > 0 {
			deleted, err := p.pruneByCount(ctx, kind)
			if err != nil {
				return result, fmt.Errorf("prune %s by count failed: %w", kind, err)
			}
			result.add(kind, deleted)
			p.metrics.RecordEventsPruned(string(kind), deleted)
			p.logger.Debug("Pruned events by count",
				"kind", kind,
				"deleted_count", deleted,
				"max_records", p.config.MaxRecords,
			)
		}
	}

	if result.Total() > 0 {
		p.logger.Info("Event pruning completed",
			"exposures_deleted", result.Exposures,
			"conversions_deleted", result.Conversions,
			"retention_days", p.config.RetentionDays,
			"max_records", p.config.MaxRecords,
		)
	}

	return result, nil
}

// pruneByAge deletes events older than the retention period.
func (p *Pruner) pruneByAge(ctx context.Context, kind events.Kind) (int64, error) {
	cutoff := p.clock.Now().UTC().AddDate(0, 0, -p.config.RetentionDays)
	q := &events.Query{Kind: kind, EndTime: &cutoff}

	if p.config.ArchiveBeforeDelete {
		if err := p.archive(ctx, q, "age"); err != nil {
			return 0, events.NewRetentionError(kind, p.config.RetentionDays, err)
		}
	}

	deleted, err := p.storage.Delete(ctx, q)
	if err != nil {
		return 0, events.NewRetentionError(kind, p.config.RetentionDays, err)
	}
	return deleted, nil
}

// pruneByCount deletes the oldest events when the count exceeds MaxRecords.
// The cutoff is the timestamp of the newest event to delete; events sharing
// that timestamp are deleted with it.
func (p *Pruner) pruneByCount(ctx context.Context, kind events.Kind) (int64, error) {
	count, err := p.storage.Count(ctx, &events.Query{Kind: kind})
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	if count <= p.config.MaxRecords {
		return 0, nil
	}

	toDelete := count - p.config.MaxRecords
	p.logger.Info("Event count exceeds limit, pruning oldest",
		"kind", kind,
		"current_count", count,
		"max_records", p.config.MaxRecords,
		"to_delete", toDelete,
	)

	boundary, err := p.storage.Query(ctx, &events.Query{
		Kind:      kind,
		SortBy:    "timestamp",
		SortOrder: "asc",
		Offset:    int(toDelete - 1),
		Limit:     1,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find cutoff: %w", err)
	}
	if len(boundary) == 0 {
		return 0, nil
	}

	cutoff := boundary[0].Timestamp
	q := &events.Query{Kind: kind, EndTime: &cutoff}

	if p.config.ArchiveBeforeDelete {
		if err := p.archive(ctx, q, "count"); err != nil {
			return 0, fmt.Errorf("archive failed: %w", err)
		}
	}

	deleted, err := p.storage.Delete(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return deleted, nil
}

// archive writes every event matching q to a JSON file under ArchivePath.
func (p *Pruner) archive(ctx context.Context, q *events.Query, reason string) error {
	if err := os.MkdirAll(p.config.ArchivePath, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.json", q.Kind, reason, p.clock.Now().UTC().Format("2006-01-02-150405"))
	path := filepath.Join(p.config.ArchivePath, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recordsCh, errCh := p.pages(ctx, q)
	n, err := export.NewJSONExporter(false).ExportStream(ctx, recordsCh, f)
	if err != nil {
		return fmt.Errorf("failed to export events to archive: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("failed to read events for archive: %w", err)
	}

	p.logger.Info("Events archived",
		"kind", q.Kind,
		"archive_file", path,
		"record_count", n,
	)
	return nil
}

// pages streams every event matching q, oldest first, in pages of
// query.MaxLimit.
func (p *Pruner) pages(ctx context.Context, q *events.Query) (<-chan *events.Record, <-chan error) {
	recordsCh := make(chan *events.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		page := *q
		page.SortBy = "timestamp"
		page.SortOrder = "asc"
		page.Limit = query.MaxLimit
		for {
			records, err := p.storage.Query(ctx, &page)
			if err != nil {
				errCh <- err
				return
			}
			for _, r := range records {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case recordsCh <- r:
				}
			}
			if len(records) < page.Limit {
				return
			}
			page.Offset += len(records)
		}
	}()

	return recordsCh, errCh
}

// Start starts the automatic pruning scheduler.
func (p *Pruner) Start(ctx context.Context) error {
	return p.scheduler.Start(ctx)
}

// Stop stops the automatic pruning scheduler.
func (p *Pruner) Stop() {
	p.scheduler.Stop()
}

// NextPruning returns the time of the next scheduled pruning.
func (p *Pruner) NextPruning() *time.Time {
	return p.scheduler.NextRun()
}
