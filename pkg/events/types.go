package events

import (
	"context"
	"io"
	"time"

	"mercator-hq/cohort/pkg/experiment"

	"github.com/google/uuid"
)

// Kind distinguishes the two event tables.
type Kind string

const (
	KindExposure   Kind = "exposure"
	KindConversion Kind = "conversion"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindExposure || k == KindConversion
}

// Kinds lists every event kind.
var Kinds = []Kind{KindExposure, KindConversion}

// ExposureEvent records the first time a subject is resolved into a variant.
type ExposureEvent struct {
	ID           string         `json:"id"` // UUID v4
	ExperimentID string         `json:"experiment_id"`
	VariantID    string         `json:"variant_id"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ConversionEvent records a subject in an experiment completing a metric.
type ConversionEvent struct {
	ID           string         `json:"id"` // UUID v4
	ExperimentID string         `json:"experiment_id"`
	VariantID    string         `json:"variant_id"`
	MetricID     string         `json:"metric_id"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Value        *float64       `json:"value,omitempty"`
	Revenue      *float64       `json:"revenue,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewExposure builds an exposure event for an in-experiment assignment.
func NewExposure(a experiment.Assignment, ctx experiment.UserContext, at time.Time) ExposureEvent {
	return ExposureEvent{
		ID:           uuid.New().String(),
		ExperimentID: a.ExperimentID,
		VariantID:    a.VariantID,
		UserID:       ctx.UserID,
		SessionID:    ctx.SessionID,
		Context:      ctx.Snapshot(),
		Timestamp:    at.UTC(),
	}
}

// NewConversion builds a conversion event attributed to the assignment's
// variant.
func NewConversion(a experiment.Assignment, metricID string, ctx experiment.UserContext, value, revenue *float64, at time.Time) ConversionEvent {
	return ConversionEvent{
		ID:           uuid.New().String(),
		ExperimentID: a.ExperimentID,
		VariantID:    a.VariantID,
		MetricID:     metricID,
		UserID:       ctx.UserID,
		SessionID:    ctx.SessionID,
		Value:        copyFloat(value),
		Revenue:      copyFloat(revenue),
		Context:      ctx.Snapshot(),
		Timestamp:    at.UTC(),
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Record is a stored event of either kind as returned by queries. Metric,
// value and revenue are only set for conversions.
type Record struct {
	Kind         Kind           `json:"kind"`
	ID           string         `json:"id"`
	ExperimentID string         `json:"experiment_id"`
	VariantID    string         `json:"variant_id"`
	MetricID     string         `json:"metric_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Value        *float64       `json:"value,omitempty"`
	Revenue      *float64       `json:"revenue,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Record converts the exposure to its stored form.
func (e ExposureEvent) Record() *Record {
	return &Record{
		Kind:         KindExposure,
		ID:           e.ID,
		ExperimentID: e.ExperimentID,
		VariantID:    e.VariantID,
		UserID:       e.UserID,
		SessionID:    e.SessionID,
		Context:      e.Context,
		Timestamp:    e.Timestamp,
	}
}

// Record converts the conversion to its stored form.
func (e ConversionEvent) Record() *Record {
	return &Record{
		Kind:         KindConversion,
		ID:           e.ID,
		ExperimentID: e.ExperimentID,
		VariantID:    e.VariantID,
		MetricID:     e.MetricID,
		UserID:       e.UserID,
		SessionID:    e.SessionID,
		Value:        e.Value,
		Revenue:      e.Revenue,
		Context:      e.Context,
		Timestamp:    e.Timestamp,
	}
}

// Query defines filter parameters for querying stored events of one kind.
type Query struct {
	Kind Kind `json:"kind"`

	// Time range
	StartTime *time.Time `json:"start_time,omitempty"` // Inclusive start time
	EndTime   *time.Time `json:"end_time,omitempty"`   // Inclusive end time

	// Filters
	ExperimentID string `json:"experiment_id,omitempty"`
	VariantID    string `json:"variant_id,omitempty"`
	MetricID     string `json:"metric_id,omitempty"` // Conversions only
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`

	// Pagination
	Limit  int `json:"limit,omitempty"`  // Max records to return
	Offset int `json:"offset,omitempty"` // Skip N records

	// Sorting
	SortBy    string `json:"sort_by,omitempty"`    // "timestamp", "experiment_id", "value", "revenue"
	SortOrder string `json:"sort_order,omitempty"` // "asc", "desc"
}

// Storage is the durable home of exposure and conversion events.
// Implementations must be safe for concurrent use.
type Storage interface {
	// WriteExposures persists a batch of exposures in a single write. A
	// failed write stores none of the batch.
	WriteExposures(ctx context.Context, batch []ExposureEvent) error

	// WriteConversions persists a batch of conversions in a single write.
	WriteConversions(ctx context.Context, batch []ConversionEvent) error

	// Query retrieves events matching the query filters.
	// Returns an empty slice if no records match.
	Query(ctx context.Context, query *Query) ([]*Record, error)

	// QueryStream returns a channel of records for memory-efficient
	// streaming. Both channels are closed when the query completes; errCh
	// carries at most one error.
	QueryStream(ctx context.Context, query *Query) (<-chan *Record, <-chan error, error)

	// Count returns the number of events matching the query filters.
	Count(ctx context.Context, query *Query) (int64, error)

	// Delete removes events matching the query filters and returns how
	// many were removed. Used by retention.
	Delete(ctx context.Context, query *Query) (int64, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the storage backend.
	Close() error
}

// Exporter writes stored events in a file format.
type Exporter interface {
	Export(ctx context.Context, records []*Record, w io.Writer) error
}
