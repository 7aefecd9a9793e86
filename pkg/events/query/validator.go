package query

import (
	"fmt"

	"mercator-hq/cohort/pkg/events"
)

const (
	// DefaultLimit is the default number of records to return if not specified.
	DefaultLimit = 100

	// MaxLimit is the maximum number of records that can be returned in a single query.
	MaxLimit = 10000
)

// ValidSortFields contains the fields that can be used for sorting, per kind.
var ValidSortFields = map[events.Kind]map[string]bool{
	events.KindExposure: {
		"timestamp":     true,
		"experiment_id": true,
		"variant_id":    true,
	},
	events.KindConversion: {
		"timestamp":     true,
		"experiment_id": true,
		"variant_id":    true,
		"metric_id":     true,
		"value":         true,
		"revenue":       true,
	},
}

// ValidSortOrders contains the valid sort orders.
var ValidSortOrders = map[string]bool{
	"asc":  true,
	"desc": true,
}

// Validate validates a query and returns an error if any parameters are invalid.
func Validate(q *events.Query) error {
	if !q.Kind.Valid() {
		return events.NewQueryError(q, fmt.Errorf("invalid kind: %q (must be 'exposure' or 'conversion')", q.Kind))
	}

	if q.Limit < 0 {
		return events.NewQueryError(q, fmt.Errorf("limit must be >= 0, got %d", q.Limit))
	}
	if q.Limit > MaxLimit {
		return events.NewQueryError(q, fmt.Errorf("limit must be <= %d, got %d", MaxLimit, q.Limit))
	}

	if q.Offset < 0 {
		return events.NewQueryError(q, fmt.Errorf("offset must be >= 0, got %d", q.Offset))
	}

	if q.SortBy != "" && !ValidSortFields[q.Kind][q.SortBy] {
		return events.NewQueryError(q, fmt.Errorf("invalid sort field for %s: %s", q.Kind, q.SortBy))
	}

	if q.SortOrder != "" && !ValidSortOrders[q.SortOrder] {
		return events.NewQueryError(q, fmt.Errorf("invalid sort order: %s (must be 'asc' or 'desc')", q.SortOrder))
	}

	if q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime) {
		return events.NewQueryError(q, fmt.Errorf("start_time must be before end_time"))
	}

	if q.MetricID != "" && q.Kind != events.KindConversion {
		return events.NewQueryError(q, fmt.Errorf("metric_id filter only applies to conversions"))
	}

	return nil
}

// ApplyDefaults applies default values to a query.
func ApplyDefaults(q *events.Query) {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.SortBy == "" {
		q.SortBy = "timestamp"
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
}
