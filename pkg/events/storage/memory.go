package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/events/query"
)

// MemoryStorage implements events.Storage in process memory. Events are lost
// on restart; it backs tests and the "memory" storage backend.
type MemoryStorage struct {
	records map[events.Kind]map[string]*events.Record
	mu      sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: map[events.Kind]map[string]*events.Record{
			events.KindExposure:   {},
			events.KindConversion: {},
		},
	}
}

// WriteExposures stores the batch. Ids already present are skipped.
func (s *MemoryStorage) WriteExposures(ctx context.Context, batch []events.ExposureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range batch {
		if _, ok := s.records[events.KindExposure][e.ID]; ok {
			continue
		}
		s.records[events.KindExposure][e.ID] = copyRecord(e.Record())
	}
	return nil
}

// WriteConversions stores the batch. Ids already present are skipped.
func (s *MemoryStorage) WriteConversions(ctx context.Context, batch []events.ConversionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range batch {
		if _, ok := s.records[events.KindConversion][e.ID]; ok {
			continue
		}
		s.records[events.KindConversion][e.ID] = copyRecord(e.Record())
	}
	return nil
}

// Query retrieves events matching the query filters.
func (s *MemoryStorage) Query(ctx context.Context, q *events.Query) ([]*events.Record, error) {
	if err := query.Validate(q); err != nil {
		return nil, err
	}
	normalized := *q
	query.ApplyDefaults(&normalized)

	s.mu.RLock()
	results := s.matching(&normalized)
	s.mu.RUnlock()

	sortRecords(results, normalized.SortBy, normalized.SortOrder)

	start := normalized.Offset
	if start > len(results) {
		return []*events.Record{}, nil
	}
	end := start + normalized.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[start:end], nil
}

// QueryStream returns a channel of records matching the query.
// The channels will be closed when the query completes or errors.
func (s *MemoryStorage) QueryStream(ctx context.Context, q *events.Query) (<-chan *events.Record, <-chan error, error) {
	records, err := s.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	recordsCh := make(chan *events.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		for _, record := range records {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of events matching the query filters.
func (s *MemoryStorage) Count(ctx context.Context, q *events.Query) (int64, error) {
	if err := query.Validate(q); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.records[q.Kind] {
		if matchesQuery(record, q) {
			count++
		}
	}
	return count, nil
}

// Delete removes events matching the query filters.
func (s *MemoryStorage) Delete(ctx context.Context, q *events.Query) (int64, error) {
	if err := query.Validate(q); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, record := range s.records[q.Kind] {
		if matchesQuery(record, q) {
			delete(s.records[q.Kind], id)
			count++
		}
	}
	return count, nil
}

// Ping always succeeds.
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close releases resources held by the storage backend.
func (s *MemoryStorage) Close() error {
	return nil
}

// Size returns the number of stored events of kind.
func (s *MemoryStorage) Size(kind events.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}

// Clear removes all events. Used by tests.
func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range s.records {
		s.records[kind] = map[string]*events.Record{}
	}
}

func (s *MemoryStorage) matching(q *events.Query) []*events.Record {
	results := []*events.Record{}
	for _, record := range s.records[q.Kind] {
		if matchesQuery(record, q) {
			results = append(results, copyRecord(record))
		}
	}
	return results
}

// matchesQuery checks if a record matches the query filters.
func matchesQuery(record *events.Record, q *events.Query) bool {
	if q.StartTime != nil && record.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && record.Timestamp.After(*q.EndTime) {
		return false
	}
	if q.ExperimentID != "" && record.ExperimentID != q.ExperimentID {
		return false
	}
	if q.VariantID != "" && record.VariantID != q.VariantID {
		return false
	}
	if q.MetricID != "" && record.MetricID != q.MetricID {
		return false
	}
	if q.UserID != "" && record.UserID != q.UserID {
		return false
	}
	if q.SessionID != "" && record.SessionID != q.SessionID {
		return false
	}
	return true
}

func sortRecords(records []*events.Record, field, order string) {
	desc := strings.EqualFold(order, "desc")
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		c := compareField(a, b, field)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareField(a, b *events.Record, field string) int {
	switch field {
	case "experiment_id":
		return strings.Compare(a.ExperimentID, b.ExperimentID)
	case "variant_id":
		return strings.Compare(a.VariantID, b.VariantID)
	case "metric_id":
		return strings.Compare(a.MetricID, b.MetricID)
	case "value":
		return compareOptional(a.Value, b.Value)
	case "revenue":
		return compareOptional(a.Revenue, b.Revenue)
	default:
		return a.Timestamp.Compare(b.Timestamp)
	}
}

// compareOptional orders nil before any value, as SQLite orders NULL.
func compareOptional(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func copyRecord(r *events.Record) *events.Record {
	c := *r
	if r.Context != nil {
		c.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	if r.Value != nil {
		v := *r.Value
		c.Value = &v
	}
	if r.Revenue != nil {
		v := *r.Revenue
		c.Revenue = &v
	}
	return &c
}
