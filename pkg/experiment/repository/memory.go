package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mercator-hq/cohort/pkg/experiment"
)

// MemoryRepository keeps experiments in a map. Data is lost when the process
// exits; it is used by tests and the memory storage backend.
type MemoryRepository struct {
	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		experiments: make(map[string]*experiment.Experiment),
	}
}

// Create implements Repository.
func (r *MemoryRepository) Create(ctx context.Context, exp *experiment.Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experiments[exp.ID]; exists {
		return experiment.NewStorageError("memory", "create", fmt.Errorf("experiment %q already exists", exp.ID))
	}
	r.experiments[exp.ID] = exp.Clone()
	return nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(ctx context.Context, exp *experiment.Experiment, expectedVersion int) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("experiment id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.experiments[exp.ID]
	if !exists {
		return fmt.Errorf("update %q: %w", exp.ID, experiment.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("update %q at version %d (stored %d): %w", exp.ID, expectedVersion, stored.Version, experiment.ErrVersionConflict)
	}
	r.experiments[exp.ID] = exp.Clone()
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, exists := r.experiments[id]
	if !exists {
		return nil, fmt.Errorf("get %q: %w", id, experiment.ErrNotFound)
	}
	return exp.Clone(), nil
}

// List implements Repository.
func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*experiment.Experiment
	for _, exp := range r.experiments {
		if filter.matches(exp) {
			out = append(out, exp.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experiments[id]; !exists {
		return fmt.Errorf("delete %q: %w", id, experiment.ErrNotFound)
	}
	delete(r.experiments, id)
	return nil
}

// Ping implements Repository.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Repository.
func (r *MemoryRepository) Close() error {
	return nil
}
