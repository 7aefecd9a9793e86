package repository

import (
	"context"

	"mercator-hq/cohort/pkg/experiment"
)

// Repository is the durable store of experiment definitions.
//
// Implementations must be safe for concurrent use. Returned experiments are
// copies; callers may modify them freely.
type Repository interface {
	// Create persists a new experiment. It fails when the ID already exists.
	Create(ctx context.Context, exp *experiment.Experiment) error

	// Update replaces a stored experiment when its stored version equals
	// expectedVersion. It returns experiment.ErrVersionConflict on mismatch
	// and experiment.ErrNotFound when the experiment does not exist.
	Update(ctx context.Context, exp *experiment.Experiment, expectedVersion int) error

	// Get returns the experiment with the given ID or experiment.ErrNotFound.
	Get(ctx context.Context, id string) (*experiment.Experiment, error)

	// List returns experiments matching the filter ordered by creation time.
	List(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error)

	// Delete removes an experiment. Deleting a missing experiment returns
	// experiment.ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ListFilter restricts List results. The zero filter matches everything.
type ListFilter struct {
	// Statuses limits results to these statuses.
	Statuses []experiment.Status

	// Limit caps the number of results (0 = unlimited).
	Limit int
}

// Servable is the filter used by the experiment store on refresh.
var Servable = ListFilter{Statuses: []experiment.Status{experiment.StatusRunning, experiment.StatusPaused}}

func (f ListFilter) matches(exp *experiment.Experiment) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if exp.Status == s {
			return true
		}
	}
	return false
}
