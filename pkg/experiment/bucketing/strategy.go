package bucketing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"mercator-hq/cohort/pkg/experiment"
)

// Strategy selects a variant for a subject.
//
// Implementations must be deterministic for a fixed experiment definition
// and safe for concurrent use.
type Strategy interface {
	// Select returns the variant for subjectID, or nil when the experiment
	// has no variants.
	Select(exp *experiment.Experiment, subjectID string) *experiment.Variant

	// Name returns the strategy name for logging and diagnostics.
	Name() string
}

// FixedWeight allocates by the static variant weights.
type FixedWeight struct{}

// Select implements Strategy.
func (FixedWeight) Select(exp *experiment.Experiment, subjectID string) *experiment.Variant {
	return Allocate(exp, subjectID)
}

// Name implements Strategy.
func (FixedWeight) Name() string { return string(experiment.StrategyFixed) }

// delegating stands in for an allocation strategy that has no algorithm of
// its own yet. It serves the fixed-weight allocation and logs once.
type delegating struct {
	name     string
	fallback Strategy
	logger   *slog.Logger
	once     sync.Once
}

func (d *delegating) Select(exp *experiment.Experiment, subjectID string) *experiment.Variant {
	d.once.Do(func() {
		d.logger.Warn("allocation strategy not implemented, using fixed weights",
			"strategy", d.name,
			"experiment_id", exp.ID,
		)
	})
	return d.fallback.Select(exp, subjectID)
}

func (d *delegating) Name() string { return d.name }

// Registry resolves strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[experiment.AllocationStrategy]Strategy
	logger     *slog.Logger
}

// NewRegistry creates a registry holding the fixed-weight strategy, with the
// dynamic and bandit names delegating to it.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bucketing")

	fixed := FixedWeight{}
	r := &Registry{
		strategies: make(map[experiment.AllocationStrategy]Strategy),
		logger:     logger,
	}
	r.strategies[experiment.StrategyFixed] = fixed
	r.strategies[experiment.StrategyDynamic] = &delegating{name: string(experiment.StrategyDynamic), fallback: fixed, logger: logger}
	r.strategies[experiment.StrategyBandit] = &delegating{name: string(experiment.StrategyBandit), fallback: fixed, logger: logger}
	return r
}

// Register installs or replaces the strategy for name.
func (r *Registry) Register(name experiment.AllocationStrategy, s Strategy) error {
	if name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s == nil {
		return fmt.Errorf("strategy %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
	return nil
}

// Lookup returns the strategy for name. The empty name resolves to fixed
// weights.
func (r *Registry) Lookup(name experiment.AllocationStrategy) (Strategy, bool) {
	if name == "" {
		name = experiment.StrategyFixed
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Select allocates with the experiment's configured strategy, falling back
// to fixed weights for unknown names.
func (r *Registry) Select(exp *experiment.Experiment, subjectID string) *experiment.Variant {
	s, ok := r.Lookup(exp.Strategy)
	if !ok {
		r.logger.Warn("unknown allocation strategy, using fixed weights",
			"strategy", exp.Strategy,
			"experiment_id", exp.ID,
		)
		return Allocate(exp, subjectID)
	}
	return s.Select(exp, subjectID)
}

// Names returns the registered strategy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
