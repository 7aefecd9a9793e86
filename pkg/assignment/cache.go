package assignment

import (
	"sync"
	"time"

	"mercator-hq/cohort/pkg/experiment"

	"github.com/patrickmn/go-cache"
)

// Cache holds the assignment of every (experiment, subject) pair placed so
// far. Entries are partitioned by experiment so invalidating one experiment
// does not touch the others. It is safe for concurrent use.
type Cache struct {
	ttl             time.Duration
	cleanupInterval time.Duration

	// mu guards parts and every partition's gen and items. Inserts hold it
	// for reading so an invalidation cannot interleave with one.
	mu    sync.RWMutex
	parts map[string]*partition
}

// partition is one experiment's slice of the cache. gen increases on every
// invalidation; items is nil until the first insert after one.
type partition struct {
	gen   uint64
	items *cache.Cache
}

// NewCache creates a cache whose entries expire after ttl. A ttl of 0 keeps
// entries until they are invalidated. Expired entries are purged every
// cleanupInterval.
func NewCache(ttl, cleanupInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Cache{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		parts:           make(map[string]*partition),
	}
}

func (c *Cache) itemsFor(experimentID string) *cache.Cache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.parts[experimentID]; ok {
		return p.items
	}
	return nil
}

// Get returns a copy of the cached assignment.
func (c *Cache) Get(experimentID, subjectID string) (experiment.Assignment, bool) {
	items := c.itemsFor(experimentID)
	if items == nil {
		return experiment.Assignment{}, false
	}
	v, ok := items.Get(subjectID)
	if !ok {
		return experiment.Assignment{}, false
	}
	return clone(v.(experiment.Assignment)), true
}

// Lookup is Get under the name the event recorder expects.
func (c *Cache) Lookup(experimentID, subjectID string) (experiment.Assignment, bool) {
	return c.Get(experimentID, subjectID)
}

// Generation returns the experiment's invalidation count. Capture it before
// reading the definition an assignment is computed from and pass it to
// AddAt.
func (c *Cache) Generation(experimentID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.parts[experimentID]; ok {
		return p.gen
	}
	return 0
}

// Add stores a only if no entry exists for the pair. It reports whether
// this call inserted the entry.
func (c *Cache) Add(a experiment.Assignment, subjectID string) bool {
	ok, _ := c.AddAt(a, subjectID, c.Generation(a.ExperimentID))
	return ok
}

// AddAt stores a only if no entry exists for the pair and the experiment has
// not been invalidated since gen was read. stale reports the second case;
// the caller's definition is outdated and a is not cached.
func (c *Cache) AddAt(a experiment.Assignment, subjectID string, gen uint64) (inserted, stale bool) {
	items, ok := c.partitionItems(a.ExperimentID, gen)
	if !ok {
		return false, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.parts[a.ExperimentID]
	if p.gen != gen || p.items != items {
		return false, true
	}
	return items.Add(subjectID, clone(a), cache.DefaultExpiration) == nil, false
}

// partitionItems returns the experiment's item store, creating it if the
// partition is still at gen. ok is false when the generation moved on.
func (c *Cache) partitionItems(experimentID string, gen uint64) (*cache.Cache, bool) {
	c.mu.RLock()
	p, found := c.parts[experimentID]
	if found && p.items != nil {
		items, current := p.items, p.gen == gen
		c.mu.RUnlock()
		return items, current
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	p, found = c.parts[experimentID]
	if !found {
		p = &partition{}
		c.parts[experimentID] = p
	}
	if p.gen != gen {
		return nil, false
	}
	if p.items == nil {
		p.items = cache.New(c.ttl, c.cleanupInterval)
	}
	return p.items, true
}

// InvalidateExperiment removes every cached assignment of the experiment
// and returns how many were removed. Inserts computed before the call are
// refused afterwards.
func (c *Cache) InvalidateExperiment(experimentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[experimentID]
	if !ok {
		c.parts[experimentID] = &partition{gen: 1}
		return 0
	}
	return p.reset()
}

// Flush removes every cached assignment.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.parts {
		p.reset()
	}
}

// Len returns the number of cached assignments, including expired entries
// not yet purged.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, p := range c.parts {
		if p.items != nil {
			n += p.items.ItemCount()
		}
	}
	return n
}

// reset drops the partition's entries and bumps its generation. The old
// item store is released whole, which stops its janitor once unreachable.
func (p *partition) reset() int {
	p.gen++
	if p.items == nil {
		return 0
	}
	n := p.items.ItemCount()
	p.items = nil
	return n
}

func clone(a experiment.Assignment) experiment.Assignment {
	a.Config = a.Config.Clone()
	if a.Flags != nil {
		flags := make(map[string]bool, len(a.Flags))
		for k, v := range a.Flags {
			flags[k] = v
		}
		a.Flags = flags
	}
	return a
}
