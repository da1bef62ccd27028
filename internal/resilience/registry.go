package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry hands out one Breaker per route key, creating them lazily.
type Registry struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
	now      func() time.Time
}

// NewRegistry creates an empty registry whose breakers share cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
		now:      time.Now,
	}
}

// Route builds the canonical route key between a caller and a target.
func Route(from, to string) string {
	return from + "->" + to
}

// Get returns the breaker for route, creating it on first use.
func (r *Registry) Get(route string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[route]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[route]; ok {
		return b
	}
	b = NewBreaker(route, r.cfg)
	b.now = r.now
	r.breakers[route] = b
	return b
}

// Snapshot returns the stats of every known breaker sorted by route.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(list))
	for _, b := range list {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Route < stats[j].Route
	})
	return stats
}
