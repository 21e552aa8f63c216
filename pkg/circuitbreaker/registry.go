package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry holds one breaker per key, such as an execution device or a
// callback host. Breakers are created on first use and share one config.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newNamed(key, r.config)
		r.breakers[key] = b
	}
	return b
}

// States returns a snapshot of every breaker's state by key.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// Open returns the sorted keys whose breaker is currently open.
func (r *Registry) Open() []string {
	var keys []string
	for k, s := range r.States() {
		if s == Open {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

func (r *Registry) Stats() Stats {
	var stats Stats
	for _, s := range r.States() {
		stats.Total++
		switch s {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		default:
			stats.Closed++
		}
	}
	return stats
}
