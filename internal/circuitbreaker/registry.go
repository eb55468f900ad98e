package circuitbreaker

import (
	"sort"
	"sync"
)

type entry struct {
	breaker     *Breaker
	fingerprint string
}

// Registry holds one breaker per key (an upstream name or a route id).
// Breakers survive route table reloads as long as their settings do not
// change.
type Registry struct {
	opts []Option

	mu       sync.RWMutex
	breakers map[string]entry
}

// NewRegistry creates a registry; opts are applied to every breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]entry),
	}
}

// Get returns the breaker for key, creating it on first use. A breaker whose
// settings differ from s is replaced by a fresh closed one.
func (r *Registry) Get(key string, s Settings) *Breaker {
	s = s.WithDefaults()
	fp := s.fingerprint()

	r.mu.RLock()
	e, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok && e.fingerprint == fp {
		return e.breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[key]; ok && e.fingerprint == fp {
		return e.breaker
	}
	b := New(key, s, r.opts...)
	r.breakers[key] = entry{breaker: b, fingerprint: fp}
	return b
}

// Lookup returns the breaker for key without creating one.
func (r *Registry) Lookup(key string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.breakers[key]
	return e.breaker, ok
}

// Snapshots returns snapshots of all circuit breakers, ordered by key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	entries := make(map[string]*Breaker, len(r.breakers))
	for k, e := range r.breakers {
		entries[k] = e.breaker
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, entries[k].Snapshot())
	}
	return out
}
