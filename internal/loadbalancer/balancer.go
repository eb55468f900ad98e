package loadbalancer

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
)

// Strategy selects one address out of an upstream's address set.
type Strategy string

const (
	RoundRobin       Strategy = config.StrategyRoundRobin
	LeastConnections Strategy = config.StrategyLeastConnections
	Random           Strategy = config.StrategyRandom
	IPHash           Strategy = config.StrategyIPHash
)

// InFlightCounter reports the live number of calls to an address.
type InFlightCounter interface {
	InFlight(addr string) int64
}

// Balancer picks addresses for every upstream. Round-robin counters are kept
// per upstream name; address sets are passed in on each call, so a set that
// changes between requests is picked from modulo its current length.
type Balancer struct {
	inflight InFlightCounter
	counters sync.Map // upstream -> *atomic.Uint64
}

// New creates a balancer. inflight is required by least-connections and may
// be nil otherwise.
func New(inflight InFlightCounter) *Balancer {
	return &Balancer{inflight: inflight}
}

func (b *Balancer) counter(upstream string) *atomic.Uint64 {
	if c, ok := b.counters.Load(upstream); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := b.counters.LoadOrStore(upstream, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// next returns the round-robin position for the upstream and advances it.
func (b *Balancer) next(upstream string) uint64 {
	return b.counter(upstream).Add(1) - 1
}

// Select returns exactly one address from addrs, or NoHealthyUpstream when
// the set is empty. key feeds hash strategies (the client IP).
func (b *Balancer) Select(upstream string, addrs []string, strategy Strategy, key string) (string, error) {
	n := len(addrs)
	if n == 0 {
		return "", errors.ErrNoHealthyUpstream.WithDetails("upstream " + upstream + " has no addresses")
	}
	if n == 1 {
		return addrs[0], nil
	}

	switch strategy {
	case LeastConnections:
		return b.leastConnections(upstream, addrs), nil
	case Random:
		return addrs[rand.IntN(n)], nil
	case IPHash:
		if key != "" {
			return addrs[xxhash.Sum64String(key)%uint64(n)], nil
		}
	}
	return addrs[b.next(upstream)%uint64(n)], nil
}

// leastConnections picks the address with the fewest in-flight calls. The
// scan starts at the round-robin position, so ties rotate.
func (b *Balancer) leastConnections(upstream string, addrs []string) string {
	n := uint64(len(addrs))
	start := b.next(upstream)
	if b.inflight == nil {
		return addrs[start%n]
	}

	best := start % n
	bestCount := b.inflight.InFlight(addrs[best])
	for i := uint64(1); i < n; i++ {
		idx := (start + i) % n
		if c := b.inflight.InFlight(addrs[idx]); c < bestCount {
			best, bestCount = idx, c
		}
	}
	return addrs[best]
}

// Tracker counts in-flight calls per address.
type Tracker struct {
	counts sync.Map // addr -> *atomic.Int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) count(addr string) *atomic.Int64 {
	if c, ok := t.counts.Load(addr); ok {
		return c.(*atomic.Int64)
	}
	c, _ := t.counts.LoadOrStore(addr, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Begin marks a call to addr as started. The returned func ends it and is
// safe to call more than once.
func (t *Tracker) Begin(addr string) (end func()) {
	c := t.count(addr)
	c.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.Add(-1) })
	}
}

// InFlight returns the number of unfinished calls to addr.
func (t *Tracker) InFlight(addr string) int64 {
	if c, ok := t.counts.Load(addr); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Snapshot returns the non-zero in-flight counts.
func (t *Tracker) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	t.counts.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Load(); n != 0 {
			out[k.(string)] = n
		}
		return true
	})
	return out
}
