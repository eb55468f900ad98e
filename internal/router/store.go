package router

import (
	"sync"
	"sync/atomic"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/events"
	"github.com/wudi/edgeway/internal/filter"
)

// Store publishes the current route table. Readers never lock and always
// see a complete table; a failed load leaves the previous table in place.
type Store struct {
	registry *filter.Registry
	terminal TerminalFactory
	sink     events.Sink

	mu      sync.Mutex // serializes loads
	version uint64
	current atomic.Pointer[Table]
}

// NewStore creates a store serving an empty table.
func NewStore(reg *filter.Registry, terminal TerminalFactory, sink events.Sink) *Store {
	if sink == nil {
		sink = events.Nop
	}
	s := &Store{registry: reg, terminal: terminal, sink: sink}
	s.current.Store(Empty())
	return s
}

// Load compiles cfgs and swaps the new table in.
func (s *Store) Load(cfgs []config.RouteConfig) (*Table, error) {
	return s.LoadWith(cfgs, s.terminal)
}

// LoadWith is Load with a terminal factory for this table only, for
// callers whose upstream handlers change together with the routes.
func (s *Store) LoadWith(cfgs []config.RouteConfig, terminal TerminalFactory) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := Build(cfgs, s.registry, terminal)
	if err != nil {
		s.sink.Emit(events.Event{
			Type:    events.RouteTableRejected,
			Version: s.version,
			Err:     err,
		})
		return nil, err
	}

	s.version++
	t.version = s.version
	s.current.Store(t)
	s.sink.Emit(events.Event{
		Type:    events.RouteTableLoaded,
		Version: t.version,
		Routes:  t.Len(),
	})
	return t, nil
}

// Current returns the published table.
func (s *Store) Current() *Table {
	return s.current.Load()
}
