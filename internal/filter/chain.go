package filter

import (
	"fmt"
	"net/http"

	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/events"
)

// Chain is a route's compiled filter list around a terminal handler. It is
// built once per route table and never modified; every link points at its
// successor by index.
type Chain struct {
	routeID  string
	filters  []Filter
	links    []link
	terminal Handler
	sink     events.Sink
}

type link struct {
	chain *Chain
	index int
}

// NewChain builds a chain over already compiled filters.
func NewChain(routeID string, filters []Filter, terminal Handler, sink events.Sink) *Chain {
	if sink == nil {
		sink = events.Nop
	}
	c := &Chain{
		routeID:  routeID,
		filters:  filters,
		terminal: terminal,
		sink:     sink,
	}
	c.links = make([]link, len(filters)+1)
	for i := range c.links {
		c.links[i] = link{chain: c, index: i}
	}
	return c
}

// RouteID returns the route the chain belongs to.
func (c *Chain) RouteID() string {
	return c.routeID
}

// Filters returns the compiled filters in declared order.
func (c *Chain) Filters() []Filter {
	return c.filters
}

// Capabilities returns the union of the filters' capabilities.
func (c *Chain) Capabilities() Capability {
	var caps Capability
	for _, f := range c.filters {
		caps |= f.Capabilities()
	}
	return caps
}

// Handle runs ex through the chain. Request-phase work happens in declared
// order and response-phase work in reverse order.
func (c *Chain) Handle(ex *Exchange) (*http.Response, error) {
	ex.RouteID = c.routeID
	ex.Transition(StateFiltersRequestPhase)
	return c.links[0].Handle(ex)
}

func (l *link) Handle(ex *Exchange) (resp *http.Response, err error) {
	if l.index == len(l.chain.filters) {
		resp, err = l.chain.callTerminal(ex)
	} else {
		resp, err = l.chain.runFilter(l.index, ex)
	}
	if resp != nil {
		ex.pending = resp
	}
	return resp, err
}

func (c *Chain) callTerminal(ex *Exchange) (resp *http.Response, err error) {
	ex.Transition(StateUpstreamCalling)
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, errors.Wrap(errors.ErrInternal, fmt.Errorf("panic in upstream call: %v", p))
		}
		if err == nil {
			ex.Transition(StateFiltersResponsePhase)
		}
	}()
	if c.terminal == nil {
		return nil, errors.ErrInternal.WithDetails("route has no upstream handler")
	}
	return c.terminal.Handle(ex)
}

func (c *Chain) runFilter(i int, ex *Exchange) (resp *http.Response, err error) {
	f := c.filters[i]
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, c.fault(ex, f, fmt.Errorf("panic: %v", p))
		}
	}()

	resp, err = f.Filter(ex, &c.links[i+1])
	if err != nil {
		if _, ok := errors.As(err); !ok {
			return nil, c.fault(ex, f, err)
		}
		ex.discardPending()
		return nil, err
	}
	return resp, nil
}

// fault converts an unexpected filter failure into a FilterFault and
// reports it with the route and filter identity.
func (c *Chain) fault(ex *Exchange, f Filter, cause error) error {
	ex.discardPending()
	c.sink.Emit(events.Event{
		Type:      events.FilterFault,
		RequestID: ex.RequestID,
		RouteID:   c.routeID,
		Filter:    f.Name(),
		State:     ex.State().String(),
		Err:       cause,
	})
	return errors.Wrap(errors.ErrFilterFault, cause).
		WithDetails(fmt.Sprintf("filter %s on route %s failed", f.Name(), c.routeID))
}
