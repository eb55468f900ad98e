package router

import (
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/filter"
)

// Route is a compiled route. It is immutable once its table is built.
type Route struct {
	ID         string
	Order      int
	URI        string
	Target     config.Target
	RetrySafe  bool
	Predicates []Predicate
	Chain      *filter.Chain
}

// Matches reports whether every predicate matches. No predicates match
// everything.
func (r *Route) Matches(d *Descriptor) bool {
	for _, p := range r.Predicates {
		if !p.Match(d) {
			return false
		}
	}
	return true
}

// RouteInfo is the read-only description served by the admin API.
type RouteInfo struct {
	ID         string       `json:"id"`
	Order      int          `json:"order"`
	URI        string       `json:"uri"`
	Upstream   string       `json:"upstream,omitempty"`
	RetrySafe  bool         `json:"retry_safe"`
	Predicates []string     `json:"predicates"`
	Filters    []FilterInfo `json:"filters"`
}

// FilterInfo describes one compiled filter.
type FilterInfo struct {
	Name         string `json:"name"`
	Capabilities string `json:"capabilities"`
}

// Info describes the route.
func (r *Route) Info() RouteInfo {
	info := RouteInfo{
		ID:         r.ID,
		Order:      r.Order,
		URI:        r.URI,
		Upstream:   r.Target.Upstream,
		RetrySafe:  r.RetrySafe,
		Predicates: make([]string, 0, len(r.Predicates)),
		Filters:    []FilterInfo{},
	}
	for _, p := range r.Predicates {
		info.Predicates = append(info.Predicates, p.String())
	}
	if r.Chain != nil {
		for _, f := range r.Chain.Filters() {
			info.Filters = append(info.Filters, FilterInfo{Name: f.Name(), Capabilities: f.Capabilities().String()})
		}
	}
	return info
}

// Table is an ordered, immutable snapshot of routes.
type Table struct {
	routes  []*Route
	byID    map[string]*Route
	version uint64
	builtAt time.Time
}

// Match returns the first route, in table order, whose predicates all
// match d. false means no route found.
func (t *Table) Match(d *Descriptor) (*Route, bool) {
	for _, r := range t.routes {
		if r.Matches(d) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns the routes in evaluation order.
func (t *Table) Routes() []*Route {
	return append([]*Route(nil), t.routes...)
}

// Route returns the route with the given id.
func (t *Table) Route(id string) (*Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

// Version increases with every table published by a Store.
func (t *Table) Version() uint64 { return t.version }

// BuiltAt returns when the table was compiled.
func (t *Table) BuiltAt() time.Time { return t.builtAt }

// TerminalFactory returns the upstream handler that ends a route's chain.
type TerminalFactory func(route *Route) filter.Handler

// Build compiles route configs into a table. Any invalid route fails the
// whole build with a *errors.ConfigError. Routes are ordered by Order,
// ties keeping their configured order.
func Build(cfgs []config.RouteConfig, reg *filter.Registry, terminal TerminalFactory) (*Table, error) {
	if errs := config.ValidateRoutes(cfgs); len(errs) > 0 {
		return nil, &errors.ConfigError{Err: stderrors.Join(errs...)}
	}

	t := &Table{
		routes:  make([]*Route, 0, len(cfgs)),
		byID:    make(map[string]*Route, len(cfgs)),
		builtAt: time.Now(),
	}
	for _, c := range cfgs {
		target, err := config.ParseTarget(c.URI)
		if err != nil {
			return nil, &errors.ConfigError{RouteID: c.ID, Err: err}
		}
		preds, err := CompilePredicates(c.Predicates)
		if err != nil {
			return nil, &errors.ConfigError{RouteID: c.ID, Err: err}
		}

		r := &Route{
			ID:         c.ID,
			Order:      c.Order,
			URI:        c.URI,
			Target:     target,
			RetrySafe:  c.RetrySafe,
			Predicates: preds,
		}
		var term filter.Handler
		if terminal != nil {
			term = terminal(r)
		}
		if r.Chain, err = reg.Compile(c.ID, c.Filters, term); err != nil {
			return nil, err
		}
		t.routes = append(t.routes, r)
		t.byID[r.ID] = r
	}

	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].Order < t.routes[j].Order
	})
	return t, nil
}

// Empty returns a table without routes.
func Empty() *Table {
	return &Table{byID: map[string]*Route{}, builtAt: time.Now()}
}

func (t *Table) String() string {
	return fmt.Sprintf("route table v%d (%d routes)", t.version, len(t.routes))
}
