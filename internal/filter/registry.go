package filter

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgeway/internal/auth"
	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/events"
)

// Deps are the shared collaborators available to filter factories.
type Deps struct {
	// Redis backs distributed rate limiting; nil disables mode "redis".
	Redis *redis.Client
	// Checkers are named auth verdict sources for check_auth.
	Checkers map[string]auth.Checker
	// HTTPClient is used by checkers created from a url argument.
	HTTPClient *http.Client
	Sink       events.Sink
}

// Factory builds a filter from its arguments. It runs once per route table
// build; errors reject the table.
type Factory func(routeID string, args Args, deps *Deps) (Filter, error)

// Registry maps filter names to factories.
type Registry struct {
	deps *Deps

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding every built-in filter.
func NewRegistry(deps Deps) *Registry {
	if deps.Sink == nil {
		deps.Sink = events.Nop
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	r := &Registry{
		deps:      &deps,
		factories: make(map[string]Factory),
	}
	for name, f := range builtins {
		r.factories[name] = f
	}
	return r
}

var builtins = map[string]Factory{
	"add_request_header":     newAddRequestHeader,
	"set_request_header":     newSetRequestHeader,
	"remove_request_header":  newRemoveRequestHeader,
	"add_response_header":    newAddResponseHeader,
	"remove_response_header": newRemoveResponseHeader,
	"strip_prefix":           newStripPrefix,
	"prefix_path":            newPrefixPath,
	"rewrite_path":           newRewritePath,
	"request_timeout":        newRequestTimeout,
	"retry":                  newRetry,
	"circuit_breaker":        newCircuitBreaker,
	"rate_limit":             newRateLimit,
	"check_auth":             newCheckAuth,
	"jwt_auth":               newJWTAuth,
	"set_status":             newSetStatus,
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names lists the registered filter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compile builds the chain of one route. Unknown names and malformed
// arguments are reported as *errors.ConfigError.
func (r *Registry) Compile(routeID string, specs []config.FilterConfig, terminal Handler) (*Chain, error) {
	filters := make([]Filter, 0, len(specs))
	for i, spec := range specs {
		r.mu.RLock()
		factory, ok := r.factories[spec.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, &errors.ConfigError{RouteID: routeID, Filter: spec.Name, Err: fmt.Errorf("filters[%d]: unknown filter", i)}
		}
		f, err := factory(routeID, Args(spec.Args), r.deps)
		if err != nil {
			return nil, &errors.ConfigError{RouteID: routeID, Filter: spec.Name, Err: err}
		}
		filters = append(filters, f)
	}
	return NewChain(routeID, filters, terminal, r.deps.Sink), nil
}
