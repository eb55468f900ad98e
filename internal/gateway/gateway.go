package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgeway/internal/auth"
	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/events"
	"github.com/wudi/edgeway/internal/filter"
	"github.com/wudi/edgeway/internal/health"
	"github.com/wudi/edgeway/internal/loadbalancer"
	"github.com/wudi/edgeway/internal/logging"
	"github.com/wudi/edgeway/internal/metrics"
	"github.com/wudi/edgeway/internal/middleware"
	"github.com/wudi/edgeway/internal/proxy"
	"github.com/wudi/edgeway/internal/registry"
	"github.com/wudi/edgeway/internal/registry/consul"
	"github.com/wudi/edgeway/internal/registry/dns"
	"github.com/wudi/edgeway/internal/registry/etcd"
	"github.com/wudi/edgeway/internal/registry/kubernetes"
	"github.com/wudi/edgeway/internal/registry/memory"
	"github.com/wudi/edgeway/internal/resilience"
	"github.com/wudi/edgeway/internal/router"
	"github.com/wudi/edgeway/internal/tracing"
	"github.com/wudi/edgeway/internal/webhook"
	"go.uber.org/zap"
)

// Gateway routes requests through the current route table and forwards
// them upstream.
type Gateway struct {
	store      *router.Store
	filters    *filter.Registry
	controller *resilience.Controller
	balancer   *loadbalancer.Balancer
	executor   *proxy.Executor
	discovery  registry.Registry
	health     *health.Checker
	webhooks   *webhook.Dispatcher
	redis      *redis.Client
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	sink       events.Sink

	flushInterval time.Duration

	reloadMu  sync.Mutex
	upstreams atomic.Pointer[upstreamSet]
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	sinks      []events.Sink
	transport  http.RoundTripper
	discovery  registry.Registry
	checkers   map[string]auth.Checker
	resilience []resilience.Option
	tracer     *tracing.Tracer
}

// WithSink adds an event sink next to the log and metrics sinks.
func WithSink(s events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithDiscovery replaces the discovery backend named in the config.
func WithDiscovery(r registry.Registry) Option {
	return func(o *options) { o.discovery = r }
}

// WithChecker registers a named auth checker for check_auth filters.
func WithChecker(name string, c auth.Checker) Option {
	return func(o *options) {
		if o.checkers == nil {
			o.checkers = make(map[string]auth.Checker)
		}
		o.checkers[name] = c
	}
}

// WithResilienceOptions passes options to the resilience controller.
func WithResilienceOptions(opts ...resilience.Option) Option {
	return func(o *options) { o.resilience = append(o.resilience, opts...) }
}

// WithTracer sets the tracer used for upstream spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New creates a gateway and loads cfg's routes. An invalid route table
// fails construction.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		metrics:       metrics.NewCollector(),
		tracer:        o.tracer,
		flushInterval: cfg.Transport.FlushInterval,
	}
	if g.tracer == nil {
		g.tracer = &tracing.Tracer{}
	}
	sinks := events.Multi{events.NewLogSink(logging.Global()), g.metrics}
	if cfg.Webhooks.Enabled {
		g.webhooks = webhook.NewDispatcher(cfg.Webhooks)
		sinks = append(sinks, g.webhooks)
	}
	g.sink = append(sinks, o.sinks...)

	g.health = health.NewChecker(health.Config{
		OnChange: func(addr string, from, to health.Status) {
			g.sink.Emit(events.Event{Type: events.UpstreamHealth, Address: addr, From: string(from), To: string(to)})
		},
	})

	g.discovery = o.discovery
	if g.discovery == nil {
		d, err := newDiscovery(cfg.Registry)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to initialize registry: %w", err)
		}
		g.discovery = d
	}

	checkers, err := newCheckers(cfg.Auth, o.checkers)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	if cfg.Redis.Address != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
	}

	transport := o.transport
	if transport == nil {
		transport = proxy.NewTransport(cfg.Transport)
	}
	g.executor = proxy.NewExecutor(transport, proxy.NewPool(cfg.Transport.MaxConnsPerHost, cfg.Transport.CheckoutTimeout))
	g.controller = resilience.New(g.sink, o.resilience...)
	g.balancer = loadbalancer.New(g.controller)

	g.filters = filter.NewRegistry(filter.Deps{
		Redis:    g.redis,
		Checkers: checkers,
		Sink:     g.sink,
	})
	g.store = router.NewStore(g.filters, nil, g.sink)

	if err := g.Reload(cfg); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// newDiscovery opens the configured discovery backend.
func newDiscovery(cfg config.RegistryConfig) (registry.Registry, error) {
	switch registry.RegistryType(cfg.Type) {
	case registry.TypeConsul:
		return consul.New(cfg.Consul)
	case registry.TypeEtcd:
		return etcd.New(cfg.Etcd)
	case registry.TypeDNS:
		return dns.New(cfg.DNS)
	case registry.TypeKubernetes:
		return kubernetes.New(cfg.Kubernetes)
	default:
		return memory.New(), nil
	}
}

// newCheckers builds the configured named checkers. Checkers passed as
// options win over configured ones with the same name.
func newCheckers(cfg config.AuthConfig, extra map[string]auth.Checker) (map[string]auth.Checker, error) {
	out := make(map[string]auth.Checker, len(cfg.Checkers)+len(extra))
	for name, c := range cfg.Checkers {
		var (
			checker auth.Checker
			err     error
		)
		switch c.Type {
		case "http":
			checker, err = auth.NewHTTPChecker(auth.HTTPConfig{
				URL:       c.URL,
				Timeout:   c.Timeout,
				CacheTTL:  c.CacheTTL,
				CacheSize: c.CacheSize,
			})
		case "jwt":
			checker, err = auth.NewJWTChecker(auth.JWTConfig{
				Secret:          c.Secret,
				PublicKey:       c.PublicKey,
				Algorithm:       c.Algorithm,
				Issuer:          c.Issuer,
				Audience:        c.Audience,
				ClaimsToHeaders: c.ClaimsToHeaders,
			})
		default:
			err = fmt.Errorf("unknown type %q", c.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("checker %q: %w", name, err)
		}
		out[name] = checker
	}
	for name, c := range extra {
		out[name] = c
	}
	return out, nil
}

// Validate compiles cfg's checkers, health checks and route table the way
// New does, without opening discovery or serving traffic.
func Validate(cfg *config.Config) error {
	checkers, err := newCheckers(cfg.Auth, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}
	if _, err := healthTargets(cfg.Upstreams); err != nil {
		return err
	}

	deps := filter.Deps{Checkers: checkers}
	if cfg.Redis.Address != "" {
		// The client dials lazily, so nothing connects here.
		deps.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address})
		defer deps.Redis.Close()
	}
	_, err = router.Build(cfg.Routes, filter.NewRegistry(deps), nil)
	return err
}

// Reload swaps in cfg's upstreams and routes together. Other sections are
// fixed at startup. On error the running table and upstreams stay.
func (g *Gateway) Reload(cfg *config.Config) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	targets, err := healthTargets(cfg.Upstreams)
	if err != nil {
		return err
	}
	set := newUpstreamSet(cfg.Upstreams, registry.NewResolver(g.discovery), g.health)
	if _, err := g.store.LoadWith(cfg.Routes, g.terminal(set)); err != nil {
		return err
	}
	g.upstreams.Store(set)
	g.health.Sync(targets)
	if g.webhooks != nil {
		g.webhooks.UpdateEndpoints(cfg.Webhooks.Endpoints)
	}
	return nil
}

// LoadRouteTable compiles routes against the current upstreams and
// publishes them. A rejected table leaves the previous one active.
func (g *Gateway) LoadRouteTable(routes []config.RouteConfig) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	_, err := g.store.LoadWith(routes, g.terminal(g.upstreams.Load()))
	return err
}

// CurrentRouteTable returns the published route table.
func (g *Gateway) CurrentRouteTable() *router.Table {
	return g.store.Current()
}

// Controller exposes breaker and in-flight state.
func (g *Gateway) Controller() *resilience.Controller {
	return g.controller
}

// Metrics returns the Prometheus collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Webhooks returns the webhook dispatcher, or nil when webhooks are off.
func (g *Gateway) Webhooks() *webhook.Dispatcher {
	return g.webhooks
}

// Discovery returns the discovery backend.
func (g *Gateway) Discovery() registry.Registry {
	return g.discovery
}

// Upstreams describes the configured upstreams, sorted by name.
func (g *Gateway) Upstreams() []UpstreamInfo {
	return g.upstreams.Load().info(g.controller)
}

// ServeHTTP runs one request through its lifecycle.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := middleware.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = uuid.New().String()
	}

	ex := filter.NewExchange(r.Clone(r.Context()), reqID)
	done := events.Event{
		Type:      events.RequestCompleted,
		RequestID: reqID,
		Method:    r.Method,
		Path:      r.URL.Path,
	}

	route, ok := g.store.Current().Match(router.Describe(r))
	if !ok {
		g.sink.Emit(events.Event{Type: events.RouteNotMatched, RequestID: reqID, Method: r.Method, Path: r.URL.Path})
		gerr := errors.ErrNoRouteFound.WithRequestID(reqID)
		ex.Finish(nil, gerr)
		gerr.WriteJSON(w)

		done.Status, done.State, done.Latency = gerr.Code, ex.State().String(), time.Since(start)
		g.sink.Emit(done)
		return
	}

	ex.Transition(filter.StateRouteMatched)
	ex.RetrySafe = route.RetrySafe
	g.sink.Emit(events.Event{Type: events.RouteMatched, RequestID: reqID, RouteID: route.ID, Method: r.Method, Path: r.URL.Path})

	resp, err := route.Chain.Handle(ex)
	state := ex.Finish(resp, err)

	done.RouteID = route.ID
	done.State = state.String()
	done.Upstream, done.Address, done.Attempt = ex.Upstream, ex.Address, ex.Attempts
	defer func() {
		done.Latency = time.Since(start)
		g.sink.Emit(done)
	}()

	if err != nil {
		done.Err = err
		gerr, ok := errors.As(err)
		if !ok {
			gerr = errors.Wrap(errors.ErrInternal, err)
		}
		done.Status = gerr.Code
		if gerr.Kind == errors.KindCanceled || r.Context().Err() != nil {
			done.Status = errors.KindCanceled.Status()
			return
		}
		gerr.WithRequestID(reqID).WriteJSON(w)
		return
	}

	defer resp.Body.Close()
	done.Status = resp.StatusCode
	if _, werr := proxy.WriteResponse(w, resp, g.flushInterval); werr != nil {
		if stderrors.Is(werr, context.Canceled) || r.Context().Err() != nil {
			done.Err = errors.Wrap(errors.ErrCanceled, werr)
			return
		}
		logging.Debug("response copy failed",
			zap.String("request_id", reqID),
			zap.String("route_id", route.ID),
			zap.Error(werr),
		)
		done.Err = werr
	}
}

// Close stops health probes and releases discovery and Redis connections.
func (g *Gateway) Close() error {
	g.health.Stop()
	if g.webhooks != nil {
		g.webhooks.Close()
	}
	var errs []error
	if g.discovery != nil {
		errs = append(errs, g.discovery.Close())
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	return stderrors.Join(errs...)
}
