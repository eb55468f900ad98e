package gateway

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/filter"
	"github.com/wudi/edgeway/internal/health"
	"github.com/wudi/edgeway/internal/loadbalancer"
	"github.com/wudi/edgeway/internal/proxy"
	"github.com/wudi/edgeway/internal/registry"
	"github.com/wudi/edgeway/internal/resilience"
	"github.com/wudi/edgeway/internal/retry"
	"github.com/wudi/edgeway/internal/router"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// upstreamSet is the upstream configuration a route table was built with.
// Upstreams with addresses resolve statically; the rest go to discovery.
type upstreamSet struct {
	byName   map[string]config.UpstreamConfig
	resolver registry.Resolver
	health   *health.Checker
}

func newUpstreamSet(ups []config.UpstreamConfig, discovery registry.Resolver, checker *health.Checker) *upstreamSet {
	s := &upstreamSet{byName: make(map[string]config.UpstreamConfig, len(ups)), health: checker}
	static := make(map[string][]string)
	for _, u := range ups {
		s.byName[u.Name] = u
		if len(u.Addresses) > 0 {
			static[u.Name] = u.Addresses
		}
	}
	s.resolver = registry.NewStatic(static, discovery)
	return s
}

// healthTargets lists the probe targets of upstreams with health checks.
func healthTargets(ups []config.UpstreamConfig) ([]health.Target, error) {
	var targets []health.Target
	for _, u := range ups {
		hc := u.HealthCheck
		if hc == nil {
			continue
		}
		var ranges []health.StatusRange
		for _, s := range hc.ExpectedStatus {
			r, err := health.ParseStatusRange(s)
			if err != nil {
				return nil, &errors.ConfigError{Err: fmt.Errorf("upstream %q: %w", u.Name, err)}
			}
			ranges = append(ranges, r)
		}
		for _, addr := range u.Addresses {
			targets = append(targets, health.Target{
				Address:        addr,
				Scheme:         schemeOr(u.Scheme),
				Path:           hc.Path,
				Method:         hc.Method,
				Timeout:        hc.Timeout,
				Interval:       hc.Interval,
				HealthyAfter:   hc.HealthyAfter,
				UnhealthyAfter: hc.UnhealthyAfter,
				ExpectedStatus: ranges,
			})
		}
	}
	return targets, nil
}

// UpstreamInfo is the admin view of an upstream.
type UpstreamInfo struct {
	Name      string               `json:"name"`
	Scheme    string               `json:"scheme"`
	Strategy  string               `json:"strategy"`
	Addresses []string             `json:"addresses,omitempty"`
	Discovery bool                 `json:"discovery"`
	InFlight  map[string]int64     `json:"in_flight,omitempty"`
	Health    []health.CheckResult `json:"health,omitempty"`
}

func (s *upstreamSet) info(c *resilience.Controller) []UpstreamInfo {
	if s == nil {
		return []UpstreamInfo{}
	}
	out := make([]UpstreamInfo, 0, len(s.byName))
	for _, u := range s.byName {
		ui := UpstreamInfo{
			Name:      u.Name,
			Scheme:    schemeOr(u.Scheme),
			Strategy:  strategyOr(u.Strategy),
			Addresses: u.Addresses,
			Discovery: len(u.Addresses) == 0,
		}
		if u.HealthCheck != nil {
			for _, r := range s.health.Results() {
				if slices.Contains(u.Addresses, r.Address) {
					ui.Health = append(ui.Health, r)
				}
			}
		}
		for _, a := range u.Addresses {
			if n := c.InFlight(a); n > 0 {
				if ui.InFlight == nil {
					ui.InFlight = make(map[string]int64)
				}
				ui.InFlight[a] = n
			}
		}
		out = append(out, ui)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func schemeOr(s string) string {
	if s == "" {
		return "http"
	}
	return s
}

func strategyOr(s string) string {
	if s == "" {
		return config.StrategyRoundRobin
	}
	return s
}

// destination is where a route sends its traffic for one request.
type destination struct {
	upstream string
	scheme   string
	basePath string
	strategy loadbalancer.Strategy
	addrs    []string
}

// resolve turns a route target into concrete addresses. Addresses are
// looked up per request and not kept afterwards.
func (s *upstreamSet) resolve(ctx context.Context, t config.Target) (destination, error) {
	if t.URL != nil {
		return destination{
			upstream: t.URL.Host,
			scheme:   t.URL.Scheme,
			basePath: t.URL.Path,
			strategy: loadbalancer.RoundRobin,
			addrs:    []string{t.URL.Host},
		}, nil
	}

	u := s.byName[t.Upstream]
	d := destination{
		upstream: t.Upstream,
		scheme:   schemeOr(u.Scheme),
		strategy: loadbalancer.Strategy(strategyOr(u.Strategy)),
	}
	addrs, err := s.resolver.ResolveUpstream(ctx, t.Upstream)
	if err != nil {
		return d, errors.Wrap(errors.ErrNoHealthyUpstream, err).
			WithDetails("resolving upstream " + t.Upstream)
	}
	if u.HealthCheck != nil {
		addrs = s.health.Filter(addrs)
	}
	d.addrs = addrs
	return d, nil
}

// terminal returns the handler that ends every chain of a table built with
// set: resolve, then call through the resilience controller.
func (g *Gateway) terminal(set *upstreamSet) router.TerminalFactory {
	return func(rt *router.Route) filter.Handler {
		return filter.HandlerFunc(func(ex *filter.Exchange) (*http.Response, error) {
			return g.forward(set, rt, ex)
		})
	}
}

func (g *Gateway) forward(set *upstreamSet, rt *router.Route, ex *filter.Exchange) (*http.Response, error) {
	r := ex.Request
	ctx := r.Context()

	dest, err := set.resolve(ctx, rt.Target)
	ex.Upstream = dest.upstream
	if err != nil {
		return nil, err
	}

	replayable := true
	if rp := ex.Policy.Retry; rp.Allows(r.Method, ex.RetrySafe) {
		if replayable, err = retry.PrepareBody(r, rp.MaxReplayBytes); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(errors.ErrCanceled, err)
			}
			return nil, errors.Wrap(errors.ErrInternal, err).WithDetails("reading request body")
		}
	}

	clientIP := proxy.ClientIP(r)
	return g.controller.Execute(ctx, resilience.Call{
		RouteID:    rt.ID,
		Upstream:   dest.upstream,
		Method:     r.Method,
		RetrySafe:  ex.RetrySafe,
		Replayable: replayable,
		Policy:     ex.Policy,
		Select: func() (string, error) {
			return g.balancer.Select(dest.upstream, dest.addrs, dest.strategy, clientIP)
		},
		Do: func(ctx context.Context, addr string, attempt int) (*http.Response, error) {
			ex.Address, ex.Attempts = addr, attempt

			ctx, span := g.tracer.StartSpan(ctx, "upstream "+dest.upstream,
				attribute.String("edgeway.route_id", rt.ID),
				attribute.String("server.address", addr),
				attribute.Int("edgeway.attempt", attempt),
			)
			defer span.End()

			resp, err := g.executor.Forward(ctx, r, proxy.Target{
				Scheme:   dest.scheme,
				Address:  addr,
				BasePath: dest.basePath,
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(errors.KindOf(err)))
				return nil, err
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			return resp, nil
		},
	})
}
