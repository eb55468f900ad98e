package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wudi/edgeway/internal/events"
)

const namespace = "edgeway"

// DefaultBuckets are request latency buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector turns gateway events into Prometheus series. It owns its
// registry so several gateways can live in one process.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	unmatchedTotal   prometheus.Counter
	retriesTotal     *prometheus.CounterVec
	filterFaults     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	breakerChanges   *prometheus.CounterVec
	routeTableLoads  *prometheus.CounterVec
	routeTableRoutes prometheus.Gauge
	routeTableVer    prometheus.Gauge
}

// NewCollector creates a collector with Go and process collectors attached.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route, method, status and final lifecycle state.",
		}, []string{"route", "method", "status", "state"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to response headers, by route.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		unmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_not_matched_total",
			Help:      "Requests that matched no route.",
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream call retries, by route and upstream.",
		}, []string{"route", "upstream"}),
		filterFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_faults_total",
			Help:      "Filter failures, by route and filter.",
		}, []string{"route", "filter"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half open.",
		}, []string{"breaker"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"breaker", "from", "to"}),
		routeTableLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_table_loads_total",
			Help:      "Route table load attempts, by result.",
		}, []string{"result"}),
		routeTableRoutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_routes",
			Help:      "Routes in the active route table.",
		}),
		routeTableVer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_version",
			Help:      "Version of the active route table.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.unmatchedTotal,
		c.retriesTotal,
		c.filterFaults,
		c.breakerState,
		c.breakerChanges,
		c.routeTableLoads,
		c.routeTableRoutes,
		c.routeTableVer,
	)
	return c
}

// Emit implements events.Sink.
func (c *Collector) Emit(e events.Event) {
	switch e.Type {
	case events.RequestCompleted:
		route := e.RouteID
		if route == "" {
			route = "none"
		}
		c.requestsTotal.WithLabelValues(route, e.Method, strconv.Itoa(e.Status), e.State).Inc()
		c.requestDuration.WithLabelValues(route).Observe(e.Latency.Seconds())
	case events.RouteNotMatched:
		c.unmatchedTotal.Inc()
	case events.RetryAttempt:
		c.retriesTotal.WithLabelValues(e.RouteID, e.Upstream).Inc()
	case events.FilterFault:
		c.filterFaults.WithLabelValues(e.RouteID, e.Filter).Inc()
	case events.CircuitStateChanged:
		c.breakerState.WithLabelValues(e.Upstream).Set(stateValue(e.To))
		c.breakerChanges.WithLabelValues(e.Upstream, e.From, e.To).Inc()
	case events.RouteTableLoaded:
		c.routeTableLoads.WithLabelValues("loaded").Inc()
		c.routeTableRoutes.Set(float64(e.Routes))
		c.routeTableVer.Set(float64(e.Version))
	case events.RouteTableRejected:
		c.routeTableLoads.WithLabelValues("rejected").Inc()
	}
}

func stateValue(s string) float64 {
	switch s {
	case "open":
		return 1
	case "half_open":
		return 2
	}
	return 0
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
