package webhook

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/events"
	"github.com/wudi/edgeway/internal/logging"
	"go.uber.org/zap"
)

const historySize = 100

// Dispatcher posts gateway events to the configured endpoints from a fixed
// worker pool. It is an events.Sink: Emit only enqueues.
type Dispatcher struct {
	queue     chan *Payload
	client    *http.Client
	retryCfg  config.WebhookRetryConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	counts    counters
	queueSize int

	mu        sync.RWMutex
	endpoints []config.WebhookEndpoint
	history   []Payload
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(cfg config.WebhooksConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxRetries <= 0 {
		retryCfg.MaxRetries = 3
	}
	if retryCfg.Backoff <= 0 {
		retryCfg.Backoff = time.Second
	}
	if retryCfg.MaxBackoff <= 0 {
		retryCfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoints: cfg.Endpoints,
		queue:     make(chan *Payload, queueSize),
		client:    &http.Client{Timeout: timeout},
		retryCfg:  retryCfg,
		ctx:       ctx,
		cancel:    cancel,
		queueSize: queueSize,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues e if any endpoint subscribes to it. A full queue drops the
// event.
func (d *Dispatcher) Emit(e events.Event) {
	if !d.subscribed(e) {
		return
	}
	d.counts.emitted.Add(1)
	select {
	case d.queue <- newPayload(e):
	default:
		d.counts.dropped.Add(1)
	}
}

// UpdateEndpoints replaces the endpoint list, e.g. on config reload.
func (d *Dispatcher) UpdateEndpoints(eps []config.WebhookEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = eps
}

// Close stops the workers. Queued events are discarded.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Stats returns a snapshot of dispatcher state and counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	endpoints := len(d.endpoints)
	recent := slices.Clone(d.history)
	d.mu.RUnlock()

	return DispatcherStats{
		Enabled:      true,
		Endpoints:    endpoints,
		QueueSize:    d.queueSize,
		QueueUsed:    len(d.queue),
		Counts:       d.counts.load(),
		RecentEvents: recent,
	}
}

func (d *Dispatcher) subscribed(e events.Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ep := range d.endpoints {
		if endpointMatches(ep, e.Type, e.RouteID) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.queue:
			d.dispatch(p)
		}
	}
}

func (d *Dispatcher) dispatch(p *Payload) {
	d.mu.Lock()
	d.history = append(d.history, *p)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	endpoints := slices.Clone(d.endpoints)
	d.mu.Unlock()

	for _, ep := range endpoints {
		if endpointMatches(ep, p.Type, p.RouteID) {
			d.deliverWithRetry(ep, p)
		}
	}
}

// endpointMatches applies the event type and route filters. Events without
// a route pass the route filter.
func endpointMatches(ep config.WebhookEndpoint, t events.Type, routeID string) bool {
	matched := slices.ContainsFunc(ep.Events, func(pattern string) bool {
		return matchesPattern(t, pattern)
	})
	if !matched {
		return false
	}
	if len(ep.Routes) > 0 && routeID != "" {
		return slices.Contains(ep.Routes, routeID)
	}
	return true
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.retryCfg.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.retryCfg.MaxBackoff,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.retryCfg.MaxRetries)), d.ctx)
}

func (d *Dispatcher) deliverWithRetry(ep config.WebhookEndpoint, p *Payload) {
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			d.counts.retries.Add(1)
		}
		attempt++
		return d.deliver(ep, p)
	}, d.newBackOff())
	if err != nil {
		d.counts.failed.Add(1)
		logging.Warn("Webhook delivery failed",
			zap.String("endpoint", ep.ID),
			zap.String("event", string(p.Type)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}
	d.counts.delivered.Add(1)
}
