// Package resilience wraps upstream calls with timeout, circuit breaking and
// retries.
package resilience

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/edgeway/internal/circuitbreaker"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/events"
	"github.com/wudi/edgeway/internal/loadbalancer"
	"github.com/wudi/edgeway/internal/retry"
)

// Policy is the per-request call policy assembled by a route's filters.
type Policy struct {
	Timeout time.Duration
	Retry   *retry.Policy
	// Breaker is nil when the route has no circuit breaker.
	Breaker *circuitbreaker.Settings
	// BreakerKey overrides the upstream name as the breaker key.
	BreakerKey string
}

// Call describes one logical upstream call.
type Call struct {
	RouteID   string
	Upstream  string
	Method    string
	RetrySafe bool
	// Replayable reports that the request body can be sent more than once.
	Replayable bool
	Policy     Policy

	// Select picks the address for an attempt.
	Select func() (string, error)
	// Do performs one attempt against addr. Errors must be classified
	// gateway errors.
	Do func(ctx context.Context, addr string, attempt int) (*http.Response, error)
}

// SleepFunc waits for d unless ctx ends first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the backoff sleeper, for tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithBreakerOptions passes options to every breaker the controller creates.
func WithBreakerOptions(opts ...circuitbreaker.Option) Option {
	return func(c *Controller) { c.breakerOpts = append(c.breakerOpts, opts...) }
}

// Controller owns breaker state and in-flight counts for all upstreams.
type Controller struct {
	sink        events.Sink
	sleep       SleepFunc
	breakerOpts []circuitbreaker.Option
	breakers    *circuitbreaker.Registry
	tracker     *loadbalancer.Tracker
}

// New creates a controller that reports retries and breaker transitions to
// sink.
func New(sink events.Sink, opts ...Option) *Controller {
	if sink == nil {
		sink = events.Nop
	}
	c := &Controller{
		sink:    sink,
		sleep:   retry.Sleep,
		tracker: loadbalancer.NewTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	onChange := circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
		c.sink.Emit(events.Event{
			Type:     events.CircuitStateChanged,
			Upstream: name,
			From:     from.String(),
			To:       to.String(),
		})
	})
	c.breakers = circuitbreaker.NewRegistry(append([]circuitbreaker.Option{onChange}, c.breakerOpts...)...)
	return c
}

// Breakers exposes breaker state for inspection.
func (c *Controller) Breakers() *circuitbreaker.Registry {
	return c.breakers
}

// InFlight returns the number of unfinished calls to addr.
func (c *Controller) InFlight(addr string) int64 {
	return c.tracker.InFlight(addr)
}

// InFlightSnapshot returns the non-zero in-flight counts by address.
func (c *Controller) InFlightSnapshot() map[string]int64 {
	return c.tracker.Snapshot()
}

// Execute runs call under its policy. Upstream error statuses come back as
// responses; a response whose status stayed retryable after the last attempt
// is returned as is. A timeout that expires while waiting to retry fails the
// call with UpstreamTimeout. The caller must close the response body.
func (c *Controller) Execute(ctx context.Context, call Call) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if call.Policy.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, call.Policy.Timeout)
	}

	var breaker *circuitbreaker.Breaker
	if call.Policy.Breaker != nil {
		key := call.Policy.BreakerKey
		if key == "" {
			key = call.Upstream
		}
		breaker = c.breakers.Get(key, *call.Policy.Breaker)
	}

	rp := call.Policy.Retry
	attempts := 1
	if call.Replayable && rp.Allows(call.Method, call.RetrySafe) {
		attempts = rp.MaxAttempts
	}
	if rp != nil {
		rp.Metrics.Requests.Add(1)
	}

	var bo backoff.BackOff
	if attempts > 1 {
		bo = rp.NewBackOff()
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		addr, serr := call.Select()
		if serr != nil {
			if attempt == 1 {
				cancel()
				return nil, serr
			}
			break
		}

		var done func(circuitbreaker.Outcome)
		if breaker != nil {
			var berr error
			if done, berr = breaker.Allow(); berr != nil {
				if attempt == 1 {
					cancel()
					return nil, errors.Wrap(errors.ErrUpstreamUnavailable, berr).
						WithDetails("circuit breaker " + breaker.Name() + " rejected the call")
				}
				break
			}
		}

		discard(resp)
		resp, err = c.attempt(ctx, call, addr, attempt)
		if done != nil {
			done(outcome(breaker, resp, err))
		}

		if attempt >= attempts || !retryable(rp, resp, err) {
			if attempt >= attempts && attempts > 1 && retryable(rp, resp, err) {
				rp.Metrics.Exhausted.Add(1)
			}
			break
		}
		if ctx.Err() != nil {
			discard(resp)
			resp, err = nil, interrupted(ctx)
			break
		}

		delay := bo.NextBackOff()
		ev := events.Event{
			Type:     events.RetryAttempt,
			RouteID:  call.RouteID,
			Upstream: call.Upstream,
			Address:  addr,
			Method:   call.Method,
			Attempt:  attempt + 1,
			Latency:  delay,
			Err:      err,
		}
		if resp != nil {
			ev.Status = resp.StatusCode
		}
		c.sink.Emit(ev)
		rp.Metrics.Retries.Add(1)

		if c.sleep(ctx, delay) != nil {
			discard(resp)
			resp, err = nil, interrupted(ctx)
			break
		}
	}

	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = onClose(resp.Body, cancel)
	return resp, nil
}

// interrupted classifies a retry cut short by the route timeout or by the
// caller going away. The superseded attempt's result is not returned.
func interrupted(ctx context.Context) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrUpstreamTimeout, ctx.Err()).WithDetails("request timeout expired before the next attempt")
	}
	return errors.Wrap(errors.ErrCanceled, ctx.Err())
}

// attempt performs one call to addr, counting it in flight until the
// response body is closed or the call fails.
func (c *Controller) attempt(ctx context.Context, call Call, addr string, attempt int) (*http.Response, error) {
	end := c.tracker.Begin(addr)

	tryCancel := context.CancelFunc(func() {})
	if rp := call.Policy.Retry; rp != nil && rp.PerTryTimeout > 0 {
		ctx, tryCancel = context.WithTimeout(ctx, rp.PerTryTimeout)
	}

	resp, err := call.Do(ctx, addr, attempt)
	if err != nil {
		tryCancel()
		end()
		return nil, err
	}
	resp.Body = onClose(resp.Body, tryCancel, end)
	return resp, nil
}

// outcome maps an attempt's result to what the breaker records. Calls the
// caller abandoned are not counted either way.
func outcome(b *circuitbreaker.Breaker, resp *http.Response, err error) circuitbreaker.Outcome {
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindUpstreamTimeout, errors.KindUpstreamConnectionFailure, errors.KindPoolExhausted:
			return circuitbreaker.Failure
		default:
			return circuitbreaker.Ignored
		}
	}
	if b.IsFailureStatus(resp.StatusCode) {
		return circuitbreaker.Failure
	}
	return circuitbreaker.Success
}

// retryable reports whether an attempt's result is worth another attempt.
// Pool exhaustion is not: another attempt would queue on the same pool.
func retryable(rp *retry.Policy, resp *http.Response, err error) bool {
	if rp == nil {
		return false
	}
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindUpstreamTimeout, errors.KindUpstreamConnectionFailure:
			return true
		}
		return false
	}
	return rp.IsRetryableStatus(resp.StatusCode)
}

// discard drains a little of a superseded response so its connection can be
// reused, then closes it.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	resp.Body.Close()
}

type hookBody struct {
	io.ReadCloser
	once  sync.Once
	hooks []func()
}

func (b *hookBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		for _, h := range b.hooks {
			h()
		}
	})
	return err
}

func onClose(body io.ReadCloser, hooks ...func()) io.ReadCloser {
	if body == nil {
		body = http.NoBody
	}
	return &hookBody{ReadCloser: body, hooks: hooks}
}
