package resilience

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wudi/edgeway/internal/circuitbreaker"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/events"
	"github.com/wudi/edgeway/internal/retry"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("body"))}
}

// scripted returns a Do func that answers each attempt with the next result.
func scripted(results ...any) (func(context.Context, string, int) (*http.Response, error), *int) {
	calls := new(int)
	return func(ctx context.Context, addr string, attempt int) (*http.Response, error) {
		r := results[*calls]
		*calls++
		switch v := r.(type) {
		case int:
			return response(v), nil
		case error:
			return nil, v
		}
		panic("bad script")
	}, calls
}

func fixed(addr string) func() (string, error) {
	return func() (string, error) { return addr, nil }
}

func newController(t *testing.T, opts ...Option) (*Controller, *recorder, *sleeps) {
	t.Helper()
	rec := &recorder{}
	sl := &sleeps{}
	return New(rec, append([]Option{WithSleep(sl.sleep)}, opts...)...), rec, sl
}

func TestRetryThenSuccess(t *testing.T) {
	c, rec, sl := newController(t)
	do, calls := scripted(503, 503, 200)

	resp, err := c.Execute(context.Background(), Call{
		Upstream:   "orders",
		Method:     http.MethodGet,
		Replayable: true,
		Policy:     Policy{Retry: retry.NewPolicy(retry.Config{MaxAttempts: 3})},
		Select:     fixed("a:1"),
		Do:         do,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != 200 || *calls != 3 {
		t.Errorf("status=%d calls=%d", resp.StatusCode, *calls)
	}
	if len(sl.delays) != 2 || sl.delays[1] <= sl.delays[0] {
		t.Errorf("backoff delays must strictly increase: %v", sl.delays)
	}
	retries := rec.ofType(events.RetryAttempt)
	if len(retries) != 2 || retries[0].Attempt != 2 || retries[1].Attempt != 3 || retries[0].Upstream != "orders" {
		t.Errorf("unexpected retry events %+v", retries)
	}
}

func TestRetryExhaustedReturnsLastResponse(t *testing.T) {
	c, _, _ := newController(t)
	do, calls := scripted(502, 503, 504)
	rp := retry.NewPolicy(retry.Config{MaxAttempts: 3})

	resp, err := c.Execute(context.Background(), Call{
		Method: http.MethodGet, Replayable: true,
		Policy: Policy{Retry: rp}, Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 504 || *calls != 3 {
		t.Errorf("status=%d calls=%d", resp.StatusCode, *calls)
	}
	if m := rp.Metrics.Snapshot(); m.Retries != 2 || m.Exhausted != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestPostNotRetried(t *testing.T) {
	c, rec, _ := newController(t)
	do, calls := scripted(errors.ErrUpstreamConnectionFailure, 200)

	_, err := c.Execute(context.Background(), Call{
		Method: http.MethodPost, Replayable: true,
		Policy: Policy{Retry: retry.NewPolicy(retry.Config{MaxAttempts: 3})},
		Select: fixed("a:1"), Do: do,
	})
	if errors.KindOf(err) != errors.KindUpstreamConnectionFailure {
		t.Fatalf("expected connection failure, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("POST must not be retried, got %d calls", *calls)
	}
	if len(rec.ofType(events.RetryAttempt)) != 0 {
		t.Error("no retry events expected")
	}
}

func TestRetrySafeRouteRetriesPost(t *testing.T) {
	c, _, _ := newController(t)
	do, calls := scripted(errors.ErrUpstreamConnectionFailure, 201)

	resp, err := c.Execute(context.Background(), Call{
		Method: http.MethodPost, RetrySafe: true, Replayable: true,
		Policy: Policy{Retry: retry.NewPolicy(retry.Config{MaxAttempts: 3})},
		Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if *calls != 2 || resp.StatusCode != 201 {
		t.Errorf("calls=%d status=%d", *calls, resp.StatusCode)
	}
}

func TestUnreplayableBodyNotRetried(t *testing.T) {
	c, _, _ := newController(t)
	do, calls := scripted(503, 200)

	resp, err := c.Execute(context.Background(), Call{
		Method: http.MethodPut,
		Policy: Policy{Retry: retry.NewPolicy(retry.Config{MaxAttempts: 3})},
		Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if *calls != 1 || resp.StatusCode != 503 {
		t.Errorf("calls=%d status=%d", *calls, resp.StatusCode)
	}
}

func TestPoolExhaustedNotRetried(t *testing.T) {
	c, _, _ := newController(t)
	do, calls := scripted(errors.ErrPoolExhausted, 200)

	_, err := c.Execute(context.Background(), Call{
		Method: http.MethodGet, Replayable: true,
		Policy: Policy{Retry: retry.NewPolicy(retry.Config{MaxAttempts: 3})},
		Select: fixed("a:1"), Do: do,
	})
	if errors.KindOf(err) != errors.KindPoolExhausted || *calls != 1 {
		t.Errorf("err=%v calls=%d", err, *calls)
	}
}

func TestOpenBreakerRejectsWithoutCalling(t *testing.T) {
	c, rec, _ := newController(t)
	settings := &circuitbreaker.Settings{MinSamples: 2, FailureRatio: 0.5, Cooldown: time.Hour}
	do, calls := scripted(errors.ErrUpstreamConnectionFailure, errors.ErrUpstreamConnectionFailure, 200)
	call := Call{
		Upstream: "orders", Method: http.MethodGet,
		Policy: Policy{Breaker: settings},
		Select: fixed("a:1"), Do: do,
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Execute(context.Background(), call); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.Execute(context.Background(), call)
	if errors.KindOf(err) != errors.KindUpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if *calls != 2 {
		t.Errorf("open breaker must not call the upstream, got %d calls", *calls)
	}

	changes := rec.ofType(events.CircuitStateChanged)
	if len(changes) != 1 || changes[0].Upstream != "orders" || changes[0].From != "closed" || changes[0].To != "open" {
		t.Errorf("unexpected transitions %+v", changes)
	}
	if b, ok := c.Breakers().Lookup("orders"); !ok || b.State() != circuitbreaker.StateOpen {
		t.Error("breaker should be registered and open")
	}
}

func TestBreakerOpeningStopsRetries(t *testing.T) {
	c, _, _ := newController(t)
	do, calls := scripted(503, 503, 503)

	resp, err := c.Execute(context.Background(), Call{
		Upstream: "orders", Method: http.MethodGet, Replayable: true,
		Policy: Policy{
			Retry:   retry.NewPolicy(retry.Config{MaxAttempts: 3}),
			Breaker: &circuitbreaker.Settings{MinSamples: 2, Cooldown: time.Hour},
		},
		Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if *calls != 2 || resp.StatusCode != 503 {
		t.Errorf("retry must stop once the breaker opens: calls=%d status=%d", *calls, resp.StatusCode)
	}
}

func TestBreakerKeyOverride(t *testing.T) {
	c, _, _ := newController(t)
	do, _ := scripted(200)

	resp, err := c.Execute(context.Background(), Call{
		Upstream: "orders", Method: http.MethodGet,
		Policy: Policy{Breaker: &circuitbreaker.Settings{}, BreakerKey: "route:orders"},
		Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, ok := c.Breakers().Lookup("route:orders"); !ok {
		t.Error("breaker should be keyed by the override")
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	c, _, _ := newController(t)
	do := func(ctx context.Context, addr string, attempt int) (*http.Response, error) {
		<-ctx.Done()
		return nil, errors.Wrap(errors.ErrUpstreamTimeout, ctx.Err())
	}
	call := Call{
		Upstream: "slow", Method: http.MethodGet,
		Policy: Policy{Timeout: 10 * time.Millisecond, Breaker: &circuitbreaker.Settings{MinSamples: 1, Cooldown: time.Hour}},
		Select: fixed("a:1"), Do: do,
	}

	_, err := c.Execute(context.Background(), call)
	if errors.KindOf(err) != errors.KindUpstreamTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if b, _ := c.Breakers().Lookup("slow"); b.State() != circuitbreaker.StateOpen {
		t.Errorf("timeout should count as a breaker failure, state %s", b.State())
	}
}

func TestCanceledIsNotABreakerFailure(t *testing.T) {
	c, _, _ := newController(t)
	do, _ := scripted(errors.ErrCanceled)

	_, err := c.Execute(context.Background(), Call{
		Upstream: "orders", Method: http.MethodGet,
		Policy: Policy{Breaker: &circuitbreaker.Settings{MinSamples: 1}},
		Select: fixed("a:1"), Do: do,
	})
	if errors.KindOf(err) != errors.KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	b, _ := c.Breakers().Lookup("orders")
	if snap := b.Snapshot(); snap.State != "closed" || snap.WindowFailures != 0 {
		t.Errorf("cancellation must not be recorded: %+v", snap)
	}
}

func TestSelectFailureSkipsBreaker(t *testing.T) {
	c, _, _ := newController(t)
	called := false

	_, err := c.Execute(context.Background(), Call{
		Upstream: "orders", Method: http.MethodGet,
		Policy: Policy{Breaker: &circuitbreaker.Settings{MinSamples: 1}},
		Select: func() (string, error) { return "", errors.ErrNoHealthyUpstream },
		Do: func(context.Context, string, int) (*http.Response, error) {
			called = true
			return response(200), nil
		},
	})
	if errors.KindOf(err) != errors.KindNoHealthyUpstream || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
	if b, ok := c.Breakers().Lookup("orders"); ok && b.Snapshot().TotalRequests != 0 {
		t.Error("no healthy upstream must not reach the breaker")
	}
}

func TestInFlightReleasedOnEveryPath(t *testing.T) {
	c, _, _ := newController(t)

	var seen int64
	do := func(ctx context.Context, addr string, attempt int) (*http.Response, error) {
		seen = c.InFlight(addr)
		if attempt == 1 {
			return nil, errors.ErrUpstreamConnectionFailure
		}
		return response(200), nil
	}

	resp, err := c.Execute(context.Background(), Call{
		Method: http.MethodGet, Replayable: true,
		Policy: Policy{Retry: retry.NewPolicy(retry.Config{MaxAttempts: 2})},
		Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != 1 {
		t.Errorf("in-flight during call = %d, want 1", seen)
	}
	if n := c.InFlight("a:1"); n != 1 {
		t.Errorf("open body should still count, got %d", n)
	}
	resp.Body.Close()
	resp.Body.Close()
	if n := c.InFlight("a:1"); n != 0 {
		t.Errorf("in-flight after close = %d", n)
	}
	if len(c.InFlightSnapshot()) != 0 {
		t.Error("snapshot should be empty")
	}
}

func TestTimeoutContextLivesUntilBodyClose(t *testing.T) {
	c, _, _ := newController(t)
	var callCtx context.Context
	do := func(ctx context.Context, addr string, attempt int) (*http.Response, error) {
		callCtx = ctx
		return response(200), nil
	}

	resp, err := c.Execute(context.Background(), Call{
		Method: http.MethodGet,
		Policy: Policy{Timeout: time.Minute},
		Select: fixed("a:1"), Do: do,
	})
	if err != nil {
		t.Fatal(err)
	}
	if callCtx.Err() != nil {
		t.Fatal("context must stay alive while the body is read")
	}
	resp.Body.Close()
	if callCtx.Err() == nil {
		t.Error("closing the body should release the timeout context")
	}
}

func TestTimeoutDuringBackoffIsUpstreamTimeout(t *testing.T) {
	c, _, _ := newController(t, WithSleep(retry.Sleep))
	closed := false
	calls := 0
	do := func(ctx context.Context, addr string, attempt int) (*http.Response, error) {
		calls++
		r := response(503)
		r.Body = onClose(r.Body, func() { closed = true })
		return r, nil
	}

	start := time.Now()
	resp, err := c.Execute(context.Background(), Call{
		Method: http.MethodGet, Replayable: true,
		Policy: Policy{
			Timeout: 30 * time.Millisecond,
			Retry:   retry.NewPolicy(retry.Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second}),
		},
		Select: fixed("a:1"), Do: do,
	})
	if resp != nil {
		resp.Body.Close()
		t.Fatalf("expected no response, got status %d", resp.StatusCode)
	}
	if errors.KindOf(err) != errors.KindUpstreamTimeout {
		t.Fatalf("expected upstream timeout, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !closed {
		t.Error("the superseded response must be closed")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout should cut the backoff short, took %v", elapsed)
	}
}
