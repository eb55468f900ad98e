package retry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryableStatuses are HTTP status codes that trigger a retry
var DefaultRetryableStatuses = []int{502, 503, 504}

// DefaultMaxReplayBytes bounds the request body buffered so a retry can
// resend it. Larger or unknown-length bodies are streamed once.
const DefaultMaxReplayBytes = 1 << 20

// idempotentMethods are the methods retried without an explicit opt-in.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// IsIdempotent reports whether method may be replayed safely.
func IsIdempotent(method string) bool {
	return idempotentMethods[method]
}

// Config holds the tunables of a retry policy. Zero values take defaults.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Multiplier        float64
	Jitter            float64
	RetryableStatuses []int
	PerTryTimeout     time.Duration
	MaxReplayBytes    int64
}

// Policy describes how a failed upstream call is retried. A policy is
// immutable once built and shared by every request of a route.
type Policy struct {
	MaxAttempts       int // total attempts including the first
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Multiplier        float64
	Jitter            float64
	RetryableStatuses map[int]bool
	PerTryTimeout     time.Duration
	MaxReplayBytes    int64
	Metrics           *Metrics
}

// Metrics tracks retry statistics for a policy
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Exhausted atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Exhausted int64 `json:"exhausted"`
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Exhausted: m.Exhausted.Load(),
	}
}

// NewPolicy creates a retry policy, applying defaults
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
		PerTryTimeout:  cfg.PerTryTimeout,
		MaxReplayBytes: cfg.MaxReplayBytes,
		Metrics:        &Metrics{},
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter >= MaxJitter(p.Multiplier) {
		p.Jitter = 0
	}
	if p.MaxReplayBytes == 0 {
		p.MaxReplayBytes = DefaultMaxReplayBytes
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.RetryableStatuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.RetryableStatuses[s] = true
	}

	return p
}

// MaxJitter is the exclusive upper bound on the randomization factor that
// keeps consecutive delays strictly increasing for the given multiplier.
// A delay of d*(1+j) must stay below the next one's floor of d*m*(1-j).
func MaxJitter(multiplier float64) float64 {
	if multiplier <= 1 {
		return 0
	}
	return (multiplier - 1) / (multiplier + 1)
}

// Allows reports whether a request with the given method may be retried.
// Non-idempotent methods need the route to be marked retry-safe.
func (p *Policy) Allows(method string, retrySafe bool) bool {
	if p == nil || p.MaxAttempts <= 1 {
		return false
	}
	return retrySafe || IsIdempotent(method)
}

// IsRetryableStatus reports whether an upstream status should be retried.
func (p *Policy) IsRetryableStatus(code int) bool {
	return p.RetryableStatuses[code]
}

// NewBackOff returns a fresh exponential schedule for one request.
// The schedule never gives up by itself; MaxAttempts bounds the loop.
func (p *Policy) NewBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PrepareBody makes the request body replayable when it fits in limit bytes.
// It reports false when the body cannot be replayed; such a request is sent
// once, streaming.
func PrepareBody(r *http.Request, limit int64) (bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return true, nil
	}
	if r.GetBody != nil {
		return true, nil
	}
	if r.ContentLength < 0 || r.ContentLength > limit {
		return false, nil
	}

	body := r.Body
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return false, err
	}
	if int64(len(data)) > limit {
		// Content-Length understated the body; stream what was read plus the rest.
		r.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(data), body), closer: body}
		return false, nil
	}
	body.Close()

	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r.ContentLength = int64(len(data))
	return true, nil
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}
