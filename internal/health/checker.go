// Package health actively probes statically configured upstream addresses
// so that failing ones drop out of their upstream's address set.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Address   string        `json:"address"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Target is one address to probe.
type Target struct {
	Address        string // host:port
	Scheme         string // http or https
	Path           string
	Method         string
	Timeout        time.Duration
	Interval       time.Duration
	HealthyAfter   int // consecutive successes needed to be healthy
	UnhealthyAfter int // consecutive failures needed to be unhealthy
	ExpectedStatus []StatusRange
}

// StatusRange represents a range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses a status range string like "200", "2xx", "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{base, base + 99}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l < 100 || h > 599 || l > h {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{l, h}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status code %q", s)
	}
	return StatusRange{code, code}, nil
}

func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}

// Config holds health checker configuration
type Config struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
	// OnChange runs on its own goroutine after every status change.
	OnChange func(address string, from, to Status)
	Client   *http.Client
}

// Checker probes targets on their own schedules.
type Checker struct {
	client          *http.Client
	defaultTimeout  time.Duration
	defaultInterval time.Duration
	onChange        func(address string, from, to Status)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	targets map[string]*targetState
}

type targetState struct {
	target          Target
	cancel          context.CancelFunc
	status          Status
	lastCheck       time.Time
	lastError       error
	latency         time.Duration
	consecutivePass int
	consecutiveFail int
}

// NewChecker creates a checker with no targets.
func NewChecker(cfg Config) *Checker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		client:          client,
		defaultTimeout:  cfg.DefaultTimeout,
		defaultInterval: cfg.DefaultInterval,
		onChange:        cfg.OnChange,
		ctx:             ctx,
		cancel:          cancel,
		targets:         make(map[string]*targetState),
	}
}

func (c *Checker) withDefaults(t Target) Target {
	if t.Scheme == "" {
		t.Scheme = "http"
	}
	if t.Path == "" {
		t.Path = "/health"
	}
	if t.Method == "" {
		t.Method = http.MethodGet
	}
	if t.Timeout <= 0 {
		t.Timeout = c.defaultTimeout
	}
	if t.Interval <= 0 {
		t.Interval = c.defaultInterval
	}
	if len(t.ExpectedStatus) == 0 {
		t.ExpectedStatus = []StatusRange{{200, 399}}
	}
	if t.HealthyAfter <= 0 {
		t.HealthyAfter = 2
	}
	if t.UnhealthyAfter <= 0 {
		t.UnhealthyAfter = 3
	}
	return t
}

func targetsEqual(a, b Target) bool {
	if a.Scheme != b.Scheme || a.Path != b.Path || a.Method != b.Method ||
		a.Timeout != b.Timeout || a.Interval != b.Interval ||
		a.HealthyAfter != b.HealthyAfter || a.UnhealthyAfter != b.UnhealthyAfter {
		return false
	}
	if len(a.ExpectedStatus) != len(b.ExpectedStatus) {
		return false
	}
	for i := range a.ExpectedStatus {
		if a.ExpectedStatus[i] != b.ExpectedStatus[i] {
			return false
		}
	}
	return true
}

// Sync makes targets the full set of probed addresses. Unchanged targets
// keep their state; changed ones restart as unknown; missing ones stop.
func (c *Checker) Sync(targets []Target) {
	want := make(map[string]Target, len(targets))
	for _, t := range targets {
		want[t.Address] = c.withDefaults(t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, st := range c.targets {
		if t, ok := want[addr]; !ok || !targetsEqual(st.target, t) {
			st.cancel()
			delete(c.targets, addr)
		}
	}
	for addr, t := range want {
		if _, ok := c.targets[addr]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(c.ctx)
		st := &targetState{target: t, cancel: cancel, status: StatusUnknown}
		c.targets[addr] = st
		go c.checkLoop(ctx, st)
	}
}

// Status returns the status of addr; addresses not probed are unknown.
func (c *Checker) Status(addr string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.targets[addr]; ok {
		return st.status
	}
	return StatusUnknown
}

// Filter returns addrs without the ones currently unhealthy. Addresses not
// yet probed stay in.
func (c *Checker) Filter(addrs []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if st, ok := c.targets[a]; ok && st.status == StatusUnhealthy {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Results returns the latest result of every target, ordered by address.
func (c *Checker) Results() []CheckResult {
	c.mu.RLock()
	out := make([]CheckResult, 0, len(c.targets))
	for addr, st := range c.targets {
		out = append(out, st.result(addr))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (st *targetState) result(addr string) CheckResult {
	r := CheckResult{
		Address:   addr,
		Status:    st.status,
		Latency:   st.latency,
		Timestamp: st.lastCheck,
	}
	if st.lastError != nil {
		r.Error = st.lastError.Error()
	}
	return r
}

// Stop stops all probes.
func (c *Checker) Stop() {
	c.cancel()
}

func (c *Checker) checkLoop(ctx context.Context, st *targetState) {
	c.check(ctx, st)

	ticker := time.NewTicker(st.target.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx, st)
		}
	}
}

func (c *Checker) check(ctx context.Context, st *targetState) {
	t := st.target
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, t.Method, t.Scheme+"://"+t.Address+t.Path, nil)
	if err != nil {
		c.update(st, false, 0, err)
		return
	}
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil && c.ctx.Err() != nil {
			return
		}
		c.update(st, false, latency, err)
		return
	}
	resp.Body.Close()

	healthy := matchStatus(resp.StatusCode, t.ExpectedStatus)
	var checkErr error
	if !healthy {
		checkErr = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	c.update(st, healthy, latency, checkErr)
}

// update applies one probe result with threshold logic.
func (c *Checker) update(st *targetState, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()
	if c.targets[st.target.Address] != st {
		// Removed or replaced while probing.
		c.mu.Unlock()
		return
	}
	st.lastCheck = time.Now()
	st.lastError = err
	st.latency = latency

	from := st.status
	if healthy {
		st.consecutiveFail = 0
		st.consecutivePass++
		if st.consecutivePass >= st.target.HealthyAfter {
			st.status = StatusHealthy
		}
	} else {
		st.consecutivePass = 0
		st.consecutiveFail++
		if st.consecutiveFail >= st.target.UnhealthyAfter {
			st.status = StatusUnhealthy
		}
	}
	to := st.status
	c.mu.Unlock()

	if from != to && c.onChange != nil {
		go c.onChange(st.target.Address, from, to)
	}
}
