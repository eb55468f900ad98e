package filter

import (
	"fmt"
	"time"

	"github.com/wudi/edgeway/internal/circuitbreaker"
	"github.com/wudi/edgeway/internal/retry"
)

func newRequestTimeout(_ string, args Args, _ *Deps) (Filter, error) {
	if err := args.Only("timeout"); err != nil {
		return nil, err
	}
	timeout, err := args.Duration("timeout", 0)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	return requestFilter("request_timeout", func(ex *Exchange) {
		ex.Policy.Timeout = timeout
	}), nil
}

func newRetry(_ string, args Args, _ *Deps) (Filter, error) {
	err := args.Only("max_attempts", "initial_backoff", "max_backoff", "multiplier",
		"jitter", "statuses", "per_try_timeout", "max_replay_bytes")
	if err != nil {
		return nil, err
	}

	var cfg retry.Config
	if cfg.MaxAttempts, err = args.Int("max_attempts", 3); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1")
	}
	if cfg.InitialBackoff, err = args.Duration("initial_backoff", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = args.Duration("max_backoff", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.InitialBackoff > cfg.MaxBackoff {
		return nil, fmt.Errorf("initial_backoff exceeds max_backoff")
	}
	if cfg.Multiplier, err = args.Float("multiplier", 2); err != nil {
		return nil, err
	}
	if cfg.Multiplier <= 1 {
		return nil, fmt.Errorf("multiplier must be greater than 1")
	}
	if cfg.Jitter, err = args.Float("jitter", 0.2); err != nil {
		return nil, err
	}
	if limit := retry.MaxJitter(cfg.Multiplier); cfg.Jitter < 0 || cfg.Jitter >= limit {
		return nil, fmt.Errorf("jitter must be in [0, %.3g) for multiplier %g", limit, cfg.Multiplier)
	}
	if cfg.RetryableStatuses, err = args.Ints("statuses"); err != nil {
		return nil, err
	}
	if cfg.PerTryTimeout, err = args.Duration("per_try_timeout", 0); err != nil {
		return nil, err
	}
	replay, err := args.Int("max_replay_bytes", retry.DefaultMaxReplayBytes)
	if err != nil {
		return nil, err
	}
	cfg.MaxReplayBytes = int64(replay)

	policy := retry.NewPolicy(cfg)
	return requestFilter("retry", func(ex *Exchange) {
		ex.Policy.Retry = policy
	}), nil
}

func newCircuitBreaker(routeID string, args Args, _ *Deps) (Filter, error) {
	err := args.Only("failure_ratio", "min_samples", "window", "buckets", "cooldown",
		"half_open_requests", "success_threshold", "failure_statuses", "scope")
	if err != nil {
		return nil, err
	}

	var s circuitbreaker.Settings
	if s.FailureRatio, err = args.Float("failure_ratio", 0.5); err != nil {
		return nil, err
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		return nil, fmt.Errorf("failure_ratio must be in (0, 1]")
	}
	if s.MinSamples, err = args.Int("min_samples", 10); err != nil {
		return nil, err
	}
	if s.Window, err = args.Duration("window", 10*time.Second); err != nil {
		return nil, err
	}
	if s.Buckets, err = args.Int("buckets", 10); err != nil {
		return nil, err
	}
	if s.Cooldown, err = args.Duration("cooldown", 30*time.Second); err != nil {
		return nil, err
	}
	if s.HalfOpenRequests, err = args.Int("half_open_requests", 1); err != nil {
		return nil, err
	}
	if s.SuccessThreshold, err = args.Int("success_threshold", 2); err != nil {
		return nil, err
	}
	if s.FailureStatuses, err = args.Ints("failure_statuses"); err != nil {
		return nil, err
	}
	if s.MinSamples < 1 || s.Buckets < 1 || s.HalfOpenRequests < 1 || s.SuccessThreshold < 1 {
		return nil, fmt.Errorf("min_samples, buckets, half_open_requests and success_threshold must be positive")
	}
	if s.Window <= 0 || s.Cooldown <= 0 {
		return nil, fmt.Errorf("window and cooldown must be positive")
	}

	scope, err := args.String("scope", "upstream")
	if err != nil {
		return nil, err
	}
	var key string
	switch scope {
	case "upstream":
	case "route":
		key = "route:" + routeID
	default:
		return nil, fmt.Errorf("scope must be upstream or route, got %q", scope)
	}

	settings := s.WithDefaults()
	return requestFilter("circuit_breaker", func(ex *Exchange) {
		ex.Policy.Breaker = &settings
		ex.Policy.BreakerKey = key
	}), nil
}
