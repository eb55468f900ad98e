package filter

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/logging"
	"github.com/wudi/edgeway/internal/proxy"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// slidingWindowScript counts requests in a sorted set per key.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// limiter answers whether one more request for key fits, and if not, how
// long until it would.
type limiter interface {
	allow(ctx context.Context, key string) (bool, time.Duration)
}

type localLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func (l *localLimiter) allow(_ context.Context, key string) (bool, time.Duration) {
	lim, ok := l.buckets.Get(key)
	if !ok {
		fresh := rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.buckets.PeekOrAdd(key, fresh); found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	res := lim.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

type redisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func (l *redisLimiter) allow(ctx context.Context, key string) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	now := l.now()
	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		// Fail open while Redis is unreachable.
		logging.Warn("Redis rate limit unavailable, failing open", zap.String("key", key), zap.Error(err))
		return true, 0
	}
	if result[0] == 1 {
		return true, 0
	}
	return false, time.UnixMilli(result[2]).Sub(now)
}

type rateLimitFilter struct {
	limiter limiter
	keyFn   func(ex *Exchange) string
}

func (f *rateLimitFilter) Name() string             { return "rate_limit" }
func (f *rateLimitFilter) Capabilities() Capability { return ShortCircuit }

func (f *rateLimitFilter) Filter(ex *Exchange, next Handler) (*http.Response, error) {
	ok, wait := f.limiter.allow(ex.Request.Context(), f.keyFn(ex))
	if ok {
		return next.Handle(ex)
	}
	resp := ErrorResponse(ex, errors.ErrTooManyRequests)
	resp.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	return resp, nil
}

func newRateLimit(routeID string, args Args, deps *Deps) (Filter, error) {
	if err := args.Only("rate", "period", "burst", "key", "mode", "max_keys"); err != nil {
		return nil, err
	}
	n, err := args.Int("rate", 0)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("rate must be at least 1")
	}
	period, err := args.Duration("period", time.Second)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive")
	}
	burst, err := args.Int("burst", n)
	if err != nil {
		return nil, err
	}
	if burst < 1 {
		return nil, fmt.Errorf("burst must be at least 1")
	}
	keySpec, err := args.String("key", "ip")
	if err != nil {
		return nil, err
	}
	keyFn, err := rateLimitKey(routeID, keySpec)
	if err != nil {
		return nil, err
	}

	mode, err := args.String("mode", "local")
	if err != nil {
		return nil, err
	}
	f := &rateLimitFilter{keyFn: keyFn}
	switch mode {
	case "local":
		maxKeys, err := args.Int("max_keys", 100000)
		if err != nil {
			return nil, err
		}
		buckets, err := lru.New[string, *rate.Limiter](maxKeys)
		if err != nil {
			return nil, err
		}
		f.limiter = &localLimiter{
			limit:   rate.Every(period / time.Duration(n)),
			burst:   burst,
			buckets: buckets,
		}
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("mode redis requires a redis address in the gateway config")
		}
		f.limiter = &redisLimiter{
			client: deps.Redis,
			prefix: "edgeway:rl:" + routeID + ":",
			limit:  burst,
			window: period,
			now:    time.Now,
		}
	default:
		return nil, fmt.Errorf("mode must be local or redis, got %q", mode)
	}
	return f, nil
}

func rateLimitKey(routeID, spec string) (func(ex *Exchange) string, error) {
	switch {
	case spec == "ip":
		return func(ex *Exchange) string { return proxy.ClientIP(ex.Request) }, nil
	case spec == "route":
		return func(*Exchange) string { return routeID }, nil
	case strings.HasPrefix(spec, "header:"):
		name := http.CanonicalHeaderKey(strings.TrimPrefix(spec, "header:"))
		if name == "" {
			return nil, fmt.Errorf("key %q names no header", spec)
		}
		return func(ex *Exchange) string { return ex.Request.Header.Get(name) }, nil
	}
	return nil, fmt.Errorf("key must be ip, route or header:<name>, got %q", spec)
}
