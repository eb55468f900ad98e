package filter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/edgeway/internal/auth"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/logging"
	"go.uber.org/zap"
)

// authFilter asks a Checker for a verdict before the request goes on.
// Denials and checker failures answer 401 unless failOpen is set, in which
// case checker failures let the request through.
type authFilter struct {
	name     string
	checker  auth.Checker
	failOpen bool
}

func (f *authFilter) Name() string             { return f.name }
func (f *authFilter) Capabilities() Capability { return ShortCircuit | MutateRequest }

func (f *authFilter) Filter(ex *Exchange, next Handler) (*http.Response, error) {
	v, err := f.checker.CheckAuth(ex.Request.Context(), ex.Request)
	if err != nil {
		logging.Warn("Auth check failed",
			zap.String("route_id", ex.RouteID),
			zap.String("request_id", ex.RequestID),
			zap.Bool("fail_open", f.failOpen),
			zap.Error(err),
		)
		if f.failOpen {
			return next.Handle(ex)
		}
		return f.deny(ex, "authentication service unavailable"), nil
	}
	if !v.Allow {
		return f.deny(ex, v.Reason), nil
	}
	for k, vv := range v.Headers {
		ex.Request.Header[k] = append(ex.Request.Header[k][:0:0], vv...)
	}
	return next.Handle(ex)
}

func (f *authFilter) deny(ex *Exchange, reason string) *http.Response {
	resp := ErrorResponse(ex, errors.ErrUnauthorized.WithDetails(reason))
	resp.Header.Set("WWW-Authenticate", `Bearer realm="api"`)
	return resp
}

func newCheckAuth(_ string, args Args, deps *Deps) (Filter, error) {
	if err := args.Only("checker", "url", "timeout", "cache_ttl", "cache_size", "fail_open"); err != nil {
		return nil, err
	}
	failOpen, err := args.Bool("fail_open", false)
	if err != nil {
		return nil, err
	}

	name, err := args.String("checker", "")
	if err != nil {
		return nil, err
	}
	if name != "" {
		if args.Has("url") {
			return nil, fmt.Errorf("checker and url are mutually exclusive")
		}
		c, ok := deps.Checkers[name]
		if !ok {
			return nil, fmt.Errorf("unknown checker %q", name)
		}
		return &authFilter{name: "check_auth", checker: c, failOpen: failOpen}, nil
	}

	url, err := args.RequiredString("url")
	if err != nil {
		return nil, fmt.Errorf("checker or url is required")
	}
	cfg := auth.HTTPConfig{URL: url, Client: deps.HTTPClient}
	if cfg.Timeout, err = args.Duration("timeout", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = args.Duration("cache_ttl", 0); err != nil {
		return nil, err
	}
	if cfg.CacheSize, err = args.Int("cache_size", 10000); err != nil {
		return nil, err
	}
	c, err := auth.NewHTTPChecker(cfg)
	if err != nil {
		return nil, err
	}
	return &authFilter{name: "check_auth", checker: c, failOpen: failOpen}, nil
}

func newJWTAuth(_ string, args Args, _ *Deps) (Filter, error) {
	if err := args.Only("secret", "public_key", "algorithm", "issuer", "audience", "claims_to_headers"); err != nil {
		return nil, err
	}
	var cfg auth.JWTConfig
	var err error
	if cfg.Secret, err = args.String("secret", ""); err != nil {
		return nil, err
	}
	if cfg.PublicKey, err = args.String("public_key", ""); err != nil {
		return nil, err
	}
	if cfg.Algorithm, err = args.String("algorithm", "HS256"); err != nil {
		return nil, err
	}
	if cfg.Issuer, err = args.String("issuer", ""); err != nil {
		return nil, err
	}
	if cfg.Audience, err = args.String("audience", ""); err != nil {
		return nil, err
	}
	if cfg.ClaimsToHeaders, err = args.StringMap("claims_to_headers"); err != nil {
		return nil, err
	}
	c, err := auth.NewJWTChecker(cfg)
	if err != nil {
		return nil, err
	}
	return &authFilter{name: "jwt_auth", checker: c}, nil
}
