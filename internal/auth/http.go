package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HTTPConfig configures an HTTPChecker.
type HTTPConfig struct {
	URL       string        // validation endpoint; the token is sent as ?token=
	Timeout   time.Duration // per check
	CacheTTL  time.Duration // 0 disables caching
	CacheSize int
	Client    *http.Client
}

type cachedVerdict struct {
	verdict   Verdict
	expiresAt time.Time
}

// HTTPChecker validates bearer tokens against a remote endpoint that
// answers with a JSON boolean. Positive verdicts are cached per token.
type HTTPChecker struct {
	url     *url.URL
	timeout time.Duration
	client  *http.Client
	ttl     time.Duration
	cache   *lru.Cache[string, cachedVerdict]
	now     func() time.Time
}

// NewHTTPChecker creates a checker for cfg.URL.
func NewHTTPChecker(cfg HTTPConfig) (*HTTPChecker, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("auth url %q must be http or https", cfg.URL)
	}

	c := &HTTPChecker{
		url:     u,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		ttl:     cfg.CacheTTL,
		now:     time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Second
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.ttl > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 10000
		}
		if c.cache, err = lru.New[string, cachedVerdict](size); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CheckAuth denies requests without a bearer token without calling out.
func (c *HTTPChecker) CheckAuth(ctx context.Context, r *http.Request) (Verdict, error) {
	token := BearerToken(r)
	if token == "" {
		return Deny("bearer token not provided"), nil
	}

	key := tokenKey(token)
	if c.cache != nil {
		if cv, ok := c.cache.Get(key); ok {
			if c.now().Before(cv.expiresAt) {
				return cv.verdict, nil
			}
			c.cache.Remove(key)
		}
	}

	valid, err := c.validate(ctx, token)
	if err != nil {
		return Verdict{}, err
	}
	if !valid {
		return Deny("token rejected"), nil
	}

	v := Verdict{Allow: true}
	if c.cache != nil {
		c.cache.Add(key, cachedVerdict{verdict: v, expiresAt: c.now().Add(c.ttl)})
	}
	return v, nil
}

func (c *HTTPChecker) validate(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.url
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("create auth request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}
	var valid bool
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<10)).Decode(&valid); err != nil {
		return false, fmt.Errorf("decode auth response: %w", err)
	}
	return valid, nil
}

// tokenKey keeps raw tokens out of the cache.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
