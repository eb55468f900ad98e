package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWTChecker.
type JWTConfig struct {
	Secret    string // HS* algorithms
	PublicKey string // PEM, RS* algorithms
	Algorithm string // defaults to HS256
	Issuer    string
	Audience  string
	// ClaimsToHeaders copies claim values into upstream request headers.
	ClaimsToHeaders map[string]string
}

// JWTChecker validates bearer JWTs locally.
type JWTChecker struct {
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
	headers map[string]string
}

// NewJWTChecker creates a checker for cfg.
func NewJWTChecker(cfg JWTConfig) (*JWTChecker, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}

	c := &JWTChecker{headers: cfg.ClaimsToHeaders}
	switch {
	case strings.HasPrefix(alg, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("%s requires a secret", alg)
		}
		secret := []byte(cfg.Secret)
		c.keyFunc = func(*jwt.Token) (any, error) { return secret, nil }
	case strings.HasPrefix(alg, "RS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		c.keyFunc = func(*jwt.Token) (any, error) { return key, nil }
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}

	c.opts = append(c.opts, jwt.WithValidMethods([]string{alg}))
	if cfg.Issuer != "" {
		c.opts = append(c.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		c.opts = append(c.opts, jwt.WithAudience(cfg.Audience))
	}
	return c, nil
}

// CheckAuth allows requests carrying a valid token and exposes the
// configured claims as headers.
func (c *JWTChecker) CheckAuth(_ context.Context, r *http.Request) (Verdict, error) {
	raw := BearerToken(r)
	if raw == "" {
		return Deny("bearer token not provided"), nil
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, c.keyFunc, c.opts...); err != nil {
		return Deny("invalid token: " + err.Error()), nil
	}

	v := Verdict{Allow: true}
	for claim, header := range c.headers {
		val, ok := claims[claim]
		if !ok {
			continue
		}
		if v.Headers == nil {
			v.Headers = make(http.Header, len(c.headers))
		}
		v.Headers.Set(header, claimString(val))
	}
	return v, nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, p := range t {
			parts[i] = claimString(p)
		}
		return strings.Join(parts, ",")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}
