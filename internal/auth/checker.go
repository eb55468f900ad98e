// Package auth provides the verdict sources used by the authentication
// filters.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Verdict is the answer of a Checker. Headers are added to the upstream
// request when the call is allowed.
type Verdict struct {
	Allow   bool
	Reason  string
	Headers http.Header
}

// Checker decides whether a request may proceed. An error means no verdict
// could be reached; the caller decides whether to fail open or closed.
type Checker interface {
	CheckAuth(ctx context.Context, r *http.Request) (Verdict, error)
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context, r *http.Request) (Verdict, error)

func (f CheckerFunc) CheckAuth(ctx context.Context, r *http.Request) (Verdict, error) {
	return f(ctx, r)
}

// Deny returns a negative verdict.
func Deny(reason string) Verdict {
	return Verdict{Reason: reason}
}

// BearerToken returns the token of a "Bearer" Authorization header, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
