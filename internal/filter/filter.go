// Package filter compiles configured route filters into chains and runs
// requests through them.
package filter

import (
	"net/http"
	"strings"
)

// Capability is a set of things a filter may do.
type Capability uint8

const (
	MutateRequest Capability = 1 << iota
	MutateResponse
	ShortCircuit
)

// Has reports whether c includes all of o.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

func (c Capability) String() string {
	var parts []string
	if c.Has(MutateRequest) {
		parts = append(parts, "mutate_request")
	}
	if c.Has(MutateResponse) {
		parts = append(parts, "mutate_response")
	}
	if c.Has(ShortCircuit) {
		parts = append(parts, "short_circuit")
	}
	return strings.Join(parts, "|")
}

// Handler is the rest of a chain, ending with the upstream call.
type Handler interface {
	Handle(ex *Exchange) (*http.Response, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ex *Exchange) (*http.Response, error)

func (f HandlerFunc) Handle(ex *Exchange) (*http.Response, error) {
	return f(ex)
}

// Filter is one compiled, configured transformation. A filter may mutate
// ex.Request and call next, call next and mutate the response, or answer
// without calling next. Filters are shared by concurrent requests.
type Filter interface {
	Name() string
	Capabilities() Capability
	Filter(ex *Exchange, next Handler) (*http.Response, error)
}
