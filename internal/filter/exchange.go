package filter

import (
	"net/http"
	"strings"

	"github.com/wudi/edgeway/internal/resilience"
)

// State is a step of the per-request lifecycle.
type State int

const (
	StateReceived State = iota
	StateRouteMatched
	StateFiltersRequestPhase
	StateUpstreamCalling
	StateFiltersResponsePhase
	StateCompleted
	StateShortCircuited
	StateFailed
)

var stateNames = [...]string{
	"RECEIVED",
	"ROUTE_MATCHED",
	"FILTERS_REQUEST_PHASE",
	"UPSTREAM_CALLING",
	"FILTERS_RESPONSE_PHASE",
	"COMPLETED",
	"SHORT_CIRCUITED",
	"FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateShortCircuited || s == StateFailed
}

// Exchange carries one request through a route's chain. It belongs to a
// single request goroutine.
type Exchange struct {
	// Request is the outbound request. Filters mutate it in place.
	Request   *http.Request
	RequestID string
	RouteID   string
	RetrySafe bool

	// Policy is filled in by policy filters and applied to the upstream call.
	Policy resilience.Policy

	// Upstream and Address describe the last upstream call.
	Upstream string
	Address  string
	Attempts int

	state   State
	history []State
	pending *http.Response
}

// NewExchange starts the lifecycle of r in RECEIVED.
func NewExchange(r *http.Request, requestID string) *Exchange {
	return &Exchange{
		Request:   r,
		RequestID: requestID,
		history:   []State{StateReceived},
	}
}

// State returns the current lifecycle state.
func (ex *Exchange) State() State {
	return ex.state
}

// Transition moves the exchange to s. Terminal states are final.
func (ex *Exchange) Transition(s State) {
	if ex.state.Terminal() || ex.state == s {
		return
	}
	ex.state = s
	ex.history = append(ex.history, s)
}

// History returns every state the exchange went through, in order.
func (ex *Exchange) History() []State {
	return append([]State(nil), ex.history...)
}

// HistoryString renders the history as "A>B>C", for logs.
func (ex *Exchange) HistoryString() string {
	parts := make([]string, len(ex.history))
	for i, s := range ex.history {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}

// Finish moves the exchange to its terminal state given the chain result.
// A chain that answered without reaching the upstream was short-circuited.
func (ex *Exchange) Finish(resp *http.Response, err error) State {
	switch {
	case err != nil:
		ex.Transition(StateFailed)
	case ex.state == StateFiltersRequestPhase && resp != nil:
		ex.Transition(StateShortCircuited)
	default:
		ex.Transition(StateCompleted)
	}
	return ex.state
}

// discardPending closes the newest response seen by the chain. It is used
// when a filter fails after an inner handler already answered.
func (ex *Exchange) discardPending() {
	if ex.pending != nil && ex.pending.Body != nil {
		ex.pending.Body.Close()
	}
	ex.pending = nil
}
