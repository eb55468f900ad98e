package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure. Every error surfaced to a caller carries
// exactly one kind, and the kind decides the response status.
type Kind string

const (
	KindNoRouteFound              Kind = "no_route_found"
	KindConfig                    Kind = "config_error"
	KindFilterFault               Kind = "filter_fault"
	KindNoHealthyUpstream         Kind = "no_healthy_upstream"
	KindUpstreamTimeout           Kind = "upstream_timeout"
	KindUpstreamConnectionFailure Kind = "upstream_connection_failure"
	KindUpstreamUnavailable       Kind = "upstream_unavailable"
	KindPoolExhausted             Kind = "pool_exhausted"
	KindCanceled                  Kind = "canceled"
	KindUnauthorized              Kind = "unauthorized"
	KindTooManyRequests           Kind = "too_many_requests"
	KindInternal                  Kind = "internal"
)

// Status returns the HTTP status written for the kind. Canceled requests
// have no caller left to answer; 499 is only used for logging.
func (k Kind) Status() int {
	switch k {
	case KindNoRouteFound:
		return http.StatusNotFound
	case KindNoHealthyUpstream, KindUpstreamUnavailable, KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamConnectionFailure:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Kind       Kind   `json:"kind"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is matches another GatewayError by kind, so errors.Is(err, ErrUpstreamTimeout)
// holds for every timeout regardless of details.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Errors returned to callers, one per kind.
var (
	ErrNoRouteFound = &GatewayError{
		Kind:    KindNoRouteFound,
		Code:    http.StatusNotFound,
		Message: "No Route Found",
	}

	ErrFilterFault = &GatewayError{
		Kind:    KindFilterFault,
		Code:    http.StatusInternalServerError,
		Message: "Filter Fault",
	}

	ErrNoHealthyUpstream = &GatewayError{
		Kind:    KindNoHealthyUpstream,
		Code:    http.StatusServiceUnavailable,
		Message: "No Healthy Upstream",
	}

	ErrUpstreamTimeout = &GatewayError{
		Kind:    KindUpstreamTimeout,
		Code:    http.StatusGatewayTimeout,
		Message: "Upstream Timeout",
	}

	ErrUpstreamConnectionFailure = &GatewayError{
		Kind:    KindUpstreamConnectionFailure,
		Code:    http.StatusBadGateway,
		Message: "Upstream Connection Failure",
	}

	ErrUpstreamUnavailable = &GatewayError{
		Kind:    KindUpstreamUnavailable,
		Code:    http.StatusServiceUnavailable,
		Message: "Upstream Unavailable",
	}

	ErrPoolExhausted = &GatewayError{
		Kind:    KindPoolExhausted,
		Code:    http.StatusServiceUnavailable,
		Message: "Connection Pool Exhausted",
	}

	ErrCanceled = &GatewayError{
		Kind:    KindCanceled,
		Code:    499,
		Message: "Request Canceled",
	}

	ErrUnauthorized = &GatewayError{
		Kind:    KindUnauthorized,
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrTooManyRequests = &GatewayError{
		Kind:    KindTooManyRequests,
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternal = &GatewayError{
		Kind:    KindInternal,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNoRouteFound, ErrFilterFault, ErrNoHealthyUpstream,
		ErrUpstreamTimeout, ErrUpstreamConnectionFailure, ErrUpstreamUnavailable,
		ErrPoolExhausted, ErrUnauthorized, ErrTooManyRequests, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError of the given kind
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{
		Kind:    kind,
		Code:    kind.Status(),
		Message: message,
	}
}

// Wrap attaches a cause to a copy of base, keeping its kind, code and message.
func Wrap(base *GatewayError, err error) *GatewayError {
	return &GatewayError{
		Kind:       base.Kind,
		Code:       base.Code,
		Message:    base.Message,
		Details:    base.Details,
		RequestID:  base.RequestID,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// As returns the GatewayError in err's chain, if any.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return KindInternal
}

// ConfigError reports a route table that could not be compiled. It is never
// written to a caller; the previous table keeps serving.
type ConfigError struct {
	RouteID string
	Filter  string
	Err     error
}

func (e *ConfigError) Error() string {
	switch {
	case e.RouteID != "" && e.Filter != "":
		return fmt.Sprintf("route %q: filter %q: %v", e.RouteID, e.Filter, e.Err)
	case e.RouteID != "":
		return fmt.Sprintf("route %q: %v", e.RouteID, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a route-table compilation failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return stderrors.As(err, &ce)
}
