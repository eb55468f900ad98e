package webhook

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/edgeway/internal/events"
)

// Payload is the JSON body posted to webhook endpoints.
type Payload struct {
	Type      events.Type `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RouteID   string      `json:"route_id,omitempty"`
	Upstream  string      `json:"upstream,omitempty"`
	Address   string      `json:"address,omitempty"`
	Filter    string      `json:"filter,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Status    int         `json:"status,omitempty"`
	Version   uint64      `json:"version,omitempty"`
	Routes    int         `json:"routes,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func newPayload(e events.Event) *Payload {
	p := &Payload{
		Type:      e.Type,
		Timestamp: e.Time,
		RouteID:   e.RouteID,
		Upstream:  e.Upstream,
		Address:   e.Address,
		Filter:    e.Filter,
		From:      e.From,
		To:        e.To,
		Status:    e.Status,
		Version:   e.Version,
		Routes:    e.Routes,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if e.Err != nil {
		p.Error = e.Err.Error()
	}
	return p
}

// matchesPattern reports whether an event type matches a subscription glob.
// "*" matches everything; "route_table_*" matches both table events.
func matchesPattern(t events.Type, pattern string) bool {
	ok, _ := doublestar.Match(pattern, string(t))
	return ok
}
