package events

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Type identifies an observable gateway event.
type Type string

const (
	RouteMatched        Type = "route_matched"
	RouteNotMatched     Type = "route_not_matched"
	FilterFault         Type = "filter_fault"
	CircuitStateChanged Type = "circuit_state_changed"
	RetryAttempt        Type = "retry_attempt"
	RequestCompleted    Type = "request_completed"
	RouteTableLoaded    Type = "route_table_loaded"
	RouteTableRejected  Type = "route_table_rejected"
	UpstreamHealth      Type = "upstream_health_changed"
)

// Event is a structured record handed to sinks. Only the fields relevant to
// the event type are set.
type Event struct {
	Type      Type
	Time      time.Time
	RequestID string
	RouteID   string
	Filter    string
	Upstream  string
	Address   string
	Method    string
	Path      string
	Attempt   int
	From      string
	To        string
	Status    int
	State     string
	Latency   time.Duration
	Version   uint64
	Routes    int
	Err       error
}

// Sink receives events. Emit is called on the request goroutine and must
// not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging through l.
func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Emit(e Event) {
	level := zapcore.DebugLevel
	msg := string(e.Type)
	switch e.Type {
	case FilterFault:
		level, msg = zapcore.ErrorLevel, "filter fault"
	case CircuitStateChanged:
		level, msg = zapcore.WarnLevel, "circuit breaker state changed"
	case RetryAttempt:
		level, msg = zapcore.InfoLevel, "retrying upstream call"
	case RequestCompleted:
		level, msg = zapcore.InfoLevel, "request completed"
	case RouteTableLoaded:
		level, msg = zapcore.InfoLevel, "route table loaded"
	case RouteTableRejected:
		level, msg = zapcore.ErrorLevel, "route table rejected"
	case UpstreamHealth:
		level, msg = zapcore.WarnLevel, "upstream address health changed"
	case RouteNotMatched:
		msg = "no route matched"
	case RouteMatched:
		msg = "route matched"
	}

	ce := s.logger.Check(level, msg)
	if ce == nil {
		return
	}
	ce.Write(fields(e)...)
}

func fields(e Event) []zap.Field {
	fs := make([]zap.Field, 0, 10)
	if e.RequestID != "" {
		fs = append(fs, zap.String("request_id", e.RequestID))
	}
	if e.RouteID != "" {
		fs = append(fs, zap.String("route_id", e.RouteID))
	}
	if e.Filter != "" {
		fs = append(fs, zap.String("filter", e.Filter))
	}
	if e.Upstream != "" {
		fs = append(fs, zap.String("upstream", e.Upstream))
	}
	if e.Address != "" {
		fs = append(fs, zap.String("upstream_addr", e.Address))
	}
	if e.Method != "" {
		fs = append(fs, zap.String("method", e.Method), zap.String("path", e.Path))
	}
	if e.Attempt > 0 {
		fs = append(fs, zap.Int("attempt", e.Attempt))
	}
	if e.From != "" || e.To != "" {
		fs = append(fs, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Status != 0 {
		fs = append(fs, zap.Int("status", e.Status))
	}
	if e.State != "" {
		fs = append(fs, zap.String("state", e.State))
	}
	if e.Latency > 0 {
		fs = append(fs, zap.Duration("latency", e.Latency))
	}
	if e.Version > 0 {
		fs = append(fs, zap.Uint64("version", e.Version))
	}
	if e.Type == RouteTableLoaded {
		fs = append(fs, zap.Int("routes", e.Routes))
	}
	if e.Err != nil {
		fs = append(fs, zap.Error(e.Err))
	}
	return fs
}
