// Package telemetry emits structured operational events. Sinks never return
// errors to callers; delivery failures are logged and counted.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/brokerlink/internal/metrics"
)

type EventType string

const (
	EventConnect      EventType = "connect"
	EventDisconnect   EventType = "disconnect"
	EventRefresh      EventType = "refresh"
	EventValidate     EventType = "validate"
	EventSweep        EventType = "sweep"
	EventRetry        EventType = "retry"
	EventRecovered    EventType = "recovered"
	EventPoll         EventType = "poll"
	EventStatusChange EventType = "status_change"
	EventResubmit     EventType = "resubmit"
)

// Event is one telemetry record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	At        time.Time      `json:"at"`
	UserID    string         `json:"userId,omitempty"`
	Broker    string         `json:"broker,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	OrderID   string         `json:"orderId,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every sink. A panicking sink is contained.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, s := range m {
		emitSafe(ctx, s, e)
	}
}

func emitSafe(ctx context.Context, s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("telemetry sink panicked", "type", e.Type, "panic", r)
		}
	}()
	s.Emit(ctx, e)
}

// Logger writes events through slog.
type Logger struct {
	log *slog.Logger
}

// NewLogger creates a log sink.
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log.With("component", "telemetry")}
}

func (l *Logger) Emit(ctx context.Context, e Event) {
	attrs := []any{
		"type", e.Type,
		"user", e.UserID,
		"broker", e.Broker,
	}
	if e.AccountID != "" {
		attrs = append(attrs, "account", e.AccountID)
	}
	if e.OrderID != "" {
		attrs = append(attrs, "order", e.OrderID)
	}
	if e.Outcome != "" {
		attrs = append(attrs, "outcome", e.Outcome)
	}
	if e.Kind != "" {
		attrs = append(attrs, "kind", e.Kind)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	l.log.InfoContext(ctx, "event", attrs...)
}

// Metrics counts events in prometheus.
type Metrics struct{}

func (Metrics) Emit(_ context.Context, e Event) {
	outcome := e.Outcome
	if outcome == "" {
		outcome = "none"
	}
	metrics.TelemetryEvents.WithLabelValues(string(e.Type), e.Broker, outcome).Inc()
}
