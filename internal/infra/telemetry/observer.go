package telemetry

import (
	"context"

	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
	"github.com/vietddude/brokerlink/internal/infra/retry"
)

// RetryObserver reports retry executor activity to a sink.
type RetryObserver struct {
	Sink Sink
}

var _ retry.Observer = RetryObserver{}

func (o RetryObserver) OnRetry(ctx context.Context, a retry.Attempt) {
	outcome := "retrying"
	if a.Final {
		outcome = "gave_up"
	}
	o.Sink.Emit(ctx, Event{
		Type:    EventRetry,
		UserID:  a.Key.UserID,
		Broker:  a.Key.Broker,
		Outcome: outcome,
		Kind:    string(a.Classification.Kind),
		Attempt: a.Number,
		Message: a.Classification.Message,
		Fields: map[string]any{
			"operation": a.Key.Operation,
			"delay_ms":  a.Delay.Milliseconds(),
		},
	})
}

func (o RetryObserver) OnRecovered(ctx context.Context, key ratelimit.Key, attempts int) {
	o.Sink.Emit(ctx, Event{
		Type:    EventRecovered,
		UserID:  key.UserID,
		Broker:  key.Broker,
		Outcome: "success",
		Attempt: attempts,
		Fields:  map[string]any{"operation": key.Operation},
	})
}
