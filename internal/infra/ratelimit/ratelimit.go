// Package ratelimit enforces fixed-window request limits per
// (user, broker, operation).
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Key identifies one rate-limit window.
type Key struct {
	UserID    string
	Broker    string
	Operation string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s",
		strings.ToLower(strings.TrimSpace(k.UserID)),
		strings.ToLower(strings.TrimSpace(k.Broker)),
		strings.ToLower(strings.TrimSpace(k.Operation)))
}

// Limit is the budget of one window. A non-positive MaxRequests disables the
// limit.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

func (l Limit) unlimited() bool { return l.MaxRequests <= 0 || l.Window <= 0 }

// Limits resolves the Limit for a broker operation.
type Limits struct {
	Default Limit
	// Brokers maps broker -> operation -> limit. The "*" operation applies to
	// every operation of that broker without its own entry.
	Brokers map[string]map[string]Limit
}

// For returns the most specific configured limit.
func (l Limits) For(broker, op string) Limit {
	ops, ok := l.Brokers[strings.ToLower(broker)]
	if !ok {
		return l.Default
	}
	if lim, ok := ops[strings.ToLower(op)]; ok {
		return lim
	}
	if lim, ok := ops["*"]; ok {
		return lim
	}
	return l.Default
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time left until the window resets. Only set when the
	// call was rejected.
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter admits or rejects calls. Allow counts the call only when it is
// admitted.
type Limiter interface {
	Allow(ctx context.Context, key Key) (Decision, error)
}
