// Package retry runs broker calls with classified, rate-limited, bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
)

// Policy defines retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// MaxRateWait bounds how long one attempt may wait for a rate-limit
	// window to reset. Zero fails immediately on an exhausted window.
	MaxRateWait time.Duration
}

// DefaultPolicy provides sensible defaults.
var DefaultPolicy = Policy{
	MaxRetries:  3,
	BaseDelay:   1 * time.Second,
	Multiplier:  2.0,
	MaxDelay:    30 * time.Second,
	MaxRateWait: 10 * time.Second,
}

// Delay returns the backoff before retry number attempt+1.
func (p Policy) Delay(attempt int, c classify.Classification) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if c.Backoff > 0 {
		delay = float64(c.Backoff)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Error is returned once a call is given up. It wraps the last failure
// unmodified.
type Error struct {
	Key            ratelimit.Key
	Attempts       int
	Classification classify.Classification
	Err            error
	// RateLimited is set when the next retry was refused by the limiter.
	RateLimited *RateLimitError
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v",
		e.Key.Broker, e.Key.Operation, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrRateLimited is matched by errors.Is on a RateLimitError.
var ErrRateLimited = errors.New("rate limit exhausted")

// RateLimitError reports a window that stays exhausted longer than the
// caller is willing to wait.
type RateLimitError struct {
	Key        ratelimit.Key
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exhausted for %s, try again in %s",
		e.Key.String(), e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Classification returns the verdict to attach to a failure. Errors that
// are not *Error are classified directly.
func Classification(err error) classify.Classification {
	var re *Error
	if errors.As(err, &re) {
		return re.Classification
	}
	return classify.Classify(err)
}

// Attempt describes one failed attempt, passed to observers.
type Attempt struct {
	Key            ratelimit.Key
	Number         int
	Err            error
	Classification classify.Classification
	// Delay is the backoff before the next attempt; zero on the final one.
	Delay time.Duration
	Final bool
}

// Observer is notified after each failed attempt and on recovery.
type Observer interface {
	OnRetry(ctx context.Context, a Attempt)
	OnRecovered(ctx context.Context, key ratelimit.Key, attempts int)
}
