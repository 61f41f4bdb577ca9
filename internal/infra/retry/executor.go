package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
	"github.com/vietddude/brokerlink/internal/metrics"
)

// Executor runs operations under a Policy, consulting the limiter before
// every attempt.
type Executor struct {
	policy   Policy
	limiter  ratelimit.Limiter
	classify classify.Func
	clock    clock.Clock
	observer Observer
	log      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithLimiter(l ratelimit.Limiter) Option { return func(e *Executor) { e.limiter = l } }
func WithClassifier(f classify.Func) Option { return func(e *Executor) { e.classify = f } }
func WithClock(c clock.Clock) Option { return func(e *Executor) { e.clock = c } }
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.log = l } }

// NewExecutor creates an executor.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy,
		classify: classify.Classify,
		clock:    clock.Real{},
		log:      slog.Default().With("component", "retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// WithPolicy returns a copy of e that runs under p.
func (e *Executor) WithPolicy(p Policy) *Executor {
	cp := *e
	cp.policy = p
	return &cp
}

// Do runs op until it succeeds, fails with a non-retryable error, or retries
// are exhausted. A call in flight is never interrupted; cancelling ctx only
// prevents the next attempt.
func (e *Executor) Do(ctx context.Context, key ratelimit.Key, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if err := e.admit(ctx, key); err != nil {
			var rl *RateLimitError
			isRL := errors.As(err, &rl)
			if lastErr != nil {
				// The failure that caused the retry stays the reported error.
				gaveUp := &Error{Key: key, Attempts: attempt, Classification: e.classify(lastErr), Err: lastErr, RateLimited: rl}
				if isRL {
					return gaveUp
				}
				return fmt.Errorf("%w: %w", err, gaveUp)
			}
			if isRL {
				c := classify.ClassifyInput(classify.Input{
					Err: rl, Code: "RATE_LIMITED", RetryAfter: rl.RetryAfter,
				})
				return &Error{Key: key, Attempts: attempt, Classification: c, Err: rl, RateLimited: rl}
			}
			return err
		}

		start := e.clock.Now()
		err := op(ctx)
		metrics.BrokerCallLatency.WithLabelValues(key.Broker, key.Operation).
			Observe(e.clock.Now().Sub(start).Seconds())

		if err == nil {
			metrics.BrokerCallsTotal.WithLabelValues(key.Broker, key.Operation, "success").Inc()
			if attempt > 0 {
				e.log.Info("broker call recovered",
					"broker", key.Broker,
					"operation", key.Operation,
					"attempts", attempt+1,
				)
				if e.observer != nil {
					e.observer.OnRecovered(ctx, key, attempt+1)
				}
			}
			return nil
		}
		metrics.BrokerCallsTotal.WithLabelValues(key.Broker, key.Operation, "failure").Inc()

		lastErr = err
		c := e.classify(err)
		final := !c.Retryable || attempt == e.policy.MaxRetries

		var delay time.Duration
		if !final {
			delay = e.policy.Delay(attempt, c)
		}
		if e.observer != nil {
			e.observer.OnRetry(ctx, Attempt{
				Key: key, Number: attempt + 1, Err: err, Classification: c, Delay: delay, Final: final,
			})
		}

		if final {
			return &Error{Key: key, Attempts: attempt + 1, Classification: c, Err: err}
		}

		metrics.RetriesTotal.WithLabelValues(key.Broker, key.Operation, string(c.Kind)).Inc()
		e.log.Warn("broker call failed, retrying",
			"broker", key.Broker,
			"operation", key.Operation,
			"attempt", attempt+1,
			"kind", c.Kind,
			"delay", delay,
			"error", err,
		)

		if err := e.clock.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", err, &Error{Key: key, Attempts: attempt + 1, Classification: c, Err: lastErr})
		}
	}

	// Unreachable with MaxRetries >= 0.
	return &Error{Key: key, Attempts: e.policy.MaxRetries + 1, Classification: e.classify(lastErr), Err: lastErr}
}

// Run is Do for operations that return a value.
func Run[T any](ctx context.Context, e *Executor, key ratelimit.Key, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, key, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// admit blocks until the limiter admits key or MaxRateWait would be
// exceeded. Limiter backend failures are logged and the call proceeds.
func (e *Executor) admit(ctx context.Context, key ratelimit.Key) error {
	if e.limiter == nil {
		return nil
	}
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := e.limiter.Allow(ctx, key)
		if err != nil {
			e.log.Warn("rate limiter unavailable", "key", key.String(), "error", err)
			return nil
		}
		if d.Allowed {
			return nil
		}

		metrics.RateLimitRejections.WithLabelValues(key.Broker, key.Operation).Inc()
		wait := d.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		if waited+wait > e.policy.MaxRateWait {
			return &RateLimitError{Key: key, RetryAfter: wait}
		}
		e.log.Debug("rate limit window exhausted, waiting", "key", key.String(), "wait", wait)
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}
