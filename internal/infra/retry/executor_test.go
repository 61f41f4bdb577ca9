package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
)

var (
	start = time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	key   = ratelimit.Key{UserID: "u1", Broker: "fyers", Operation: "place_order"}
)

type recordingObserver struct {
	retries   []Attempt
	recovered int
}

func (o *recordingObserver) OnRetry(_ context.Context, a Attempt) { o.retries = append(o.retries, a) }
func (o *recordingObserver) OnRecovered(_ context.Context, _ ratelimit.Key, attempts int) {
	o.recovered = attempts
}

func newTestExecutor(clk *clock.Fake, opts ...Option) *Executor {
	return NewExecutor(DefaultPolicy, append([]Option{WithClock(clk)}, opts...)...)
}

func TestDo_NonRetryableAttemptedOnce(t *testing.T) {
	clk := clock.NewFake(start)
	e := newTestExecutor(clk)

	calls := 0
	authErr := &broker.Error{Broker: "fyers", StatusCode: 401, Message: "invalid token"}
	err := e.Do(context.Background(), key, func(context.Context) error {
		calls++
		return authErr
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, authErr) {
		t.Errorf("error does not wrap original: %v", err)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("error type %T, want *Error", err)
	}
	if re.Classification.Kind != classify.KindAuthentication || re.Attempts != 1 {
		t.Errorf("got %v after %d attempts", re.Classification.Kind, re.Attempts)
	}
	if len(clk.Sleeps()) != 0 {
		t.Errorf("unexpected sleeps %v", clk.Sleeps())
	}
}

func TestDo_RetryableExhausted(t *testing.T) {
	clk := clock.NewFake(start)
	e := newTestExecutor(clk)

	calls := 0
	err := e.Do(context.Background(), key, func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})

	if want := DefaultPolicy.MaxRetries + 1; calls != want {
		t.Errorf("calls = %d, want %d", calls, want)
	}
	if Classification(err).Kind != classify.KindNetwork {
		t.Errorf("kind = %v, want network", Classification(err).Kind)
	}

	sleeps := clk.Sleeps()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], want[i])
		}
		if i > 0 && sleeps[i] < sleeps[i-1] {
			t.Errorf("delays decreased: %v", sleeps)
		}
	}
}

func TestDo_RecoversAfterTimeouts(t *testing.T) {
	clk := clock.NewFake(start)
	obs := &recordingObserver{}
	e := newTestExecutor(clk, WithObserver(obs))

	calls := 0
	err := e.Do(context.Background(), key, func(context.Context) error {
		calls++
		if calls <= 3 {
			return errors.New("ETIMEDOUT: request timed out")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if obs.recovered != 4 || len(obs.retries) != 3 {
		t.Errorf("observer recovered=%d retries=%d", obs.recovered, len(obs.retries))
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{0, 0, time.Second},
		{3, 0, 8 * time.Second},
		{10, 0, 30 * time.Second},
		{0, 5 * time.Second, 5 * time.Second},
		{0, time.Minute, 30 * time.Second},
	}
	for _, tt := range tests {
		got := p.Delay(tt.attempt, classify.Classification{Backoff: tt.hint})
		if got != tt.want {
			t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.hint, got, tt.want)
		}
	}
}

func TestDo_WaitsForRateLimitWindow(t *testing.T) {
	clk := clock.NewFake(start)
	lim := ratelimit.NewMemory(ratelimit.Limits{
		Default: ratelimit.Limit{MaxRequests: 1, Window: time.Second},
	}, clk)
	e := newTestExecutor(clk, WithLimiter(lim))
	ctx := context.Background()
	ok := func(context.Context) error { return nil }

	if err := e.Do(ctx, key, ok); err != nil {
		t.Fatal(err)
	}
	if err := e.Do(ctx, key, ok); err != nil {
		t.Fatal(err)
	}

	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", sleeps)
	}
}

func TestDo_RateLimitBeyondMaxWait(t *testing.T) {
	clk := clock.NewFake(start)
	lim := ratelimit.NewMemory(ratelimit.Limits{
		Default: ratelimit.Limit{MaxRequests: 1, Window: time.Minute},
	}, clk)
	e := newTestExecutor(clk, WithLimiter(lim))
	ctx := context.Background()

	_ = e.Do(ctx, key, func(context.Context) error { return nil })

	called := false
	err := e.Do(ctx, key, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation ran with an exhausted window")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	c := Classification(err)
	if c.Kind != classify.KindRateLimit || c.Backoff != time.Minute {
		t.Errorf("classification = %+v", c)
	}
}

func TestDo_RetryRefusedByLimiterKeepsOriginalError(t *testing.T) {
	clk := clock.NewFake(start)
	lim := ratelimit.NewMemory(ratelimit.Limits{
		Default: ratelimit.Limit{MaxRequests: 1, Window: time.Minute},
	}, clk)
	e := newTestExecutor(clk, WithLimiter(lim))

	calls := 0
	cause := &broker.Error{Broker: "fyers", StatusCode: 503, Message: "gateway unavailable"}
	err := e.Do(context.Background(), key, func(context.Context) error {
		calls++
		return cause
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if re.Err != cause {
		t.Errorf("wrapped error = %v, want the broker failure", re.Err)
	}
	if re.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", re.Attempts)
	}
	if re.Classification.Kind != classify.KindBrokerServer {
		t.Errorf("kind = %s, want %s", re.Classification.Kind, classify.KindBrokerServer)
	}
	if re.RateLimited == nil || re.RateLimited.RetryAfter <= 0 {
		t.Errorf("rate limit detail = %+v", re.RateLimited)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("rate limit hides the broker failure")
	}
}

func TestDo_CancelStopsNextAttempt(t *testing.T) {
	clk := clock.NewFake(start)
	e := newTestExecutor(clk)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := e.Do(ctx, key, func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset by peer")
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	var re *Error
	if !errors.As(err, &re) || re.Err.Error() != "connection reset by peer" {
		t.Errorf("err = %v, want the last failure wrapped", err)
	}
}

func TestRun(t *testing.T) {
	e := newTestExecutor(clock.NewFake(start))
	calls := 0
	v, err := Run(context.Background(), e, key, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &broker.Error{StatusCode: 503}
		}
		return "ORD-1", nil
	})
	if err != nil || v != "ORD-1" {
		t.Errorf("Run = %q, %v", v, err)
	}
}
