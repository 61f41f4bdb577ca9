package orders

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/infra/storage"
	"github.com/vietddude/brokerlink/internal/infra/storage/memory"
)

// placingBroker answers PlaceOrder from a script; the last entry repeats.
type placingBroker struct {
	broker.Broker

	mu       sync.Mutex
	script   []error
	requests []domain.OrderRequest
}

func (b *placingBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*broker.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	if len(b.script) > 0 {
		if i >= len(b.script) {
			i = len(b.script) - 1
		}
		if err := b.script[i]; err != nil {
			return nil, err
		}
	}
	return &broker.OrderAck{BrokerOrderID: "B" + strconv.Itoa(i+1), Status: "OPEN"}, nil
}

func (b *placingBroker) placed() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderRequest(nil), b.requests...)
}

type fakeSessions struct {
	b   *placingBroker
	err error
}

func (s fakeSessions) WithSession(ctx context.Context, _, _, _ string, fn func(context.Context, broker.Broker) error) error {
	if s.err != nil {
		return s.err
	}
	return fn(ctx, s.b)
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (t *fakeTracker) Track(o *domain.OrderRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = append(t.tracked, o.ID)
	return nil
}

type fixture struct {
	svc     *Service
	store   *memory.OrderRepo
	queue   *MemoryQueue
	broker  *placingBroker
	tracker *fakeTracker
	clock   *clock.Fake
}

func newFixture(t *testing.T, script ...error) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewOrderRepo(),
		queue:   NewMemoryQueue(),
		broker:  &placingBroker{script: script},
		tracker: &fakeTracker{},
		clock:   clock.NewFake(time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)),
	}
	exec := retry.NewExecutor(retry.Policy{MaxRetries: 0}, retry.WithClock(f.clock))
	f.svc = NewService(DefaultConfig(), f.store, fakeSessions{b: f.broker}, exec, f.tracker,
		WithQueue(f.queue),
		WithClock(f.clock),
	)
	return f
}

func limitBuy() domain.OrderRequest {
	return domain.OrderRequest{
		UserID:   "u1",
		Broker:   "Fyers",
		Symbol:   "NSE:SBIN-EQ",
		Exchange: "NSE",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeLimit,
		Product:  "CNC",
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.RequireFromString("612.35"),
	}
}

func unavailable() error {
	return &broker.Error{Broker: "fyers", Op: broker.OpPlaceOrder, StatusCode: 503, Message: "service unavailable"}
}

func TestPlaceOrder_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.PlaceOrder(ctx, limitBuy())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusPlaced || res.BrokerOrderID != "B1" || res.Error != "" {
		t.Fatalf("result = %+v", res)
	}

	o, err := f.store.Get(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderStatusPlaced || o.BrokerOrderID != "B1" {
		t.Errorf("stored = %s/%s", o.Status, o.BrokerOrderID)
	}
	if o.Broker != "fyers" || o.AccountID != "" || o.MaxAttempts != 3 {
		t.Errorf("stored broker=%q account=%q max=%d", o.Broker, o.AccountID, o.MaxAttempts)
	}

	reqs := f.broker.placed()
	if len(reqs) != 1 || reqs[0].ClientOrderID != res.OrderID {
		t.Errorf("broker requests = %+v", reqs)
	}
	if len(f.tracker.tracked) != 1 || f.tracker.tracked[0] != res.OrderID {
		t.Errorf("tracked = %v", f.tracker.tracked)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	cases := map[string]func(*domain.OrderRequest){
		"missing user":     func(r *domain.OrderRequest) { r.UserID = "" },
		"bad side":         func(r *domain.OrderRequest) { r.Side = "HOLD" },
		"zero quantity":    func(r *domain.OrderRequest) { r.Quantity = decimal.Zero },
		"limit no price":   func(r *domain.OrderRequest) { r.Price = decimal.Zero },
		"negative price":   func(r *domain.OrderRequest) { r.Type = domain.OrderTypeMarket; r.Price = decimal.NewFromInt(-1) },
		"unknown type":     func(r *domain.OrderRequest) { r.Type = "ICEBERG" },
		"missing exchange": func(r *domain.OrderRequest) { r.Exchange = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := limitBuy()
			mutate(&req)
			if _, err := f.svc.PlaceOrder(context.Background(), req); !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("err = %v, want ErrInvalidOrder", err)
			}
			if n := len(f.broker.placed()); n != 0 {
				t.Errorf("broker called %d times", n)
			}
		})
	}

	f := newFixture(t)
	req := limitBuy()
	req.Type = domain.OrderTypeMarket
	req.Price = decimal.Zero
	if _, err := f.svc.PlaceOrder(context.Background(), req); err != nil {
		t.Errorf("market order without price: %v", err)
	}
}

func TestPlaceOrder_RetryableFailureIsScheduled(t *testing.T) {
	f := newFixture(t, unavailable())
	ctx := context.Background()

	res, err := f.svc.PlaceOrder(ctx, limitBuy())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusFailed || !res.Retryable || res.NeedsManualIntervention {
		t.Fatalf("result = %+v", res)
	}
	if res.Classification == nil || !res.Classification.Retryable {
		t.Fatalf("classification = %+v", res.Classification)
	}
	want := f.clock.Now().Add(30 * time.Second)
	if res.NextAttemptAt == nil || !res.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", res.NextAttemptAt, want)
	}

	o, _ := f.store.Get(ctx, res.OrderID)
	if o.Status != domain.OrderStatusFailed || !o.Retryable || o.LastFailure == "" {
		t.Errorf("stored = %+v", o)
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Errorf("queue len = %d", n)
	}
	if len(f.tracker.tracked) != 0 {
		t.Errorf("failed order tracked")
	}
}

func TestPlaceOrder_PermanentFailure(t *testing.T) {
	f := newFixture(t, &broker.Error{Broker: "fyers", Op: broker.OpPlaceOrder, StatusCode: 400, Message: "invalid quantity for lot size"})
	ctx := context.Background()

	res, err := f.svc.PlaceOrder(ctx, limitBuy())
	if err != nil {
		t.Fatal(err)
	}
	if res.Retryable || !res.NeedsManualIntervention || res.NextAttemptAt != nil {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Errorf("queue len = %d", n)
	}
	if _, err := f.svc.RetryOrder(ctx, res.OrderID, "u1"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry err = %v, want ErrNotRetryable", err)
	}
}

func TestPlaceOrder_NoSession(t *testing.T) {
	f := newFixture(t)
	f.svc.sessions = fakeSessions{err: errors.New("broker session not found: not logged in")}

	res, err := f.svc.PlaceOrder(context.Background(), limitBuy())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusFailed || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
}

func TestRetryOrder(t *testing.T) {
	f := newFixture(t, unavailable(), nil)
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, limitBuy())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.RetryOrder(ctx, first.OrderID, "someone-else"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign retry err = %v", err)
	}
	if _, err := f.svc.RetryOrder(ctx, "missing", "u1"); !errors.Is(err, storage.ErrOrderNotFound) {
		t.Errorf("missing retry err = %v", err)
	}

	res, err := f.svc.RetryOrder(ctx, first.OrderID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusPlaced || res.Attempts != 1 || res.BrokerOrderID != "B2" {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Errorf("scheduled retry not cancelled")
	}

	if _, err := f.svc.RetryOrder(ctx, first.OrderID, "u1"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry of placed order err = %v", err)
	}

	history, err := f.store.History(ctx, first.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	var path []domain.OrderStatus
	for _, h := range history {
		path = append(path, h.To)
	}
	want := []domain.OrderStatus{domain.OrderStatusFailed, domain.OrderStatusPending, domain.OrderStatusPlaced}
	if len(path) != len(want) {
		t.Fatalf("history = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("history = %v, want %v", path, want)
		}
	}
}

func TestRetryOrder_AttemptLimit(t *testing.T) {
	f := newFixture(t, unavailable())
	f.svc.cfg.MaxAttempts = 1
	ctx := context.Background()

	first, _ := f.svc.PlaceOrder(ctx, limitBuy())
	res, err := f.svc.RetryOrder(ctx, first.OrderID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusFailed || res.Attempts != 1 || res.NextAttemptAt != nil {
		t.Fatalf("result = %+v", res)
	}
	if _, err := f.svc.RetryOrder(ctx, first.OrderID, "u1"); !errors.Is(err, storage.ErrRetryLimit) {
		t.Errorf("err = %v, want ErrRetryLimit", err)
	}
}

// gatedStore holds every Get until n callers have read, so concurrent
// retries all see the same FAILED record.
type gatedStore struct {
	*memory.OrderRepo
	ready sync.WaitGroup
}

func (g *gatedStore) Get(ctx context.Context, id string) (*domain.OrderRecord, error) {
	o, err := g.OrderRepo.Get(ctx, id)
	g.ready.Done()
	g.ready.Wait()
	return o, err
}

func TestRetryOrder_ConcurrentCallsClaimOneAttempt(t *testing.T) {
	f := newFixture(t, unavailable(), nil)
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, limitBuy())
	if err != nil {
		t.Fatal(err)
	}

	const callers = 4
	gated := &gatedStore{OrderRepo: f.store}
	gated.ready.Add(callers)
	f.svc.store = gated

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		placed    int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.RetryOrder(ctx, first.OrderID, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Status == domain.OrderStatusPlaced:
				placed++
			case errors.Is(err, storage.ErrStatusConflict):
				conflicts++
			default:
				t.Errorf("retry = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	if placed != 1 || conflicts != callers-1 {
		t.Fatalf("placed=%d conflicts=%d", placed, conflicts)
	}
	o, err := f.store.Get(ctx, first.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Attempts != 1 || o.Status != domain.OrderStatusPlaced {
		t.Errorf("stored attempts=%d status=%s", o.Attempts, o.Status)
	}
	if n := len(f.broker.placed()); n != 2 {
		t.Errorf("broker saw %d placements, want 2", n)
	}
}

func TestRetryOrder_NotRetryableHidesBrokerText(t *testing.T) {
	rms := &broker.Error{
		Broker:     "fyers",
		Op:         broker.OpPlaceOrder,
		StatusCode: 400,
		Message:    "RMS:Rule: Check circuit limit including square off order exceeds",
	}
	f := newFixture(t, rms)
	ctx := context.Background()

	first, err := f.svc.PlaceOrder(ctx, limitBuy())
	if err != nil {
		t.Fatal(err)
	}
	o, _ := f.store.Get(ctx, first.OrderID)
	if o.Retryable || o.LastFailureCode != classify.CodeCircuitLimit {
		t.Fatalf("stored retryable=%v code=%q", o.Retryable, o.LastFailureCode)
	}

	_, err = f.svc.RetryOrder(ctx, first.OrderID, "u1")
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable", err)
	}
	if strings.Contains(err.Error(), "RMS") {
		t.Errorf("err leaks broker text: %v", err)
	}
	if !strings.Contains(err.Error(), classify.Message(classify.CodeCircuitLimit)) {
		t.Errorf("err = %v, want circuit limit guidance", err)
	}
}

func TestProcessDue(t *testing.T) {
	f := newFixture(t, unavailable(), nil)
	ctx := context.Background()

	first, _ := f.svc.PlaceOrder(ctx, limitBuy())
	if n := f.svc.ProcessDue(ctx); n != 0 {
		t.Fatalf("processed %d before due", n)
	}

	f.clock.Advance(30 * time.Second)
	if n := f.svc.ProcessDue(ctx); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	o, _ := f.store.Get(ctx, first.OrderID)
	if o.Status != domain.OrderStatusPlaced || o.Attempts != 1 {
		t.Errorf("after resubmission = %s attempts=%d", o.Status, o.Attempts)
	}
}

func TestHandleEvent_Rejection(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		reason    string
		retryable bool
	}{
		{"exchange service unavailable", true},
		{"RMS: insufficient margin", false},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			f := newFixture(t)
			placed, err := f.svc.PlaceOrder(ctx, limitBuy())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.store.UpdateStatus(ctx, placed.OrderID, domain.StatusUpdate{
				Status: domain.OrderStatusRejected, Reason: tc.reason,
			}); err != nil {
				t.Fatal(err)
			}

			f.svc.HandleEvent(ctx, domain.OrderStatusChange{
				OrderID: placed.OrderID,
				From:    domain.OrderStatusPlaced,
				To:      domain.OrderStatusRejected,
				Reason:  tc.reason,
			})

			o, _ := f.store.Get(ctx, placed.OrderID)
			if o.Retryable != tc.retryable || o.LastFailure != tc.reason {
				t.Errorf("stored retryable=%v failure=%q", o.Retryable, o.LastFailure)
			}
			n, _ := f.queue.Len(ctx)
			if (n == 1) != tc.retryable {
				t.Errorf("queue len = %d", n)
			}
		})
	}
}
