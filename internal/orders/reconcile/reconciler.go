// Package reconcile polls brokers for order status and writes the canonical
// status back to the order store.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/storage"
	"github.com/vietddude/brokerlink/internal/infra/telemetry"
	"github.com/vietddude/brokerlink/internal/metrics"
)

var ErrNoBrokerOrderID = errors.New("order has no broker order id")

// Config holds reconciler configuration.
type Config struct {
	PollInterval time.Duration // Per-broker cycle interval (default: 5s)
	RequestDelay time.Duration // Delay between polls within a cycle (default: 200ms)
	PollRetries  int           // Retries per poll (default: 3)
	PollBackoff  time.Duration // Linear backoff unit between retries (default: 1s)
	PollTimeout  time.Duration // Timeout of one status call (default: 10s)
}

// DefaultConfig returns default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		RequestDelay: 200 * time.Millisecond,
		PollRetries:  3,
		PollBackoff:  time.Second,
		PollTimeout:  10 * time.Second,
	}
}

// Sessions gives the reconciler scoped access to pooled broker sessions.
type Sessions interface {
	WithSession(ctx context.Context, userID, brokerName, accountID string, fn func(context.Context, broker.Broker) error) error
}

// Subscriber is called for every canonical status change, on the poll
// goroutine. It must not block.
type Subscriber func(ctx context.Context, change domain.OrderStatusChange)

type tracked struct {
	orderID       string
	userID        string
	broker        string
	accountID     string
	brokerOrderID string
	status        domain.OrderStatus
	brokerStatus  string
	lastPolled    time.Time
	failures      int
}

type brokerLoop struct {
	orders map[string]*tracked
	cancel context.CancelFunc

	cycles      int
	cycleErrors int
	lastCycle   time.Time
}

// Reconciler tracks active orders per broker and polls each broker on its own
// ticker.
type Reconciler struct {
	cfg      Config
	store    storage.OrderRepository
	sessions Sessions
	statuses *StatusMap
	sink     telemetry.Sink
	clock    clock.Clock
	log      *slog.Logger

	mu      sync.Mutex
	brokers map[string]*brokerLoop
	subs    []Subscriber
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithSink(s telemetry.Sink) Option { return func(r *Reconciler) { r.sink = s } }
func WithClock(c clock.Clock) Option { return func(r *Reconciler) { r.clock = c } }
func WithStatusMap(m *StatusMap) Option {
	return func(r *Reconciler) { r.statuses = m }
}

// New creates a reconciler.
func New(cfg Config, store storage.OrderRepository, sessions Sessions, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		statuses: DefaultStatusMap(),
		sink:     telemetry.Nop{},
		clock:    clock.Real{},
		log:      slog.Default().With("component", "reconciler"),
		brokers:  make(map[string]*brokerLoop),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for status changes.
func (r *Reconciler) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Start restores active orders from the store and starts their poll loops.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.base != nil {
		r.mu.Unlock()
		return nil
	}
	r.base, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, o := range active {
		if err := r.Track(o); err != nil {
			r.log.Warn("Skipping order on restore", "order", o.ID, "status", o.Status, "error", err)
			continue
		}
		restored++
	}

	r.mu.Lock()
	for name, bl := range r.brokers {
		if bl.cancel == nil {
			r.startLoop(name, bl)
		}
	}
	r.mu.Unlock()

	r.log.Info("Reconciler started", "restored", restored, "interval", r.cfg.PollInterval)
	return nil
}

// Stop stops every poll loop and clears the tracked set.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.base, r.cancel = nil, nil
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	for name := range r.brokers {
		metrics.OrdersTracked.WithLabelValues(name).Set(0)
	}
	r.brokers = make(map[string]*brokerLoop)
	r.mu.Unlock()
	r.log.Info("Reconciler stopped")
}

// Track adds an order to its broker's poll set. Terminal orders are ignored.
func (r *Reconciler) Track(o *domain.OrderRecord) error {
	if o.BrokerOrderID == "" {
		return ErrNoBrokerOrderID
	}
	if o.Status.IsTerminal() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	bl, ok := r.brokers[o.Broker]
	if !ok {
		bl = &brokerLoop{orders: make(map[string]*tracked)}
		r.brokers[o.Broker] = bl
	}
	bl.orders[o.ID] = &tracked{
		orderID:       o.ID,
		userID:        o.UserID,
		broker:        o.Broker,
		accountID:     o.AccountID,
		brokerOrderID: o.BrokerOrderID,
		status:        o.Status,
		brokerStatus:  o.BrokerStatus,
	}
	metrics.OrdersTracked.WithLabelValues(o.Broker).Set(float64(len(bl.orders)))

	if bl.cancel == nil && r.base != nil {
		r.startLoop(o.Broker, bl)
	}
	return nil
}

// Untrack removes an order. The broker's loop stops with its last order.
func (r *Reconciler) Untrack(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, bl := range r.brokers {
		if _, ok := bl.orders[orderID]; ok {
			r.removeLocked(name, bl, orderID)
			return true
		}
	}
	return false
}

// IsTracked reports whether orderID is in a poll set.
func (r *Reconciler) IsTracked(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bl := range r.brokers {
		if _, ok := bl.orders[orderID]; ok {
			return true
		}
	}
	return false
}

func (r *Reconciler) removeLocked(name string, bl *brokerLoop, orderID string) {
	delete(bl.orders, orderID)
	metrics.OrdersTracked.WithLabelValues(name).Set(float64(len(bl.orders)))
	if len(bl.orders) == 0 {
		if bl.cancel != nil {
			bl.cancel()
		}
		delete(r.brokers, name)
	}
}

// startLoop must be called with r.mu held.
func (r *Reconciler) startLoop(name string, bl *brokerLoop) {
	ctx, cancel := context.WithCancel(r.base)
	bl.cancel = cancel
	ticker := r.clock.NewTicker(r.cfg.PollInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		r.log.Debug("Poll loop started", "broker", name)
		for {
			select {
			case <-ctx.Done():
				r.log.Debug("Poll loop stopped", "broker", name)
				return
			case <-ticker.C():
				r.Cycle(ctx, name)
			}
		}
	}()
}

// Cycle polls every tracked order of one broker, sequentially.
func (r *Reconciler) Cycle(ctx context.Context, brokerName string) {
	start := r.clock.Now()

	r.mu.Lock()
	bl, ok := r.brokers[brokerName]
	var batch []*tracked
	if ok {
		batch = make([]*tracked, 0, len(bl.orders))
		for _, t := range bl.orders {
			cp := *t
			batch = append(batch, &cp)
		}
	}
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].orderID < batch[j].orderID })

	failed := 0
	for i, t := range batch {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && r.cfg.RequestDelay > 0 {
			if err := r.clock.Sleep(ctx, r.cfg.RequestDelay); err != nil {
				return
			}
		}
		if !r.pollOrder(ctx, t) {
			failed++
		}
	}

	elapsed := r.clock.Now().Sub(start)
	metrics.PollCycleDuration.WithLabelValues(brokerName).Observe(elapsed.Seconds())

	r.mu.Lock()
	if bl, ok := r.brokers[brokerName]; ok {
		bl.cycles++
		bl.lastCycle = start
		if failed > 0 {
			bl.cycleErrors++
		}
	}
	r.mu.Unlock()

	r.sink.Emit(ctx, telemetry.Event{
		Type:    telemetry.EventPoll,
		Broker:  brokerName,
		Outcome: pollOutcome(failed),
		Fields: map[string]any{
			"orders":   len(batch),
			"failed":   failed,
			"duration": elapsed.String(),
		},
	})
}

// pollOrder fetches and applies one order's status. It reports false when
// the poll failed after retries.
func (r *Reconciler) pollOrder(ctx context.Context, t *tracked) bool {
	st, err := r.fetch(ctx, t)
	if err != nil {
		c := classify.Classify(err)
		metrics.PollFailures.WithLabelValues(t.broker, string(c.Kind)).Inc()
		r.log.Warn("Order poll failed",
			"order", t.orderID,
			"broker", t.broker,
			"kind", c.Kind,
			"error", err,
		)
		r.mu.Lock()
		if cur := r.lookupLocked(t); cur != nil {
			cur.failures++
		}
		r.mu.Unlock()
		return false
	}
	r.apply(ctx, t, st)
	return true
}

// fetch calls the broker with up to PollRetries retries and linear backoff.
// Authentication and validation failures are returned immediately.
func (r *Reconciler) fetch(ctx context.Context, t *tracked) (*broker.OrderState, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.PollRetries; attempt++ {
		var st *broker.OrderState
		err := r.sessions.WithSession(ctx, t.userID, t.broker, t.accountID, func(ctx context.Context, b broker.Broker) error {
			callCtx := ctx
			if r.cfg.PollTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.cfg.PollTimeout)
				defer cancel()
			}
			var err error
			st, err = b.GetOrderStatus(callCtx, t.brokerOrderID)
			return err
		})
		if err == nil {
			if st == nil {
				return nil, &broker.Error{Broker: t.broker, Op: broker.OpGetOrderStatus, Message: "empty order status"}
			}
			return st, nil
		}
		lastErr = err

		switch classify.Classify(err).Kind {
		case classify.KindAuthentication, classify.KindValidation:
			return nil, err
		}
		if attempt == r.cfg.PollRetries {
			break
		}
		delay := time.Duration(attempt+1) * r.cfg.PollBackoff
		r.log.Debug("Retrying order poll", "order", t.orderID, "attempt", attempt+1, "delay", delay, "error", err)
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Reconciler) apply(ctx context.Context, t *tracked, st *broker.OrderState) {
	now := r.clock.Now()
	status, ok := r.statuses.Map(t.broker, st.Status, st.FilledQty)
	if !ok {
		metrics.UnmappedStatuses.WithLabelValues(t.broker).Inc()
		r.log.Warn("Unmapped broker order status",
			"order", t.orderID,
			"broker", t.broker,
			"broker_status", st.Status,
		)
	}

	r.mu.Lock()
	cur := r.lookupLocked(t)
	if cur != nil {
		cur.lastPolled = now
		cur.failures = 0
		cur.brokerStatus = st.Status
	}
	r.mu.Unlock()

	if status == t.status {
		return
	}
	if !domain.CanTransition(t.status, status) {
		r.log.Warn("Unexpected order transition",
			"order", t.orderID,
			"from", t.status,
			"to", status,
			"broker_status", st.Status,
		)
	}

	update := domain.StatusUpdate{
		Status:       status,
		BrokerStatus: st.Status,
		Reason:       st.Message,
		Expected:     t.status,
	}
	if status == domain.OrderStatusExecuted {
		at := st.UpdatedAt
		if at.IsZero() {
			at = now
		}
		update.ExecutedAt = &at
	}

	rec, err := r.store.UpdateStatus(ctx, t.orderID, update)
	if errors.Is(err, storage.ErrStatusConflict) {
		r.resync(ctx, t)
		return
	}
	if err != nil {
		r.log.Error("Failed to store order status", "order", t.orderID, "to", status, "error", err)
		return
	}

	change := domain.OrderStatusChange{
		OrderID:       rec.ID,
		UserID:        rec.UserID,
		Broker:        rec.Broker,
		AccountID:     rec.AccountID,
		BrokerOrderID: rec.BrokerOrderID,
		From:          t.status,
		To:            status,
		BrokerStatus:  st.Status,
		Reason:        st.Message,
		At:            now,
	}

	r.mu.Lock()
	if cur := r.lookupLocked(t); cur != nil {
		cur.status = status
		if status.IsTerminal() {
			r.removeLocked(t.broker, r.brokers[t.broker], t.orderID)
		}
	}
	subs := append([]Subscriber(nil), r.subs...)
	r.mu.Unlock()

	r.publish(ctx, change, subs)
}

// resync reloads an order that changed underneath the poller.
func (r *Reconciler) resync(ctx context.Context, t *tracked) {
	rec, err := r.store.Get(ctx, t.orderID)
	if err != nil {
		r.log.Warn("Failed to reload order", "order", t.orderID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.lookupLocked(t)
	if cur == nil {
		return
	}
	cur.status = rec.Status
	if !rec.Status.IsActive() {
		r.removeLocked(t.broker, r.brokers[t.broker], t.orderID)
	}
}

func (r *Reconciler) publish(ctx context.Context, c domain.OrderStatusChange, subs []Subscriber) {
	metrics.OrderTransitions.WithLabelValues(c.Broker, string(c.From), string(c.To)).Inc()
	r.log.Info("Order status changed",
		"order", c.OrderID,
		"broker", c.Broker,
		"from", c.From,
		"to", c.To,
		"broker_status", c.BrokerStatus,
	)
	r.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EventStatusChange,
		At:        c.At,
		UserID:    c.UserID,
		Broker:    c.Broker,
		AccountID: c.AccountID,
		OrderID:   c.OrderID,
		Outcome:   string(c.To),
		Message:   c.Reason,
		Fields: map[string]any{
			"from":          string(c.From),
			"broker_status": c.BrokerStatus,
			"terminal":      c.Terminal(),
		},
	})
	for _, fn := range subs {
		fn(ctx, c)
	}
}

// lookupLocked returns the live tracked entry for a snapshot, if still tracked.
func (r *Reconciler) lookupLocked(t *tracked) *tracked {
	bl, ok := r.brokers[t.broker]
	if !ok {
		return nil
	}
	return bl.orders[t.orderID]
}

// BrokerStats describes one broker's poll loop.
type BrokerStats struct {
	Tracked     int        `json:"tracked"`
	Running     bool       `json:"running"`
	Cycles      int        `json:"cycles"`
	CycleErrors int        `json:"cycleErrors"`
	LastCycle   *time.Time `json:"lastCycle,omitempty"`
}

// Stats summarizes the reconciler.
type Stats struct {
	Running bool                   `json:"running"`
	Tracked int                    `json:"tracked"`
	Brokers map[string]BrokerStats `json:"brokers"`
}

// Stats returns reconciler statistics.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Running: r.base != nil, Brokers: make(map[string]BrokerStats, len(r.brokers))}
	for name, bl := range r.brokers {
		bs := BrokerStats{
			Tracked:     len(bl.orders),
			Running:     bl.cancel != nil,
			Cycles:      bl.cycles,
			CycleErrors: bl.cycleErrors,
		}
		if !bl.lastCycle.IsZero() {
			at := bl.lastCycle
			bs.LastCycle = &at
		}
		st.Tracked += bs.Tracked
		st.Brokers[name] = bs
	}
	return st
}

func pollOutcome(failed int) string {
	if failed > 0 {
		return "partial"
	}
	return "ok"
}
