// Package orders places orders through pooled broker sessions and resubmits
// failed ones.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/infra/storage"
	"github.com/vietddude/brokerlink/internal/infra/telemetry"
	"github.com/vietddude/brokerlink/internal/metrics"
)

var (
	ErrNotOwner     = errors.New("order belongs to another user")
	ErrNotRetryable = errors.New("order is not retryable")
)

// Config holds order service configuration.
type Config struct {
	MaxAttempts   int           // Resubmissions allowed per order (default: 3)
	ResubmitDelay time.Duration // Deferred retry delay unit, multiplied by attempt (default: 30s)
	QueueInterval time.Duration // How often due retries are picked up (default: 1s)
	QueueBatch    int           // Max retries picked up per tick (default: 50)
	// AutoResubmit schedules retryable failures without a caller asking.
	AutoResubmit bool
}

// DefaultConfig returns default order service configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		ResubmitDelay: 30 * time.Second,
		QueueInterval: time.Second,
		QueueBatch:    50,
		AutoResubmit:  true,
	}
}

// Sessions gives scoped access to pooled broker sessions.
type Sessions interface {
	WithSession(ctx context.Context, userID, brokerName, accountID string, fn func(context.Context, broker.Broker) error) error
}

// Tracker starts status reconciliation for a placed order.
type Tracker interface {
	Track(o *domain.OrderRecord) error
}

// Result is the outcome of a placement or resubmission. Broker failures are
// reported here with their classification.
type Result struct {
	OrderID                 string                   `json:"orderId"`
	BrokerOrderID           string                   `json:"brokerOrderId,omitempty"`
	Status                  domain.OrderStatus       `json:"status"`
	Attempts                int                      `json:"attempts"`
	Error                   string                   `json:"error,omitempty"`
	Classification          *classify.Classification `json:"classification,omitempty"`
	Retryable               bool                     `json:"retryable"`
	NextAttemptAt           *time.Time               `json:"nextAttemptAt,omitempty"`
	NeedsManualIntervention bool                     `json:"needsManualIntervention,omitempty"`
}

// Service places and resubmits orders.
type Service struct {
	cfg      Config
	store    storage.OrderRepository
	sessions Sessions
	exec     *retry.Executor
	tracker  Tracker
	queue    RetryQueue
	sink     telemetry.Sink
	clock    clock.Clock
	validate *requestValidator
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithQueue(q RetryQueue) Option { return func(s *Service) { s.queue = q } }
func WithSink(t telemetry.Sink) Option { return func(s *Service) { s.sink = t } }
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// NewService creates an order service.
func NewService(
	cfg Config,
	store storage.OrderRepository,
	sessions Sessions,
	exec *retry.Executor,
	tracker Tracker,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		exec:     exec,
		tracker:  tracker,
		queue:    NewMemoryQueue(),
		sink:     telemetry.Nop{},
		clock:    clock.Real{},
		validate: newRequestValidator(),
		log:      slog.Default().With("component", "orders"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder validates req, stores it as PENDING and places it. An empty
// account places through the user's only session at the broker.
func (s *Service) PlaceOrder(ctx context.Context, req domain.OrderRequest) (Result, error) {
	if err := s.validate.Validate(req); err != nil {
		return Result{}, err
	}
	o := &domain.OrderRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Broker:    strings.ToLower(strings.TrimSpace(req.Broker)),
		AccountID: strings.ToLower(strings.TrimSpace(req.AccountID)),
		Symbol:    req.Symbol,
		Exchange:  req.Exchange,
		Side:      req.Side,
		Type:      req.Type,
		Product:   req.Product,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    domain.OrderStatusPending,
		CreatedAt: s.clock.Now(),
		RetryMeta: domain.RetryMeta{MaxAttempts: s.cfg.MaxAttempts},
	}
	if err := s.store.Create(ctx, o); err != nil {
		return Result{}, fmt.Errorf("failed to store order: %w", err)
	}
	return s.place(ctx, o), nil
}

// RetryOrder resubmits a FAILED or REJECTED order owned by userID.
func (s *Service) RetryOrder(ctx context.Context, orderID, userID string) (Result, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.UserID != userID {
		return Result{}, ErrNotOwner
	}
	if o.Status != domain.OrderStatusFailed && o.Status != domain.OrderStatusRejected {
		return Result{}, fmt.Errorf("%w: status is %s", ErrNotRetryable, o.Status)
	}
	if !o.Retryable {
		return Result{}, fmt.Errorf("%w: %s", ErrNotRetryable, classify.Message(o.LastFailureCode))
	}
	if o.Attempts >= o.MaxAttempts {
		return Result{}, storage.ErrRetryLimit
	}

	// Claiming the attempt and leaving FAILED/REJECTED happen together, so a
	// concurrent retry of the same order gets ErrStatusConflict.
	o, err = s.store.IncrementAttempt(ctx, orderID, domain.StatusUpdate{
		Status:   domain.OrderStatusPending,
		Reason:   fmt.Sprintf("resubmission %d of %d", o.Attempts+1, o.MaxAttempts),
		Expected: o.Status,
	})
	if err != nil {
		return Result{}, err
	}
	if err := s.queue.Cancel(ctx, orderID); err != nil {
		s.log.Warn("Failed to cancel scheduled retry", "order", orderID, "error", err)
	}

	s.log.Info("Resubmitting order",
		"order", o.ID,
		"broker", o.Broker,
		"attempt", o.Attempts,
		"max_attempts", o.MaxAttempts,
	)
	res := s.place(ctx, o)
	outcome := "placed"
	if res.Status != domain.OrderStatusPlaced {
		outcome = "failed"
	}
	metrics.OrderResubmissions.WithLabelValues(o.Broker, outcome).Inc()
	s.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EventResubmit,
		UserID:    o.UserID,
		Broker:    o.Broker,
		AccountID: o.AccountID,
		OrderID:   o.ID,
		Attempt:   o.Attempts,
		Outcome:   outcome,
		Message:   res.Error,
	})
	return res, nil
}

// HandleEvent reacts to reconciler status changes. Retryable rejections are
// scheduled for deferred resubmission.
func (s *Service) HandleEvent(ctx context.Context, c domain.OrderStatusChange) {
	if c.To != domain.OrderStatusRejected {
		return
	}
	cls := classify.ClassifyInput(classify.Input{Message: c.Reason})
	o, err := s.store.Get(ctx, c.OrderID)
	if err != nil {
		s.log.Warn("Failed to load rejected order", "order", c.OrderID, "error", err)
		return
	}

	o.Retryable = cls.Retryable
	failure := storage.Failure{Reason: c.Reason, Code: cls.Code, Retryable: cls.Retryable}
	if o.CanRetry() && s.cfg.AutoResubmit {
		due := s.nextAttempt(o.Attempts)
		failure.NextAttemptAt = &due
	}
	if err := s.store.RecordFailure(ctx, o.ID, failure); err != nil {
		s.log.Error("Failed to record rejection", "order", o.ID, "error", err)
		return
	}
	if failure.NextAttemptAt != nil {
		s.schedule(ctx, o, *failure.NextAttemptAt)
	}
}

// Run picks up due resubmissions every QueueInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.QueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.ProcessDue(ctx)
		}
	}
}

// ProcessDue resubmits every due order and returns how many were attempted.
func (s *Service) ProcessDue(ctx context.Context) int {
	ids, err := s.queue.PopDue(ctx, s.clock.Now(), s.cfg.QueueBatch)
	if err != nil {
		s.log.Error("Failed to read retry queue", "error", err)
		return 0
	}
	for _, id := range ids {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			s.log.Warn("Dropping scheduled retry", "order", id, "error", err)
			continue
		}
		res, err := s.RetryOrder(ctx, id, o.UserID)
		if err != nil {
			s.log.Warn("Scheduled retry skipped", "order", id, "error", err)
			continue
		}
		s.log.Info("Scheduled retry finished", "order", id, "status", res.Status, "attempts", res.Attempts)
	}
	return len(ids)
}

// place sends o to its broker and records the outcome.
func (s *Service) place(ctx context.Context, o *domain.OrderRecord) Result {
	req := o.Request()
	key := ratelimit.Key{UserID: o.UserID, Broker: o.Broker, Operation: string(broker.OpPlaceOrder)}

	var ack *broker.OrderAck
	err := s.sessions.WithSession(ctx, o.UserID, o.Broker, o.AccountID, func(ctx context.Context, b broker.Broker) error {
		var err error
		ack, err = retry.Run(ctx, s.exec, key, func(ctx context.Context) (*broker.OrderAck, error) {
			return b.PlaceOrder(ctx, req)
		})
		return err
	})
	if err == nil && (ack == nil || ack.BrokerOrderID == "") {
		err = &broker.Error{Broker: o.Broker, Op: broker.OpPlaceOrder, Message: "placement returned no order id"}
	}
	if err != nil {
		return s.fail(ctx, o, err)
	}

	updated, err := s.store.UpdateStatus(ctx, o.ID, domain.StatusUpdate{
		Status:        domain.OrderStatusPlaced,
		BrokerStatus:  ack.Status,
		BrokerOrderID: ack.BrokerOrderID,
		Reason:        ack.Message,
	})
	if err != nil {
		s.log.Error("Order placed but status not stored",
			"order", o.ID,
			"broker_order_id", ack.BrokerOrderID,
			"error", err,
		)
		updated = o
		updated.Status = domain.OrderStatusPlaced
		updated.BrokerOrderID = ack.BrokerOrderID
	}
	if err := s.tracker.Track(updated); err != nil {
		s.log.Warn("Failed to track order", "order", o.ID, "error", err)
	}

	s.log.Info("Order placed",
		"order", o.ID,
		"broker", o.Broker,
		"broker_order_id", ack.BrokerOrderID,
	)
	return Result{
		OrderID:       o.ID,
		BrokerOrderID: ack.BrokerOrderID,
		Status:        domain.OrderStatusPlaced,
		Attempts:      updated.Attempts,
	}
}

func (s *Service) fail(ctx context.Context, o *domain.OrderRecord, err error) Result {
	c := retry.Classification(err)
	failure := storage.Failure{
		Reason:    err.Error(),
		Code:      c.Code,
		Retryable: c.Retryable,
		Status:    domain.OrderStatusFailed,
	}
	o.Retryable = c.Retryable
	if o.CanRetry() && s.cfg.AutoResubmit {
		due := s.nextAttempt(o.Attempts)
		failure.NextAttemptAt = &due
	}
	if recErr := s.store.RecordFailure(ctx, o.ID, failure); recErr != nil {
		s.log.Error("Failed to record order failure", "order", o.ID, "error", recErr)
	}
	if failure.NextAttemptAt != nil {
		s.schedule(ctx, o, *failure.NextAttemptAt)
	}

	s.log.Warn("Order placement failed",
		"order", o.ID,
		"broker", o.Broker,
		"kind", c.Kind,
		"code", c.Code,
		"error", err,
	)
	return Result{
		OrderID:                 o.ID,
		Status:                  domain.OrderStatusFailed,
		Attempts:                o.Attempts,
		Error:                   c.Message,
		Classification:          &c,
		Retryable:               c.Retryable,
		NextAttemptAt:           failure.NextAttemptAt,
		NeedsManualIntervention: !c.Retryable,
	}
}

func (s *Service) schedule(ctx context.Context, o *domain.OrderRecord, due time.Time) {
	if err := s.queue.Schedule(ctx, o.ID, due); err != nil {
		s.log.Error("Failed to schedule retry", "order", o.ID, "error", err)
		return
	}
	s.log.Info("Order retry scheduled", "order", o.ID, "due", due, "attempt", o.Attempts+1)
}

// nextAttempt returns when resubmission number attempts+1 should run.
func (s *Service) nextAttempt(attempts int) time.Time {
	return s.clock.Now().Add(time.Duration(attempts+1) * s.cfg.ResubmitDelay)
}
