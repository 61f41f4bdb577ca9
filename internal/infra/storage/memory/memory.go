package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/storage"
)

// OrderRepo is an in-process storage.OrderRepository.
type OrderRepo struct {
	mu      sync.RWMutex
	orders  map[string]*domain.OrderRecord
	history map[string][]storage.HistoryEntry
	now     func() time.Time
}

var _ storage.OrderRepository = (*OrderRepo)(nil)

// Option configures an OrderRepo.
type Option func(*OrderRepo)

// WithClock stamps records with c instead of the wall clock.
func WithClock(c clock.Clock) Option { return func(r *OrderRepo) { r.now = c.Now } }

func NewOrderRepo(opts ...Option) *OrderRepo {
	r := &OrderRepo{
		orders:  make(map[string]*domain.OrderRecord),
		history: make(map[string][]storage.HistoryEntry),
		now:     clock.Real{}.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *OrderRepo) Create(ctx context.Context, order *domain.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return storage.ErrOrderExists
	}
	now := r.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	r.orders[order.ID] = clone(order)
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id string) (*domain.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	return clone(o), nil
}

func (r *OrderRepo) GetByBrokerOrderID(ctx context.Context, broker, brokerOrderID string) (*domain.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.Broker == broker && o.BrokerOrderID == brokerOrderID {
			return clone(o), nil
		}
	}
	return nil, storage.ErrOrderNotFound
}

func (r *OrderRepo) ListActive(ctx context.Context) ([]*domain.OrderRecord, error) {
	r.mu.RLock()
	out := make([]*domain.OrderRecord, 0)
	for _, o := range r.orders {
		if o.Status.IsActive() {
			out = append(out, clone(o))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) (*domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	if u.Expected != "" && o.Status != u.Expected {
		return nil, storage.ErrStatusConflict
	}

	r.applyLocked(o, u)
	return clone(o), nil
}

func (r *OrderRepo) IncrementAttempt(ctx context.Context, id string, u domain.StatusUpdate) (*domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	if u.Expected != "" && o.Status != u.Expected {
		return nil, storage.ErrStatusConflict
	}
	if o.Attempts >= o.MaxAttempts {
		return nil, storage.ErrRetryLimit
	}
	o.Attempts++
	o.NextAttemptAt = nil
	r.applyLocked(o, u)
	return clone(o), nil
}

// applyLocked moves o to u.Status and records the change. Callers hold r.mu.
func (r *OrderRepo) applyLocked(o *domain.OrderRecord, u domain.StatusUpdate) {
	id := o.ID
	now := r.now()
	from := o.Status
	o.Status = u.Status
	o.BrokerStatus = u.BrokerStatus
	o.StatusReason = u.Reason
	if u.BrokerOrderID != "" {
		o.BrokerOrderID = u.BrokerOrderID
	}
	if u.ExecutedAt != nil {
		at := *u.ExecutedAt
		o.ExecutedAt = &at
	}
	o.UpdatedAt = now

	if from != u.Status {
		r.history[id] = append(r.history[id], storage.HistoryEntry{
			OrderID:      id,
			From:         from,
			To:           u.Status,
			BrokerStatus: u.BrokerStatus,
			Reason:       u.Reason,
			ChangedAt:    now,
		})
	}
}

func (r *OrderRepo) RecordFailure(ctx context.Context, id string, f storage.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return storage.ErrOrderNotFound
	}
	now := r.now()
	o.LastFailure = f.Reason
	o.LastFailureCode = f.Code
	o.Retryable = f.Retryable
	o.NextAttemptAt = nil
	if f.NextAttemptAt != nil {
		at := *f.NextAttemptAt
		o.NextAttemptAt = &at
	}
	if f.Status != "" && f.Status != o.Status {
		r.history[id] = append(r.history[id], storage.HistoryEntry{
			OrderID:   id,
			From:      o.Status,
			To:        f.Status,
			Reason:    f.Reason,
			ChangedAt: now,
		})
		o.Status = f.Status
		o.StatusReason = f.Reason
	}
	o.UpdatedAt = now
	return nil
}

func (r *OrderRepo) History(ctx context.Context, id string) ([]storage.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.orders[id]; !ok {
		return nil, storage.ErrOrderNotFound
	}
	return append([]storage.HistoryEntry(nil), r.history[id]...), nil
}

func (r *OrderRepo) Ping(context.Context) error { return nil }

func clone(o *domain.OrderRecord) *domain.OrderRecord {
	cp := *o
	if o.ExecutedAt != nil {
		at := *o.ExecutedAt
		cp.ExecutedAt = &at
	}
	if o.NextAttemptAt != nil {
		at := *o.NextAttemptAt
		cp.NextAttemptAt = &at
	}
	return &cp
}
