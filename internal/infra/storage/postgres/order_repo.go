package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/storage"
	"github.com/vietddude/brokerlink/internal/metrics"
)

const orderColumns = `id, user_id, broker, account_id, broker_order_id, symbol, exchange, side,
	order_type, product, quantity, price, status, broker_status, status_reason, executed_at,
	retry_attempts, retry_max_attempts, retryable, last_failure, last_failure_code, next_attempt_at,
	created_at, updated_at`

var activeStatuses = []string{
	string(domain.OrderStatusPending),
	string(domain.OrderStatusPlaced),
	string(domain.OrderStatusPartiallyFilled),
	string(domain.OrderStatusUnknown),
}

// OrderRepo implements storage.OrderRepository using PostgreSQL.
type OrderRepo struct {
	db  *DB
	now func() time.Time
}

var _ storage.OrderRepository = (*OrderRepo)(nil)

// RepoOption configures an OrderRepo.
type RepoOption func(*OrderRepo)

// WithClock stamps rows with c instead of the wall clock.
func WithClock(c clock.Clock) RepoOption { return func(r *OrderRepo) { r.now = c.Now } }

// NewOrderRepo creates a new PostgreSQL order repository.
func NewOrderRepo(db *DB, opts ...RepoOption) *OrderRepo {
	r := &OrderRepo{db: db, now: clock.Real{}.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores a new order.
func (r *OrderRepo) Create(ctx context.Context, o *domain.OrderRecord) error {
	now := r.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :user_id, :broker, :account_id, :broker_order_id, :symbol, :exchange, :side,
			:order_type, :product, :quantity, :price, :status, :broker_status, :status_reason, :executed_at,
			:retry_attempts, :retry_max_attempts, :retryable, :last_failure, :last_failure_code, :next_attempt_at,
			:created_at, :updated_at)
	`, o)
	if isUniqueViolation(err) {
		return storage.ErrOrderExists
	}
	if err != nil {
		metrics.StoreUpdateFailures.WithLabelValues("create").Inc()
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Get retrieves an order by id.
func (r *OrderRepo) Get(ctx context.Context, id string) (*domain.OrderRecord, error) {
	var o domain.OrderRecord
	err := r.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

// GetByBrokerOrderID retrieves an order by its broker id.
func (r *OrderRepo) GetByBrokerOrderID(ctx context.Context, broker, brokerOrderID string) (*domain.OrderRecord, error) {
	var o domain.OrderRecord
	err := r.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE broker = $1 AND broker_order_id = $2`,
		broker, brokerOrderID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by broker id: %w", err)
	}
	return &o, nil
}

// ListActive returns every order that still needs polling.
func (r *OrderRepo) ListActive(ctx context.Context) ([]*domain.OrderRecord, error) {
	query, args, err := sqlx.In(
		`SELECT `+orderColumns+` FROM orders WHERE status IN (?) ORDER BY created_at ASC`,
		activeStatuses,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build active orders query: %w", err)
	}

	var out []*domain.OrderRecord
	err = r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	return out, nil
}

// UpdateStatus applies a status change and its history row in one transaction.
func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) (*domain.OrderRecord, error) {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	o, err := uow.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Expected != "" && o.Status != u.Expected {
		return nil, storage.ErrStatusConflict
	}

	if err := r.apply(ctx, uow, o, u, "update_status"); err != nil {
		return nil, err
	}
	return o, nil
}

// apply moves a locked order to u.Status, records the change and commits.
func (r *OrderRepo) apply(ctx context.Context, uow *UnitOfWork, o *domain.OrderRecord, u domain.StatusUpdate, op string) error {
	now := r.now().UTC()
	from := o.Status
	o.Status = u.Status
	o.BrokerStatus = u.BrokerStatus
	o.StatusReason = u.Reason
	if u.BrokerOrderID != "" {
		o.BrokerOrderID = u.BrokerOrderID
	}
	if u.ExecutedAt != nil {
		at := u.ExecutedAt.UTC()
		o.ExecutedAt = &at
	}
	o.UpdatedAt = now

	if err := uow.SaveStatus(ctx, o); err != nil {
		metrics.StoreUpdateFailures.WithLabelValues(op).Inc()
		return err
	}
	if from != o.Status {
		if err := uow.AppendHistory(ctx, historyEntry(o, from, now)); err != nil {
			return err
		}
	}
	if err := uow.Commit(); err != nil {
		metrics.StoreUpdateFailures.WithLabelValues(op).Inc()
		return fmt.Errorf("failed to commit order update: %w", err)
	}
	return nil
}

// IncrementAttempt bumps the resubmission counter and applies u under the
// order's row lock, so concurrent retries of one order cannot both proceed.
func (r *OrderRepo) IncrementAttempt(ctx context.Context, id string, u domain.StatusUpdate) (*domain.OrderRecord, error) {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	o, err := uow.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Expected != "" && o.Status != u.Expected {
		return nil, storage.ErrStatusConflict
	}
	if o.Attempts >= o.MaxAttempts {
		return nil, storage.ErrRetryLimit
	}
	o.Attempts++
	o.NextAttemptAt = nil

	if err := r.apply(ctx, uow, o, u, "increment_attempt"); err != nil {
		return nil, err
	}
	return o, nil
}

// RecordFailure stores the failure and, when asked, the resulting status.
func (r *OrderRepo) RecordFailure(ctx context.Context, id string, f storage.Failure) error {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	o, err := uow.LockOrder(ctx, id)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	from := o.Status
	o.LastFailure = f.Reason
	o.LastFailureCode = f.Code
	o.Retryable = f.Retryable
	o.NextAttemptAt = nil
	if f.NextAttemptAt != nil {
		at := f.NextAttemptAt.UTC()
		o.NextAttemptAt = &at
	}
	if f.Status != "" {
		o.Status = f.Status
		o.StatusReason = f.Reason
	}
	o.UpdatedAt = now

	if err := uow.SaveStatus(ctx, o); err != nil {
		metrics.StoreUpdateFailures.WithLabelValues("record_failure").Inc()
		return err
	}
	if from != o.Status {
		if err := uow.AppendHistory(ctx, historyEntry(o, from, now)); err != nil {
			return err
		}
	}
	return uow.Commit()
}

// History lists status changes, oldest first.
func (r *OrderRepo) History(ctx context.Context, id string) ([]storage.HistoryEntry, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	var out []storage.HistoryEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT order_id, from_status, to_status, broker_status, reason, changed_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list order history: %w", err)
	}
	return out, nil
}

// Ping checks the connection.
func (r *OrderRepo) Ping(ctx context.Context) error {
	return r.db.Health(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
