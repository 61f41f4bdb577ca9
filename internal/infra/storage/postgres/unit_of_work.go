package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/storage"
)

// UnitOfWork bundles order writes into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// LockOrder loads an order and holds its row lock until the unit completes.
func (u *UnitOfWork) LockOrder(ctx context.Context, id string) (*domain.OrderRecord, error) {
	var o domain.OrderRecord
	err := u.tx.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &o, nil
}

// SaveStatus writes the status columns of o.
func (u *UnitOfWork) SaveStatus(ctx context.Context, o *domain.OrderRecord) error {
	_, err := u.tx.NamedExecContext(ctx, `
		UPDATE orders SET
			status = :status,
			broker_status = :broker_status,
			status_reason = :status_reason,
			broker_order_id = :broker_order_id,
			executed_at = :executed_at,
			retry_attempts = :retry_attempts,
			retryable = :retryable,
			last_failure = :last_failure,
			last_failure_code = :last_failure_code,
			next_attempt_at = :next_attempt_at,
			updated_at = :updated_at
		WHERE id = :id
	`, o)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// AppendHistory records one status change.
func (u *UnitOfWork) AppendHistory(ctx context.Context, e storage.HistoryEntry) error {
	_, err := u.tx.NamedExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, broker_status, reason, changed_at)
		VALUES (:order_id, :from_status, :to_status, :broker_status, :reason, :changed_at)
	`, e)
	if err != nil {
		return fmt.Errorf("failed to append order history: %w", err)
	}
	return nil
}

func historyEntry(o *domain.OrderRecord, from domain.OrderStatus, at time.Time) storage.HistoryEntry {
	return storage.HistoryEntry{
		OrderID:      o.ID,
		From:         from,
		To:           o.Status,
		BrokerStatus: o.BrokerStatus,
		Reason:       o.StatusReason,
		ChangedAt:    at,
	}
}
