// Package storage defines the order store used by the reconciler and the
// order services.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/brokerlink/internal/core/domain"
)

var (
	// ErrOrderNotFound is returned when an order doesn't exist
	ErrOrderNotFound = errors.New("order record not found")
	// ErrOrderExists is returned by Create for a duplicate id
	ErrOrderExists = errors.New("order already exists")
	// ErrStatusConflict is returned when a guarded update finds another status
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrRetryLimit is returned when an order has no resubmissions left
	ErrRetryLimit = errors.New("order retry limit reached")
)

// Failure describes a placement failure recorded against an order.
type Failure struct {
	Reason    string
	Code      string
	Retryable bool
	// Status, when set, moves the order to this status as well.
	Status        domain.OrderStatus
	NextAttemptAt *time.Time
}

// HistoryEntry is one recorded status change.
type HistoryEntry struct {
	OrderID      string             `json:"orderId" db:"order_id"`
	From         domain.OrderStatus `json:"from" db:"from_status"`
	To           domain.OrderStatus `json:"to" db:"to_status"`
	BrokerStatus string             `json:"brokerStatus,omitempty" db:"broker_status"`
	Reason       string             `json:"reason,omitempty" db:"reason"`
	ChangedAt    time.Time          `json:"changedAt" db:"changed_at"`
}

// OrderRepository handles order storage operations
type OrderRepository interface {
	// Create stores a new order
	Create(ctx context.Context, order *domain.OrderRecord) error

	// Get retrieves an order by id
	Get(ctx context.Context, id string) (*domain.OrderRecord, error)

	// GetByBrokerOrderID retrieves an order by the broker's id for it
	GetByBrokerOrderID(ctx context.Context, broker, brokerOrderID string) (*domain.OrderRecord, error)

	// ListActive returns every order in the active status set
	ListActive(ctx context.Context) ([]*domain.OrderRecord, error)

	// UpdateStatus applies a status change and records it in the history,
	// atomically. It returns the updated order.
	UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) (*domain.OrderRecord, error)

	// IncrementAttempt bumps the resubmission counter and applies update in
	// one atomic step. It fails with ErrStatusConflict when update.Expected
	// does not match and with ErrRetryLimit when no attempts remain.
	IncrementAttempt(ctx context.Context, id string, update domain.StatusUpdate) (*domain.OrderRecord, error)

	// RecordFailure stores the last failure and retry eligibility
	RecordFailure(ctx context.Context, id string, failure Failure) error

	// History lists the status changes of an order, oldest first
	History(ctx context.Context, id string) ([]HistoryEntry, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error
}
