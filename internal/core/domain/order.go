package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the broker-agnostic order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPlaced          OrderStatus = "PLACED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusExecuted        OrderStatus = "EXECUTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusFailed          OrderStatus = "FAILED"
	// OrderStatusUnknown holds orders whose broker status has no mapping yet.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further broker updates are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the order should be polled.
func (s OrderStatus) IsActive() bool {
	switch s {
	case OrderStatusPending, OrderStatusPlaced, OrderStatusPartiallyFilled, OrderStatusUnknown:
		return true
	}
	return false
}

// ValidTransitions is the expected order lifecycle. Brokers occasionally
// report moves outside it; those are applied but logged.
var ValidTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusPlaced, OrderStatusPartiallyFilled, OrderStatusExecuted,
		OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed, OrderStatusUnknown,
	},
	OrderStatusPlaced: {
		OrderStatusPartiallyFilled, OrderStatusExecuted, OrderStatusCancelled,
		OrderStatusRejected, OrderStatusUnknown,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected, OrderStatusUnknown,
	},
	OrderStatusUnknown: {
		OrderStatusPending, OrderStatusPlaced, OrderStatusPartiallyFilled,
		OrderStatusExecuted, OrderStatusCancelled, OrderStatusRejected,
	},
	// Resubmission.
	OrderStatusFailed:   {OrderStatusPending, OrderStatusPlaced},
	OrderStatusRejected: {OrderStatusPending, OrderStatusPlaced},
}

// CanTransition checks a status change against ValidTransitions.
func CanTransition(from, to OrderStatus) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "SL"
	OrderTypeStopMkt  OrderType = "SL-M"
)

// OrderRequest is what a caller asks a broker to place.
type OrderRequest struct {
	UserID    string          `json:"userId" validate:"required"`
	Broker    string          `json:"broker" validate:"required"`
	AccountID string          `json:"accountId"`
	Symbol    string          `json:"symbol" validate:"required"`
	Exchange  string          `json:"exchange" validate:"required"`
	Side      OrderSide       `json:"side" validate:"required,oneof=BUY SELL"`
	Type      OrderType       `json:"type" validate:"required,oneof=MARKET LIMIT SL SL-M"`
	Product   string          `json:"product"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	// ClientOrderID is forwarded to brokers that accept an idempotency tag.
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// RetryMeta is the resubmission bookkeeping kept next to an order.
type RetryMeta struct {
	Attempts    int    `json:"attempts" db:"retry_attempts"`
	MaxAttempts int    `json:"maxAttempts" db:"retry_max_attempts"`
	Retryable   bool   `json:"retryable" db:"retryable"`
	LastFailure string `json:"lastFailure,omitempty" db:"last_failure"`
	// LastFailureCode is the classification code of LastFailure.
	LastFailureCode string     `json:"lastFailureCode,omitempty" db:"last_failure_code"`
	NextAttemptAt   *time.Time `json:"nextAttemptAt,omitempty" db:"next_attempt_at"`
}

// CanRetry reports whether another resubmission is allowed.
func (m RetryMeta) CanRetry() bool {
	return m.Retryable && m.Attempts < m.MaxAttempts
}

// OrderRecord is a stored order.
type OrderRecord struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"userId" db:"user_id"`
	Broker        string          `json:"broker" db:"broker"`
	AccountID     string          `json:"accountId" db:"account_id"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty" db:"broker_order_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Exchange      string          `json:"exchange" db:"exchange"`
	Side          OrderSide       `json:"side" db:"side"`
	Type          OrderType       `json:"type" db:"order_type"`
	Product       string          `json:"product" db:"product"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Status        OrderStatus     `json:"status" db:"status"`
	BrokerStatus  string          `json:"brokerStatus,omitempty" db:"broker_status"`
	StatusReason  string          `json:"statusReason,omitempty" db:"status_reason"`
	ExecutedAt    *time.Time      `json:"executedAt,omitempty" db:"executed_at"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
	RetryMeta
}

// Request rebuilds the placement request for a stored order.
func (o *OrderRecord) Request() OrderRequest {
	return OrderRequest{
		UserID:        o.UserID,
		Broker:        o.Broker,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Exchange:      o.Exchange,
		Side:          o.Side,
		Type:          o.Type,
		Product:       o.Product,
		Quantity:      o.Quantity,
		Price:         o.Price,
		ClientOrderID: o.ID,
	}
}

// StatusUpdate is an atomic status change applied by the order store.
type StatusUpdate struct {
	Status        OrderStatus
	BrokerStatus  string
	BrokerOrderID string
	Reason        string
	ExecutedAt    *time.Time
	// Expected guards the update: when set, the store only applies it if the
	// current status still matches.
	Expected OrderStatus
}

// OrderStatusChange is emitted whenever an order's canonical status moves.
type OrderStatusChange struct {
	OrderID       string
	UserID        string
	Broker        string
	AccountID     string
	BrokerOrderID string
	From          OrderStatus
	To            OrderStatus
	BrokerStatus  string
	Reason        string
	At            time.Time
}

// Terminal reports whether this change ends tracking.
func (c OrderStatusChange) Terminal() bool { return c.To.IsTerminal() }
