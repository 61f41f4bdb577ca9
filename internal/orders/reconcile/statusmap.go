package reconcile

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/domain"
)

// commonStatuses maps broker status text onto canonical statuses. Keys are
// upper-cased with spaces and dashes folded to underscores.
var commonStatuses = map[string]domain.OrderStatus{
	"PENDING":                domain.OrderStatusPending,
	"OPEN_PENDING":           domain.OrderStatusPending,
	"VALIDATION_PENDING":     domain.OrderStatusPending,
	"PUT_ORDER_REQ_RECEIVED": domain.OrderStatusPending,
	"MODIFY_PENDING":         domain.OrderStatusPending,
	"AMO_REQ_RECEIVED":       domain.OrderStatusPending,
	"TRANSIT":                domain.OrderStatusPending,
	"RECEIVED":               domain.OrderStatusPending,

	"OPEN":            domain.OrderStatusPlaced,
	"PLACED":          domain.OrderStatusPlaced,
	"NEW":             domain.OrderStatusPlaced,
	"ACCEPTED":        domain.OrderStatusPlaced,
	"TRIGGER_PENDING": domain.OrderStatusPlaced,
	"MODIFIED":        domain.OrderStatusPlaced,

	"PARTIAL":          domain.OrderStatusPartiallyFilled,
	"PARTIALLY_FILLED": domain.OrderStatusPartiallyFilled,
	"PARTIAL_FILL":     domain.OrderStatusPartiallyFilled,

	"COMPLETE":  domain.OrderStatusExecuted,
	"COMPLETED": domain.OrderStatusExecuted,
	"FILLED":    domain.OrderStatusExecuted,
	"EXECUTED":  domain.OrderStatusExecuted,
	"TRADED":    domain.OrderStatusExecuted,

	"CANCELLED": domain.OrderStatusCancelled,
	"CANCELED":  domain.OrderStatusCancelled,
	"EXPIRED":   domain.OrderStatusCancelled,

	"REJECTED": domain.OrderStatusRejected,

	"FAILED": domain.OrderStatusFailed,
	"ERROR":  domain.OrderStatusFailed,
}

// brokerStatuses holds per-broker overrides, checked before the common table.
var brokerStatuses = map[string]map[string]domain.OrderStatus{
	// Fyers reports numeric order states.
	"fyers": {
		"1": domain.OrderStatusCancelled,
		"2": domain.OrderStatusExecuted,
		"4": domain.OrderStatusPending,
		"5": domain.OrderStatusRejected,
		"6": domain.OrderStatusPlaced,
		"7": domain.OrderStatusCancelled,
	},
	"shoonya": {
		"TRIGGER_PENDING": domain.OrderStatusPlaced,
		"CANCELED":        domain.OrderStatusCancelled,
	},
}

// StatusMap translates broker status vocabulary.
type StatusMap struct {
	common    map[string]domain.OrderStatus
	overrides map[string]map[string]domain.OrderStatus
}

// DefaultStatusMap is the built-in table.
func DefaultStatusMap() *StatusMap {
	return &StatusMap{common: commonStatuses, overrides: brokerStatuses}
}

// Map returns the canonical status for raw. ok is false when raw has no
// mapping, in which case the status is UNKNOWN. An open order with a fill is
// reported as partially filled.
func (m *StatusMap) Map(broker, raw string, filled decimal.Decimal) (status domain.OrderStatus, ok bool) {
	key := foldStatus(raw)
	if key == "" {
		return domain.OrderStatusUnknown, false
	}

	status, ok = m.overrides[strings.ToLower(broker)][key]
	if !ok {
		status, ok = m.common[key]
	}
	if !ok {
		return domain.OrderStatusUnknown, false
	}
	if status == domain.OrderStatusPlaced && filled.IsPositive() {
		status = domain.OrderStatusPartiallyFilled
	}
	return status, true
}

func foldStatus(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
