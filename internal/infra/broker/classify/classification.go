// Package classify maps raw broker and network failures onto a fixed error
// taxonomy with a retry policy and user-facing guidance.
package classify

import "time"

// Kind is the taxonomy bucket of a failure.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindValidation     Kind = "validation"
	KindMarket         Kind = "market"
	KindBrokerServer   Kind = "broker_server"
	KindUnknown        Kind = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Reason codes. They are stable and safe to expose to API clients.
const (
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeTokenRevoked      = "TOKEN_REVOKED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeTimeout           = "TIMEOUT"
	CodeConnection        = "CONNECTION"
	CodeRateLimited       = "RATE_LIMITED"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
	CodeServerError       = "SERVER_ERROR"
	CodeServerMaintenance = "SERVER_MAINTENANCE"
	CodeInvalidQuantity   = "INVALID_QUANTITY"
	CodeInvalidPrice      = "INVALID_PRICE"
	CodeInvalidSymbol     = "INVALID_SYMBOL"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeMarketClosed      = "MARKET_CLOSED"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeCircuitLimit      = "CIRCUIT_LIMIT"
	CodeRiskRejected      = "RISK_REJECTED"
	CodeCancelled         = "CANCELLED"
	CodeUnexpected        = "UNEXPECTED"
)

// Classification is the verdict for one failure.
type Classification struct {
	Kind      Kind     `json:"kind"`
	Severity  Severity `json:"severity"`
	Code      string   `json:"code"`
	Retryable bool     `json:"retryable"`
	// Backoff is a broker-provided delay hint. Zero means use the caller's
	// schedule.
	Backoff    time.Duration `json:"backoff,omitempty"`
	MaxRetries int           `json:"maxRetries"`
	Message    string        `json:"message"`
	Actions    []string      `json:"actions"`
}

type policy struct {
	severity   Severity
	retryable  bool
	maxRetries int
}

var policies = map[Kind]policy{
	KindNetwork:        {SeverityMedium, true, 3},
	KindAuthentication: {SeverityHigh, false, 0},
	KindRateLimit:      {SeverityLow, true, 3},
	KindValidation:     {SeverityLow, false, 0},
	KindMarket:         {SeverityMedium, false, 0},
	KindBrokerServer:   {SeverityHigh, true, 3},
	KindUnknown:        {SeverityMedium, false, 0},
}

// IsRetryable reports the default retry policy for a kind.
func IsRetryable(k Kind) bool {
	return policies[k].retryable
}
