// Package broker defines the capability every broker integration exposes and
// the registry the connection pool creates them from.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/domain"
)

// Operation names a broker call. It is part of the rate-limit key.
type Operation string

const (
	OpConnect        Operation = "connect"
	OpCompleteOAuth  Operation = "complete_oauth"
	OpRefreshToken   Operation = "refresh_token"
	OpValidate       Operation = "validate_session"
	OpOAuthURL       Operation = "oauth_url"
	OpDisconnect     Operation = "disconnect"
	OpPlaceOrder     Operation = "place_order"
	OpGetOrderStatus Operation = "get_order_status"
)

// Broker is the uniform capability of one broker integration. A failed call
// returns an error; broker-declared failures are reported as *Error.
type Broker interface {
	Name() string

	// Connect performs direct authentication. Brokers that need an OAuth step
	// return an AuthResult with NeedsOAuth set, or an *Error carrying AuthURL.
	Connect(ctx context.Context, creds domain.Credentials) (*AuthResult, error)
	CompleteOAuth(ctx context.Context, code string, creds domain.Credentials) (*AuthResult, error)
	RefreshToken(ctx context.Context, refreshToken string, creds domain.Credentials) (*AuthResult, error)
	ValidateSession(ctx context.Context, creds domain.Credentials) (bool, error)
	OAuthURL(ctx context.Context, creds domain.Credentials) (string, error)
	Disconnect(ctx context.Context) error

	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*OrderAck, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderState, error)
}

// AuthResult is the success envelope of authentication calls.
type AuthResult struct {
	Token      *domain.TokenInfo   `json:"token,omitempty"`
	Account    *domain.AccountInfo `json:"account,omitempty"`
	NeedsOAuth bool                `json:"needsOAuth,omitempty"`
	AuthURL    string              `json:"authUrl,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// OrderAck is returned once the broker accepted an order.
type OrderAck struct {
	BrokerOrderID string `json:"brokerOrderId"`
	Status        string `json:"status,omitempty"`
	Message       string `json:"message,omitempty"`
}

// OrderState is a broker's view of one order, in its own vocabulary.
type OrderState struct {
	BrokerOrderID string          `json:"brokerOrderId"`
	Status        string          `json:"status"`
	Message       string          `json:"message,omitempty"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UpdatedAt     time.Time       `json:"updatedAt,omitempty"`
}
