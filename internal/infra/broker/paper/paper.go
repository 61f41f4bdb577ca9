// Package paper provides an in-process broker for development and paper
// trading. It never makes network calls.
package paper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
)

const Name = "paper"

// Options tunes the simulated exchange.
type Options struct {
	// RequireOAuth makes Connect answer with an OAuth URL instead of tokens.
	RequireOAuth bool
	// FillAfterPolls is how many status polls an order stays OPEN before it
	// reports COMPLETE.
	FillAfterPolls int
	TokenTTL       time.Duration
	Margin         decimal.Decimal
	Clock          clock.Clock
}

type order struct {
	req   domain.OrderRequest
	polls int
}

// Exchange is the state shared by every paper session.
type Exchange struct {
	opts Options

	mu        sync.Mutex
	tokens    map[string]time.Time // access token -> expiry
	refreshes map[string]bool
	usedCodes map[string]bool
	orders    map[string]*order
}

// NewExchange creates an exchange.
func NewExchange(opts Options) *Exchange {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 8 * time.Hour
	}
	if opts.FillAfterPolls <= 0 {
		opts.FillAfterPolls = 2
	}
	return &Exchange{
		opts:      opts,
		tokens:    make(map[string]time.Time),
		refreshes: make(map[string]bool),
		usedCodes: make(map[string]bool),
		orders:    make(map[string]*order),
	}
}

// Constructor returns a broker.Constructor for the registry.
func (x *Exchange) Constructor() broker.Constructor {
	return func() (broker.Broker, error) {
		return &Broker{x: x}, nil
	}
}

// Broker is one paper session.
type Broker struct {
	x *Exchange

	mu    sync.RWMutex
	creds domain.Credentials
}

var (
	_ broker.Broker           = (*Broker)(nil)
	_ broker.CredentialBinder = (*Broker)(nil)
)

func (b *Broker) Name() string { return Name }

func (b *Broker) Bind(creds domain.Credentials) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = creds.Clone()
}

func (b *Broker) Connect(ctx context.Context, creds domain.Credentials) (*broker.AuthResult, error) {
	if b.x.opts.RequireOAuth {
		u, err := b.OAuthURL(ctx, creds)
		if err != nil {
			return nil, err
		}
		return &broker.AuthResult{NeedsOAuth: true, AuthURL: u, Message: "oauth login required"}, nil
	}
	if creds.ClientID == "" || (creds.Password == "" && creds.APIKey == "") {
		return nil, b.fail(broker.OpConnect, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
	}
	return b.issue(creds), nil
}

func (b *Broker) CompleteOAuth(_ context.Context, code string, creds domain.Credentials) (*broker.AuthResult, error) {
	if code == "" {
		return nil, b.fail(broker.OpCompleteOAuth, http.StatusBadRequest, "INVALID_CODE", "missing auth code")
	}
	b.x.mu.Lock()
	used := b.x.usedCodes[code]
	b.x.usedCodes[code] = true
	b.x.mu.Unlock()
	if used {
		return nil, b.fail(broker.OpCompleteOAuth, http.StatusUnauthorized, "INVALID_CODE", "authorization code already used")
	}
	return b.issue(creds), nil
}

func (b *Broker) RefreshToken(_ context.Context, refreshToken string, creds domain.Credentials) (*broker.AuthResult, error) {
	b.x.mu.Lock()
	ok := b.x.refreshes[refreshToken]
	delete(b.x.refreshes, refreshToken)
	b.x.mu.Unlock()
	if !ok {
		return nil, b.fail(broker.OpRefreshToken, http.StatusUnauthorized, "TOKEN_EXPIRED", "refresh token expired")
	}
	return b.issue(creds), nil
}

func (b *Broker) ValidateSession(_ context.Context, creds domain.Credentials) (bool, error) {
	b.x.mu.Lock()
	defer b.x.mu.Unlock()
	exp, ok := b.x.tokens[creds.AccessToken]
	return ok && b.x.opts.Clock.Now().Before(exp), nil
}

func (b *Broker) OAuthURL(_ context.Context, creds domain.Credentials) (string, error) {
	q := url.Values{}
	q.Set("client_id", creds.ClientID)
	q.Set("redirect_uri", creds.RedirectURI)
	q.Set("state", uuid.NewString())
	return "https://paper.brokerlink.local/oauth/authorize?" + q.Encode(), nil
}

func (b *Broker) Disconnect(context.Context) error {
	b.mu.Lock()
	token := b.creds.AccessToken
	b.creds = domain.Credentials{}
	b.mu.Unlock()

	b.x.mu.Lock()
	delete(b.x.tokens, token)
	b.x.mu.Unlock()
	return nil
}

func (b *Broker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*broker.OrderAck, error) {
	if err := b.authorized(broker.OpPlaceOrder); err != nil {
		return nil, err
	}
	if !req.Quantity.IsPositive() {
		return nil, b.fail(broker.OpPlaceOrder, http.StatusBadRequest, "", "invalid quantity")
	}
	if req.Type == domain.OrderTypeLimit && !req.Price.IsPositive() {
		return nil, b.fail(broker.OpPlaceOrder, http.StatusBadRequest, "", "invalid price")
	}

	id := "PAPER-" + uuid.NewString()[:8]
	b.x.mu.Lock()
	b.x.orders[id] = &order{req: req}
	b.x.mu.Unlock()
	return &broker.OrderAck{BrokerOrderID: id, Status: "OPEN"}, nil
}

func (b *Broker) GetOrderStatus(_ context.Context, brokerOrderID string) (*broker.OrderState, error) {
	if err := b.authorized(broker.OpGetOrderStatus); err != nil {
		return nil, err
	}

	b.x.mu.Lock()
	defer b.x.mu.Unlock()
	o, ok := b.x.orders[brokerOrderID]
	if !ok {
		return nil, b.fail(broker.OpGetOrderStatus, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	}
	o.polls++

	st := &broker.OrderState{
		BrokerOrderID: brokerOrderID,
		Status:        "OPEN",
		UpdatedAt:     b.x.opts.Clock.Now(),
	}
	if o.polls >= b.x.opts.FillAfterPolls {
		st.Status = "COMPLETE"
		st.FilledQty = o.req.Quantity
		st.AvgPrice = o.req.Price
	}
	return st, nil
}

func (b *Broker) issue(creds domain.Credentials) *broker.AuthResult {
	now := b.x.opts.Clock.Now()
	tok := &domain.TokenInfo{
		AccessToken:           "pa-" + uuid.NewString(),
		AccessTokenExpiresAt:  now.Add(b.x.opts.TokenTTL),
		RefreshToken:          "pr-" + uuid.NewString(),
		RefreshTokenExpiresAt: now.Add(30 * 24 * time.Hour),
		Issuer:                Name,
		IssuedAt:              now,
	}

	b.x.mu.Lock()
	b.x.tokens[tok.AccessToken] = tok.AccessTokenExpiresAt
	b.x.refreshes[tok.RefreshToken] = true
	b.x.mu.Unlock()

	accountID := creds.AccountID
	if accountID == "" {
		accountID = fmt.Sprintf("PAPER-%s", creds.ClientID)
	}
	b.Bind(creds.WithToken(tok))
	return &broker.AuthResult{
		Token: tok,
		Account: &domain.AccountInfo{
			AccountID:       accountID,
			Broker:          Name,
			Exchanges:       []string{"NSE", "BSE"},
			AvailableMargin: b.x.opts.Margin,
			FetchedAt:       now,
		},
	}
}

func (b *Broker) authorized(op broker.Operation) error {
	b.mu.RLock()
	token := b.creds.AccessToken
	b.mu.RUnlock()

	b.x.mu.Lock()
	exp, ok := b.x.tokens[token]
	b.x.mu.Unlock()
	if !ok || !b.x.opts.Clock.Now().Before(exp) {
		return b.fail(op, http.StatusUnauthorized, "TOKEN_EXPIRED", "session expired")
	}
	return nil
}

func (b *Broker) fail(op broker.Operation, status int, code, msg string) *broker.Error {
	return &broker.Error{Broker: Name, Op: op, StatusCode: status, Code: code, Message: msg}
}
