package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vietddude/brokerlink/internal/core/domain"
)

// CredentialBinder is implemented by capabilities that keep the session's
// credentials for later calls. The pool binds credentials after every
// successful authentication, including ones that needed no broker call.
type CredentialBinder interface {
	Bind(creds domain.Credentials)
}

// Envelope is the response body of every gateway call.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	AuthURL string          `json:"authUrl,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Transport carries gateway calls. Implementations return *Error for
// transport-level failures and leave envelope failures to the Gateway.
type Transport interface {
	Invoke(ctx context.Context, call Call, resp *Envelope) error
	Close() error
}

// Call is one gateway request.
type Call struct {
	Broker      string
	Op          Operation
	AccessToken string
	Body        any
}

// Gateway is a Broker served by an external broker gateway that speaks the
// broker's native protocol. One Gateway instance backs one session.
type Gateway struct {
	name      string
	transport Transport

	mu    sync.RWMutex
	creds domain.Credentials
}

var (
	_ Broker           = (*Gateway)(nil)
	_ CredentialBinder = (*Gateway)(nil)
)

// NewGateway creates a session-scoped capability for broker name.
func NewGateway(name string, t Transport) *Gateway {
	return &Gateway{name: name, transport: t}
}

// GatewayConstructor returns a Constructor that shares transport t.
func GatewayConstructor(name string, t Transport) Constructor {
	return func() (Broker, error) {
		return NewGateway(name, t), nil
	}
}

func (g *Gateway) Name() string { return g.name }

// Bind stores credentials used by order calls.
func (g *Gateway) Bind(creds domain.Credentials) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creds = creds.Clone()
}

type authRequest struct {
	Credentials  domain.Credentials `json:"credentials"`
	Code         string             `json:"code,omitempty"`
	RefreshToken string             `json:"refreshToken,omitempty"`
}

func (g *Gateway) Connect(ctx context.Context, creds domain.Credentials) (*AuthResult, error) {
	return g.auth(ctx, OpConnect, authRequest{Credentials: creds})
}

func (g *Gateway) CompleteOAuth(ctx context.Context, code string, creds domain.Credentials) (*AuthResult, error) {
	creds.AuthCode = ""
	return g.auth(ctx, OpCompleteOAuth, authRequest{Credentials: creds, Code: code})
}

func (g *Gateway) RefreshToken(ctx context.Context, refreshToken string, creds domain.Credentials) (*AuthResult, error) {
	return g.auth(ctx, OpRefreshToken, authRequest{Credentials: creds, RefreshToken: refreshToken})
}

func (g *Gateway) ValidateSession(ctx context.Context, creds domain.Credentials) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := g.call(ctx, OpValidate, creds.AccessToken, authRequest{Credentials: creds}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (g *Gateway) OAuthURL(ctx context.Context, creds domain.Credentials) (string, error) {
	var out struct {
		AuthURL string `json:"authUrl"`
	}
	if err := g.call(ctx, OpOAuthURL, "", authRequest{Credentials: creds}, &out); err != nil {
		return "", err
	}
	if out.AuthURL == "" {
		return "", &Error{Broker: g.name, Op: OpOAuthURL, Message: "gateway returned no oauth url"}
	}
	return out.AuthURL, nil
}

func (g *Gateway) Disconnect(ctx context.Context) error {
	token := g.token()
	g.mu.Lock()
	g.creds = domain.Credentials{}
	g.mu.Unlock()
	if token == "" {
		return nil
	}
	return g.call(ctx, OpDisconnect, token, struct{}{}, nil)
}

func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*OrderAck, error) {
	var ack OrderAck
	if err := g.call(ctx, OpPlaceOrder, g.token(), req, &ack); err != nil {
		return nil, err
	}
	if ack.BrokerOrderID == "" {
		return nil, &Error{Broker: g.name, Op: OpPlaceOrder, Message: "gateway returned no broker order id"}
	}
	return &ack, nil
}

func (g *Gateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	var st OrderState
	body := map[string]string{"brokerOrderId": brokerOrderID}
	if err := g.call(ctx, OpGetOrderStatus, g.token(), body, &st); err != nil {
		return nil, err
	}
	if st.BrokerOrderID == "" {
		st.BrokerOrderID = brokerOrderID
	}
	return &st, nil
}

func (g *Gateway) auth(ctx context.Context, op Operation, req authRequest) (*AuthResult, error) {
	var res AuthResult
	if err := g.call(ctx, op, req.Credentials.AccessToken, req, &res); err != nil {
		return nil, err
	}
	if res.Token != nil && res.Token.AccessToken != "" {
		g.Bind(req.Credentials.WithToken(res.Token))
	}
	return &res, nil
}

func (g *Gateway) token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.creds.AccessToken
}

func (g *Gateway) call(ctx context.Context, op Operation, token string, body, out any) error {
	var env Envelope
	err := g.transport.Invoke(ctx, Call{Broker: g.name, Op: op, AccessToken: token, Body: body}, &env)
	if err != nil {
		return err
	}
	if !env.Success {
		return &Error{
			Broker:  g.name,
			Op:      op,
			Code:    env.Code,
			Message: env.Message,
			AuthURL: env.AuthURL,
		}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Broker: g.name, Op: op, Err: fmt.Errorf("decode %s response: %w", op, err)}
	}
	if res, ok := out.(*AuthResult); ok && res.AuthURL == "" {
		res.AuthURL = env.AuthURL
	}
	return nil
}
