package session

import (
	"context"
	"errors"
	"strings"

	"github.com/pquerna/otp/totp"

	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/infra/telemetry"
	"github.com/vietddude/brokerlink/internal/metrics"
)

// Flow names the authentication path a connect took.
type Flow string

const (
	FlowTokenValid    Flow = "token_valid"
	FlowRefreshed     Flow = "refreshed"
	FlowOAuthRequired Flow = "oauth_required"
	FlowCodeExchanged Flow = "code_exchanged"
	FlowDirect        Flow = "direct"
)

// DefaultAccountID is used when neither the broker nor the caller names an
// account.
const DefaultAccountID = "default"

// Result is the outcome of an authentication operation. Broker failures are
// reported here, not as errors.
type Result struct {
	Activated        bool   `json:"activated"`
	AuthFlowRequired bool   `json:"authFlowRequired"`
	AuthURL          string `json:"authUrl,omitempty"`
	Flow             Flow   `json:"flow,omitempty"`

	UserID    string              `json:"userId"`
	Broker    string              `json:"broker"`
	AccountID string              `json:"accountId,omitempty"`
	Token     *domain.TokenInfo   `json:"-"`
	Account   *domain.AccountInfo `json:"account,omitempty"`

	Error                   string                   `json:"error,omitempty"`
	Classification          *classify.Classification `json:"classification,omitempty"`
	NeedsManualIntervention bool                     `json:"needsManualIntervention,omitempty"`
}

// Connect authenticates userID with brokerName and pools the session. The
// error return is reserved for invalid arguments and unknown brokers.
func (p *Pool) Connect(ctx context.Context, userID, brokerName string, creds domain.Credentials) (Result, error) {
	if err := checkArgs(userID, brokerName); err != nil {
		return Result{}, err
	}
	capability, err := p.factory.Create(brokerName)
	if err != nil {
		return Result{}, err
	}

	unlock := p.locks.Lock(authKey(userID, brokerName))
	defer unlock()

	a := &attempt{p: p, userID: userID, broker: normalize(brokerName), capability: capability, creds: creds.Clone()}
	return a.connect(ctx), nil
}

// CompleteOAuth exchanges a one-time authorization code and pools the
// resulting session.
func (p *Pool) CompleteOAuth(ctx context.Context, userID, brokerName, code string, creds domain.Credentials) (Result, error) {
	if err := checkArgs(userID, brokerName); err != nil {
		return Result{}, err
	}
	capability, err := p.factory.Create(brokerName)
	if err != nil {
		return Result{}, err
	}

	unlock := p.locks.Lock(authKey(userID, brokerName))
	defer unlock()

	a := &attempt{p: p, userID: userID, broker: normalize(brokerName), capability: capability, creds: creds.Clone()}
	a.creds.AuthCode = ""

	code = strings.TrimSpace(code)
	if code == "" {
		return a.invalid(FlowCodeExchanged, "authorization code is required"), nil
	}
	if !p.claim(ctx, code) {
		return a.invalid(FlowCodeExchanged, "authorization code already used"), nil
	}
	return a.exchange(ctx, code), nil
}

// RefreshToken renews the access token of an existing session. Failure marks
// the session not-live but keeps it pooled.
func (p *Pool) RefreshToken(ctx context.Context, userID, brokerName, accountID string, creds domain.Credentials) (Result, error) {
	if err := checkArgs(userID, brokerName); err != nil {
		return Result{}, err
	}
	unlock := p.locks.Lock(authKey(userID, brokerName))
	defer unlock()

	key := NewKey(userID, brokerName, accountID)
	p.mu.RLock()
	s, ok := p.sessions[key]
	var capability broker.Broker
	var current domain.Credentials
	if ok {
		capability, current = s.capability, s.creds.Clone()
	}
	p.mu.RUnlock()

	a := &attempt{p: p, userID: userID, broker: key.Broker, capability: capability, creds: current}
	if !ok {
		return a.failure(FlowRefreshed, ErrSessionNotFound), nil
	}

	refresh := creds.RefreshToken
	if refresh == "" {
		refresh = current.RefreshToken
	}
	if refresh == "" {
		return a.invalid(FlowRefreshed, "refresh token is required"), nil
	}
	a.creds.RefreshToken = refresh

	res, err := retry.Run(ctx, p.exec, a.rateKey(broker.OpRefreshToken), func(ctx context.Context) (*broker.AuthResult, error) {
		return capability.RefreshToken(ctx, refresh, a.creds)
	})
	if err == nil && (res == nil || res.Token == nil) {
		err = &broker.Error{Broker: key.Broker, Op: broker.OpRefreshToken, Message: "refresh returned no token"}
	}

	p.mu.Lock()
	if cur, still := p.sessions[key]; still && cur == s {
		if err != nil {
			s.live = false
			s.recordFailure(retry.Classification(err).Message)
		} else {
			s.creds = s.creds.WithToken(res.Token)
			s.token = res.Token.Clone()
			s.live = true
			s.lastActivity = p.clock.Now()
			s.recordSuccess()
			if binder, ok := capability.(broker.CredentialBinder); ok {
				binder.Bind(s.creds)
			}
		}
	}
	p.mu.Unlock()
	p.updateGauges()

	p.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EventRefresh,
		UserID:    userID,
		Broker:    key.Broker,
		AccountID: key.AccountID,
		Outcome:   outcome(err),
	})
	if err != nil {
		r := a.failure(FlowRefreshed, err)
		r.AccountID = key.AccountID
		return r, nil
	}
	return Result{
		Activated: true,
		Flow:      FlowRefreshed,
		UserID:    userID,
		Broker:    key.Broker,
		AccountID: key.AccountID,
		Token:     res.Token.Clone(),
	}, nil
}

// ValidateSession checks a session with the broker and updates its live
// flag. It never removes the session.
func (p *Pool) ValidateSession(ctx context.Context, userID, brokerName, accountID string) (bool, error) {
	key := NewKey(userID, brokerName, accountID)
	p.mu.RLock()
	s, ok := p.sessions[key]
	var capability broker.Broker
	var creds domain.Credentials
	if ok {
		capability, creds = s.capability, s.creds.Clone()
	}
	p.mu.RUnlock()
	if !ok {
		return false, ErrSessionNotFound
	}

	policy := p.exec.Policy()
	policy.MaxRetries = 0
	rk := ratelimit.Key{UserID: key.UserID, Broker: key.Broker, Operation: string(broker.OpValidate)}
	live, err := retry.Run(ctx, p.exec.WithPolicy(policy), rk, func(ctx context.Context) (bool, error) {
		return capability.ValidateSession(ctx, creds)
	})

	p.mu.Lock()
	if cur, still := p.sessions[key]; still && cur == s {
		s.live = err == nil && live
		if s.live {
			s.lastActivity = p.clock.Now()
			s.recordSuccess()
		} else if err != nil {
			s.recordFailure(retry.Classification(err).Message)
		}
	}
	p.mu.Unlock()
	p.updateGauges()

	p.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EventValidate,
		UserID:    key.UserID,
		Broker:    key.Broker,
		AccountID: key.AccountID,
		Outcome:   outcome(err),
		Fields:    map[string]any{"live": live},
	})
	if err != nil {
		return false, err
	}
	return live, nil
}

// attempt carries the state of one authentication run. It is only used while
// the (user, broker) lock is held.
type attempt struct {
	p          *Pool
	userID     string
	broker     string
	capability broker.Broker
	creds      domain.Credentials
}

func (a *attempt) connect(ctx context.Context) Result {
	p := a.p
	now := p.clock.Now()
	skew := p.cfg.TokenSkew

	if a.creds.HasValidAccessToken(now, skew) {
		tok := &domain.TokenInfo{
			AccessToken:           a.creds.AccessToken,
			AccessTokenExpiresAt:  a.creds.AccessTokenExpiresAt,
			RefreshToken:          a.creds.RefreshToken,
			RefreshTokenExpiresAt: a.creds.RefreshTokenExpiresAt,
			Issuer:                a.broker,
		}
		a.creds.AuthCode = ""
		return a.activate(ctx, FlowTokenValid, &broker.AuthResult{Token: tok})
	}

	refreshFailed := false
	if a.creds.HasValidRefreshToken(now, skew) {
		res, err := retry.Run(ctx, p.exec, a.rateKey(broker.OpRefreshToken), func(ctx context.Context) (*broker.AuthResult, error) {
			return a.capability.RefreshToken(ctx, a.creds.RefreshToken, a.creds)
		})
		if err == nil && res != nil && res.Token != nil {
			a.creds.AuthCode = ""
			return a.activate(ctx, FlowRefreshed, res)
		}
		refreshFailed = true
		p.log.Info("silent refresh failed, falling back",
			"user", a.userID,
			"broker", a.broker,
			"error", err,
		)
	}

	if refreshFailed || a.creds.HasExpiredRefreshToken(now, skew) {
		if u := a.cachedAuthURL(); u != "" {
			return a.oauthRequired(ctx, u)
		}
		u, err := retry.Run(ctx, p.exec, a.rateKey(broker.OpOAuthURL), func(ctx context.Context) (string, error) {
			return a.capability.OAuthURL(ctx, a.creds)
		})
		if err != nil {
			return a.failure(FlowOAuthRequired, err)
		}
		return a.oauthRequired(ctx, u)
	}

	if code := strings.TrimSpace(a.creds.AuthCode); code != "" {
		a.creds.AuthCode = ""
		if p.claim(ctx, code) {
			return a.exchange(ctx, code)
		}
		p.log.Warn("dropping reused authorization code", "user", a.userID, "broker", a.broker)
	}

	return a.direct(ctx)
}

// exchange trades a one-time code for a token. A code is never retried.
func (a *attempt) exchange(ctx context.Context, code string) Result {
	policy := a.p.exec.Policy()
	policy.MaxRetries = 0
	res, err := retry.Run(ctx, a.p.exec.WithPolicy(policy), a.rateKey(broker.OpCompleteOAuth), func(ctx context.Context) (*broker.AuthResult, error) {
		return a.capability.CompleteOAuth(ctx, code, a.creds)
	})
	if err != nil {
		return a.failure(FlowCodeExchanged, err)
	}
	if res == nil || res.Token == nil {
		return a.failure(FlowCodeExchanged, &broker.Error{
			Broker: a.broker, Op: broker.OpCompleteOAuth, Message: "token exchange returned no token",
		})
	}
	return a.activate(ctx, FlowCodeExchanged, res)
}

func (a *attempt) direct(ctx context.Context) Result {
	if a.creds.TOTP == "" && a.creds.TOTPSecret != "" {
		code, err := totp.GenerateCode(a.creds.TOTPSecret, a.p.clock.Now())
		if err != nil {
			return a.invalid(FlowDirect, "invalid totp secret")
		}
		a.creds.TOTP = code
	}

	res, err := retry.Run(ctx, a.p.exec, a.rateKey(broker.OpConnect), func(ctx context.Context) (*broker.AuthResult, error) {
		return a.capability.Connect(ctx, a.creds)
	})
	if err != nil {
		r := a.failure(FlowDirect, err)
		if u := broker.AuthURLFrom(err); u != "" {
			a.p.rememberAuthURL(a.userID, a.broker, u)
			r.AuthFlowRequired = true
			r.AuthURL = u
		}
		return r
	}
	if res == nil {
		return a.failure(FlowDirect, &broker.Error{Broker: a.broker, Op: broker.OpConnect, Message: "empty authentication response"})
	}
	if res.NeedsOAuth {
		u := res.AuthURL
		if u == "" {
			u = a.cachedAuthURL()
		}
		return a.oauthRequired(ctx, u)
	}
	return a.activate(ctx, FlowDirect, res)
}

// activate pools the authenticated session, replacing any previous session
// for the same key.
func (a *attempt) activate(ctx context.Context, flow Flow, res *broker.AuthResult) Result {
	p := a.p
	now := p.clock.Now()

	accountID := a.creds.AccountID
	if res.Account != nil && strings.TrimSpace(res.Account.AccountID) != "" {
		accountID = res.Account.AccountID
	}
	if strings.TrimSpace(accountID) == "" {
		accountID = DefaultAccountID
	}
	key := NewKey(a.userID, a.broker, accountID)

	creds := a.creds.WithToken(res.Token)
	creds.AccountID = accountID
	if binder, ok := a.capability.(broker.CredentialBinder); ok {
		binder.Bind(creds)
	}

	s := &Session{
		key:          key,
		userID:       key.UserID,
		brokerID:     key.Broker,
		accountID:    key.AccountID,
		capability:   a.capability,
		creds:        creds,
		live:         true,
		createdAt:    now,
		lastActivity: now,
		account:      res.Account.Clone(),
		token:        res.Token.Clone(),
	}

	// The replaced session is dropped without a disconnect: it may share the
	// token that was just reused.
	p.mu.Lock()
	p.sessions[key] = s
	delete(p.pending, authKey(a.userID, a.broker))
	p.mu.Unlock()
	p.updateGauges()

	metrics.ConnectTotal.WithLabelValues(key.Broker, string(flow), "activated").Inc()
	p.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EventConnect,
		UserID:    key.UserID,
		Broker:    key.Broker,
		AccountID: key.AccountID,
		Outcome:   "activated",
		Fields:    map[string]any{"flow": string(flow)},
	})
	p.log.Info("broker session activated",
		"user", key.UserID,
		"broker", key.Broker,
		"account", key.AccountID,
		"flow", flow,
	)

	return Result{
		Activated: true,
		Flow:      flow,
		UserID:    key.UserID,
		Broker:    key.Broker,
		AccountID: key.AccountID,
		Token:     res.Token.Clone(),
		Account:   res.Account.Clone(),
	}
}

func (a *attempt) oauthRequired(ctx context.Context, u string) Result {
	a.p.rememberAuthURL(a.userID, a.broker, u)
	metrics.ConnectTotal.WithLabelValues(a.broker, string(FlowOAuthRequired), "oauth_required").Inc()
	a.p.sink.Emit(ctx, telemetry.Event{
		Type:    telemetry.EventConnect,
		UserID:  normalize(a.userID),
		Broker:  a.broker,
		Outcome: "oauth_required",
	})
	return Result{
		AuthFlowRequired: true,
		AuthURL:          u,
		Flow:             FlowOAuthRequired,
		UserID:           normalize(a.userID),
		Broker:           a.broker,
	}
}

func (a *attempt) failure(flow Flow, err error) Result {
	c := retry.Classification(err)
	metrics.ConnectTotal.WithLabelValues(a.broker, string(flow), "failed").Inc()
	a.p.sink.Emit(context.Background(), telemetry.Event{
		Type:    telemetry.EventConnect,
		UserID:  normalize(a.userID),
		Broker:  a.broker,
		Outcome: "failed",
		Kind:    string(c.Kind),
		Message: c.Message,
		Fields:  map[string]any{"flow": string(flow), "code": c.Code},
	})
	a.p.log.Warn("broker authentication failed",
		"user", a.userID,
		"broker", a.broker,
		"flow", flow,
		"kind", c.Kind,
		"code", c.Code,
		"error", err,
	)
	return Result{
		Flow:                    flow,
		UserID:                  normalize(a.userID),
		Broker:                  a.broker,
		Error:                   c.Message,
		Classification:          &c,
		NeedsManualIntervention: !c.Retryable,
	}
}

func (a *attempt) invalid(flow Flow, msg string) Result {
	return a.failure(flow, &broker.Error{Broker: a.broker, Code: "INVALID_ARGUMENT", Message: msg})
}

func (a *attempt) cachedAuthURL() string {
	if u := strings.TrimSpace(a.creds.AuthURL); u != "" {
		return u
	}
	a.p.mu.RLock()
	defer a.p.mu.RUnlock()
	return a.p.pending[authKey(a.userID, a.broker)].url
}

func (a *attempt) rateKey(op broker.Operation) ratelimit.Key {
	return ratelimit.Key{UserID: normalize(a.userID), Broker: a.broker, Operation: string(op)}
}

func (p *Pool) rememberAuthURL(userID, brokerName, u string) {
	if u == "" {
		return
	}
	p.mu.Lock()
	p.pending[authKey(userID, brokerName)] = pendingOAuth{url: u, at: p.clock.Now()}
	p.mu.Unlock()
}

// claim records a code as consumed. A guard failure lets the code through;
// the broker rejects replays on its own.
func (p *Pool) claim(ctx context.Context, code string) bool {
	ok, err := p.guard.Claim(ctx, digestCode(code), p.cfg.AuthCodeTTL)
	if err != nil {
		p.log.Warn("auth code guard unavailable", "error", err)
		return true
	}
	return ok
}

func checkArgs(userID, brokerName string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(brokerName) == "" {
		return ErrMissingBroker
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "failure"
}
