// Package session owns the live broker sessions and their authentication
// state machine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/infra/telemetry"
	"github.com/vietddude/brokerlink/internal/metrics"
)

var (
	ErrMissingUser   = errors.New("user id is required")
	ErrMissingBroker = errors.New("broker name is required")
	// The messages below classify as authentication failures.
	ErrSessionNotFound = errors.New("broker session not found: not logged in")
	ErrSessionNotLive  = errors.New("broker session expired")
)

// Config holds pool configuration.
type Config struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	// TokenSkew treats tokens expiring within this margin as expired.
	TokenSkew      time.Duration
	AuthCodeTTL    time.Duration
	DisconnectWait time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	SweepInterval:  15 * time.Minute,
	IdleTimeout:    30 * time.Minute,
	TokenSkew:      60 * time.Second,
	AuthCodeTTL:    10 * time.Minute,
	DisconnectWait: 10 * time.Second,
}

// AuthCodeGuard records consumed OAuth codes by digest.
type AuthCodeGuard interface {
	// Claim reports whether digest was unseen, recording it if so.
	Claim(ctx context.Context, digest string, ttl time.Duration) (bool, error)
}

type pendingOAuth struct {
	url string
	at  time.Time
}

// Pool is the single registry of broker sessions.
type Pool struct {
	cfg     Config
	factory broker.Factory
	exec    *retry.Executor
	guard   AuthCodeGuard
	sink    telemetry.Sink
	clock   clock.Clock
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[Key]*Session
	// pending caches OAuth URLs per (user, broker) until a session activates.
	pending map[string]pendingOAuth

	locks *keyLocks
}

// Option configures a Pool.
type Option func(*Pool)

func WithGuard(g AuthCodeGuard) Option { return func(p *Pool) { p.guard = g } }
func WithSink(s telemetry.Sink) Option { return func(p *Pool) { p.sink = s } }
func WithClock(c clock.Clock) Option { return func(p *Pool) { p.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.log = l } }

// NewPool creates a pool. exec runs every broker authentication call.
func NewPool(cfg Config, factory broker.Factory, exec *retry.Executor, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		exec:     exec,
		sink:     telemetry.Nop{},
		clock:    clock.Real{},
		log:      slog.Default().With("component", "session-pool"),
		sessions: make(map[Key]*Session),
		pending:  make(map[string]pendingOAuth),
		locks:    newKeyLocks(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.guard == nil {
		p.guard = NewMemoryGuard(p.clock)
	}
	return p
}

// GetConnection returns a snapshot of a session.
func (p *Pool) GetConnection(userID, brokerName, accountID string) (View, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[NewKey(userID, brokerName, accountID)]
	if !ok {
		return View{}, false
	}
	return s.view(), true
}

// GetBrokerService returns the capability of a live session. The value must
// not be kept beyond the current call; use WithSession where possible.
func (p *Pool) GetBrokerService(userID, brokerName, accountID string) (broker.Broker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[NewKey(userID, brokerName, accountID)]
	if !ok || !s.live {
		return nil, false
	}
	return s.capability, true
}

// GetUserConnections lists all sessions of a user, by broker then account.
func (p *Pool) GetUserConnections(userID string) []View {
	uid := normalize(userID)
	p.mu.RLock()
	out := make([]View, 0)
	for k, s := range p.sessions {
		if k.UserID == uid {
			out = append(out, s.view())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Broker != out[j].Key.Broker {
			return out[i].Key.Broker < out[j].Key.Broker
		}
		return out[i].Key.AccountID < out[j].Key.AccountID
	})
	return out
}

// Stats summarizes the pool.
type Stats struct {
	Total        int            `json:"total"`
	Live         int            `json:"live"`
	InUse        int            `json:"inUse"`
	ByBroker     map[string]int `json:"byBroker"`
	PendingOAuth int            `json:"pendingOAuth"`
	Oldest       *time.Time     `json:"oldestConnection,omitempty"`
	Newest       *time.Time     `json:"newestConnection,omitempty"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Stats{ByBroker: make(map[string]int), PendingOAuth: len(p.pending)}
	for k, s := range p.sessions {
		st.Total++
		st.ByBroker[k.Broker]++
		if s.live {
			st.Live++
		}
		if s.inUse > 0 {
			st.InUse++
		}
		created := s.createdAt
		if st.Oldest == nil || created.Before(*st.Oldest) {
			st.Oldest = &created
		}
		if st.Newest == nil || created.After(*st.Newest) {
			st.Newest = &created
		}
	}
	return st
}

// WithSession runs fn with the capability of a live session. An empty
// accountID selects the user's only session at that broker. The session is
// marked in use for the duration, so the idle sweep leaves it alone.
// Authentication failures returned by fn flip the session to not-live.
func (p *Pool) WithSession(
	ctx context.Context,
	userID, brokerName, accountID string,
	fn func(ctx context.Context, b broker.Broker) error,
) error {
	key := NewKey(userID, brokerName, accountID)

	p.mu.Lock()
	s, ok := p.sessions[key]
	if !ok && key.AccountID == "" {
		s, ok = p.soleSession(key.UserID, key.Broker)
	}
	if !ok {
		p.mu.Unlock()
		return ErrSessionNotFound
	}
	if !s.live {
		p.mu.Unlock()
		return ErrSessionNotLive
	}
	s.inUse++
	s.lastActivity = p.clock.Now()
	capability := s.capability
	p.mu.Unlock()

	err := fn(ctx, capability)

	p.mu.Lock()
	s.inUse--
	s.lastActivity = p.clock.Now()
	if err != nil {
		c := retry.Classification(err)
		s.recordFailure(c.Message)
		if c.Kind == classify.KindAuthentication {
			s.live = false
		}
	} else {
		s.recordSuccess()
	}
	p.mu.Unlock()

	if err != nil {
		p.updateGauges()
	}
	return err
}

// soleSession returns the only session of user at broker. Callers hold p.mu.
func (p *Pool) soleSession(userID, brokerName string) (*Session, bool) {
	var found *Session
	for k, s := range p.sessions {
		if k.UserID != userID || k.Broker != brokerName {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = s
	}
	return found, found != nil
}

// Disconnect closes and removes one session. Close errors are logged only.
func (p *Pool) Disconnect(ctx context.Context, userID, brokerName, accountID string) bool {
	unlock := p.locks.Lock(authKey(userID, brokerName))
	defer unlock()

	key := NewKey(userID, brokerName, accountID)
	p.mu.Lock()
	s, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.close(ctx, s, "disconnect")
	p.updateGauges()
	return true
}

// DisconnectUser closes every session of a user and returns how many were
// removed.
func (p *Pool) DisconnectUser(ctx context.Context, userID string) int {
	n := 0
	for _, v := range p.GetUserConnections(userID) {
		if p.Disconnect(ctx, v.UserID, v.Broker, v.AccountID) {
			n++
		}
	}
	return n
}

// close disconnects the capability best-effort.
func (p *Pool) close(ctx context.Context, s *Session, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DisconnectWait)
	defer cancel()

	outcome := "closed"
	if err := s.capability.Disconnect(ctx); err != nil {
		outcome = "close_failed"
		p.log.Warn("broker disconnect failed",
			"user", s.userID,
			"broker", s.brokerID,
			"account", s.accountID,
			"error", err,
		)
	}
	p.sink.Emit(ctx, telemetry.Event{
		Type:      telemetry.EventDisconnect,
		UserID:    s.userID,
		Broker:    s.brokerID,
		AccountID: s.accountID,
		Outcome:   outcome,
		Fields:    map[string]any{"reason": reason},
	})
}

func (p *Pool) updateGauges() {
	counts := make(map[[2]string]int)
	p.mu.RLock()
	for k, s := range p.sessions {
		counts[[2]string{k.Broker, strconv.FormatBool(s.live)}]++
	}
	p.mu.RUnlock()

	metrics.SessionsActive.Reset()
	for k, n := range counts {
		metrics.SessionsActive.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
}
