package session

import (
	"time"

	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
)

// Session is one authenticated link to a broker account. Sessions are owned
// by the Pool and every field is guarded by the pool lock.
type Session struct {
	key       Key
	userID    string
	brokerID  string
	accountID string

	capability broker.Broker
	creds      domain.Credentials

	live         bool
	createdAt    time.Time
	lastActivity time.Time
	account      *domain.AccountInfo
	token        *domain.TokenInfo
	failures     int
	lastErr      string
	inUse        int
}

// View is a point-in-time copy of a session, safe to keep.
type View struct {
	Key                 Key                 `json:"-"`
	UserID              string              `json:"userId"`
	Broker              string              `json:"broker"`
	AccountID           string              `json:"accountId"`
	Live                bool                `json:"live"`
	CreatedAt           time.Time           `json:"createdAt"`
	LastActivity        time.Time           `json:"lastActivity"`
	Account             *domain.AccountInfo `json:"account,omitempty"`
	Token               *domain.TokenInfo   `json:"-"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastError           string              `json:"lastError,omitempty"`
}

func (s *Session) view() View {
	return View{
		Key:                 s.key,
		UserID:              s.userID,
		Broker:              s.brokerID,
		AccountID:           s.accountID,
		Live:                s.live,
		CreatedAt:           s.createdAt,
		LastActivity:        s.lastActivity,
		Account:             s.account.Clone(),
		Token:               s.token.Clone(),
		ConsecutiveFailures: s.failures,
		LastError:           s.lastErr,
	}
}

func (s *Session) recordFailure(msg string) {
	s.failures++
	s.lastErr = msg
}

func (s *Session) recordSuccess() {
	s.failures = 0
	s.lastErr = ""
}
