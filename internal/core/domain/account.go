package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenInfo is the token set a broker issued for a session.
type TokenInfo struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshToken          string    `json:"refreshToken,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt,omitempty"`
	Issuer                string    `json:"issuer,omitempty"`
	IssuedAt              time.Time `json:"issuedAt,omitempty"`
	Scopes                []string  `json:"scopes,omitempty"`
}

// Clone returns a deep copy, nil safe.
func (t *TokenInfo) Clone() *TokenInfo {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = append([]string(nil), t.Scopes...)
	return &out
}

// AccountInfo is the broker account snapshot taken at authentication time.
type AccountInfo struct {
	AccountID       string          `json:"accountId"`
	Broker          string          `json:"broker"`
	Name            string          `json:"name,omitempty"`
	Email           string          `json:"email,omitempty"`
	Exchanges       []string        `json:"exchanges,omitempty"`
	AvailableMargin decimal.Decimal `json:"availableMargin"`
	FetchedAt       time.Time       `json:"fetchedAt"`
}

// Clone returns a deep copy, nil safe.
func (a *AccountInfo) Clone() *AccountInfo {
	if a == nil {
		return nil
	}
	out := *a
	out.Exchanges = append([]string(nil), a.Exchanges...)
	return &out
}
