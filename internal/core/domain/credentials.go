package domain

import (
	"maps"
	"time"
)

// Credentials is the authentication payload handed to a broker. Fields that a
// broker does not understand are ignored; broker-specific values go in Extra.
type Credentials struct {
	AccessToken           string    `json:"accessToken,omitempty"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshToken          string    `json:"refreshToken,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt,omitempty"`
	AuthCode              string    `json:"authCode,omitempty"`
	AuthURL               string    `json:"authUrl,omitempty"`

	AccountID   string `json:"accountId,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	APIKey      string `json:"apiKey,omitempty"`
	APISecret   string `json:"apiSecret,omitempty"`
	RedirectURI string `json:"redirectUri,omitempty"`
	Password    string `json:"password,omitempty"`
	TOTP        string `json:"totp,omitempty"`
	TOTPSecret  string `json:"totpSecret,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// HasValidAccessToken reports whether an access token is present and not
// expired at now, allowing skew. A zero expiry means the broker did not
// report one.
func (c Credentials) HasValidAccessToken(now time.Time, skew time.Duration) bool {
	return c.AccessToken != "" && !expired(c.AccessTokenExpiresAt, now, skew)
}

// HasValidRefreshToken reports whether a refresh token is present and usable.
func (c Credentials) HasValidRefreshToken(now time.Time, skew time.Duration) bool {
	return c.RefreshToken != "" && !expired(c.RefreshTokenExpiresAt, now, skew)
}

// HasExpiredRefreshToken reports whether a refresh token is present but past
// its expiry.
func (c Credentials) HasExpiredRefreshToken(now time.Time, skew time.Duration) bool {
	return c.RefreshToken != "" && expired(c.RefreshTokenExpiresAt, now, skew)
}

// WithToken returns a copy with the token fields replaced by t. Empty fields
// in t keep the current value.
func (c Credentials) WithToken(t *TokenInfo) Credentials {
	out := c.Clone()
	if t == nil {
		return out
	}
	if t.AccessToken != "" {
		out.AccessToken = t.AccessToken
		out.AccessTokenExpiresAt = t.AccessTokenExpiresAt
	}
	if t.RefreshToken != "" {
		out.RefreshToken = t.RefreshToken
		out.RefreshTokenExpiresAt = t.RefreshTokenExpiresAt
	}
	return out
}

// Clone returns a deep copy.
func (c Credentials) Clone() Credentials {
	out := c
	if c.Extra != nil {
		out.Extra = maps.Clone(c.Extra)
	}
	return out
}

// Redacted returns a copy with every secret masked, suitable for logs.
func (c Credentials) Redacted() Credentials {
	out := c.Clone()
	for _, f := range []*string{
		&out.AccessToken, &out.RefreshToken, &out.AuthCode, &out.APISecret,
		&out.Password, &out.TOTP, &out.TOTPSecret,
	} {
		if *f != "" {
			*f = "***"
		}
	}
	for k := range out.Extra {
		out.Extra[k] = "***"
	}
	return out
}

func expired(at, now time.Time, skew time.Duration) bool {
	if at.IsZero() {
		return false
	}
	return !now.Add(skew).Before(at)
}
