package redis

import (
	"context"
	"fmt"
	"time"
)

// AuthCodeGuard remembers consumed OAuth codes by digest so that a code can
// be exchanged at most once across all instances.
type AuthCodeGuard struct {
	client *Client
}

// NewAuthCodeGuard creates a guard backed by client.
func NewAuthCodeGuard(client *Client) *AuthCodeGuard {
	return &AuthCodeGuard{client: client}
}

// Claim records digest and reports whether this call was the first to do so.
func (g *AuthCodeGuard) Claim(ctx context.Context, digest string, ttl time.Duration) (bool, error) {
	ok, err := g.client.rdb.SetNX(ctx, authCodeKey(digest), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}
