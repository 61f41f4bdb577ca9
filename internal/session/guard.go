package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
)

// MemoryGuard is an in-process AuthCodeGuard.
type MemoryGuard struct {
	clock clock.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

var _ AuthCodeGuard = (*MemoryGuard)(nil)

// NewMemoryGuard creates a guard backed by a map.
func NewMemoryGuard(c clock.Clock) *MemoryGuard {
	return &MemoryGuard{clock: c, seen: make(map[string]time.Time)}
}

func (g *MemoryGuard) Claim(_ context.Context, digest string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for d, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, d)
		}
	}
	if _, ok := g.seen[digest]; ok {
		return false, nil
	}
	g.seen[digest] = now.Add(ttl)
	return true, nil
}

// digestCode returns the hex SHA-256 of an authorization code. Raw codes are
// never stored.
func digestCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
