package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
)

// Window is the state of one fixed window.
type Window struct {
	Start       time.Time
	Duration    time.Duration
	Count       int
	MaxRequests int
	Blocked     bool
	ResetAt     time.Time
}

// Memory is an in-process Limiter.
type Memory struct {
	mu      sync.Mutex
	limits  Limits
	windows map[string]*Window
	clock   clock.Clock
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates an in-memory limiter.
func NewMemory(limits Limits, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		limits:  limits,
		windows: make(map[string]*Window),
		clock:   clk,
	}
}

// Allow increments the key's counter if the window has room.
func (m *Memory) Allow(_ context.Context, key Key) (Decision, error) {
	limit := m.limits.For(key.Broker, key.Operation)
	if limit.unlimited() {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := m.clock.Now()
	id := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok || now.Sub(w.Start) >= w.Duration {
		w = &Window{
			Start:       now,
			Duration:    limit.Window,
			MaxRequests: limit.MaxRequests,
			ResetAt:     now.Add(limit.Window),
		}
		m.windows[id] = w
	}

	if w.Count >= w.MaxRequests {
		w.Blocked = true
		return Decision{
			Allowed:    false,
			RetryAfter: w.Duration - now.Sub(w.Start),
			ResetAt:    w.ResetAt,
		}, nil
	}

	w.Count++
	return Decision{
		Allowed:   true,
		Remaining: w.MaxRequests - w.Count,
		ResetAt:   w.ResetAt,
	}, nil
}

// Snapshot returns a copy of the current window for key, if any.
func (m *Memory) Snapshot(key Key) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key.String()]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Prune drops windows that have already reset and returns how many were
// removed.
func (m *Memory) Prune() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, w := range m.windows {
		if now.Sub(w.Start) >= w.Duration {
			delete(m.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live windows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// RunPruner prunes on every tick until ctx is done.
func (m *Memory) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Prune()
		}
	}
}
