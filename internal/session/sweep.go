package session

import (
	"context"
	"time"

	"github.com/vietddude/brokerlink/internal/infra/telemetry"
	"github.com/vietddude/brokerlink/internal/metrics"
)

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	p.log.Info("session sweep started",
		"interval", p.cfg.SweepInterval,
		"idle_timeout", p.cfg.IdleTimeout,
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if n := p.Sweep(ctx); n > 0 {
				p.log.Info("reclaimed idle sessions", "count", n)
			}
		}
	}
}

// Sweep removes sessions that are not live, idle past IdleTimeout and not in
// use. It returns the number removed.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.clock.Now()
	cutoff := now.Add(-p.cfg.IdleTimeout)

	type victim struct {
		key Key
		s   *Session
	}
	var victims []victim

	p.mu.Lock()
	for k, s := range p.sessions {
		if s.reclaimable(cutoff) {
			victims = append(victims, victim{k, s})
		}
	}
	for k, po := range p.pending {
		if po.at.Before(cutoff) {
			delete(p.pending, k)
		}
	}
	p.mu.Unlock()

	removed := 0
	for _, v := range victims {
		// A refresh or borrow may have revived the session since it was picked.
		if !p.stillReclaimable(v.key, v.s, cutoff) {
			continue
		}
		p.close(ctx, v.s, "idle")

		p.mu.Lock()
		if cur, ok := p.sessions[v.key]; ok && cur == v.s && v.s.reclaimable(cutoff) {
			delete(p.sessions, v.key)
			removed++
			metrics.SessionsReclaimed.WithLabelValues(v.key.Broker).Inc()
		}
		p.mu.Unlock()
	}

	if removed > 0 {
		p.updateGauges()
	}
	p.sink.Emit(ctx, telemetry.Event{
		Type:    telemetry.EventSweep,
		Outcome: "completed",
		Fields: map[string]any{
			"removed":  removed,
			"duration": p.clock.Now().Sub(now).String(),
		},
	})
	return removed
}

func (p *Pool) stillReclaimable(k Key, s *Session, cutoff time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cur, ok := p.sessions[k]
	return ok && cur == s && s.reclaimable(cutoff)
}

// reclaimable reports whether the sweep may remove s. Callers hold p.mu.
func (s *Session) reclaimable(cutoff time.Time) bool {
	return !s.live && s.inUse == 0 && s.lastActivity.Before(cutoff)
}
