package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/orders/reconcile"
	"github.com/vietddude/brokerlink/internal/session"
)

// PoolStats reports connection pool statistics.
type PoolStats interface {
	Stats() session.Stats
}

// ReconcilerStats reports reconciler statistics.
type ReconcilerStats interface {
	Stats() reconcile.Stats
}

// Pinger checks a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a pinged backing service. Critical dependencies make the
// whole system critical when unreachable.
type Dependency struct {
	Name     string
	Pinger   Pinger
	Critical bool
}

// MonitorConfig holds health evaluation thresholds.
type MonitorConfig struct {
	// CacheFor reuses the last report for this long.
	CacheFor time.Duration

	// StaleCycle marks a broker poll loop degraded when its last cycle is
	// older than this while it tracks orders.
	StaleCycle time.Duration

	// PingTimeout bounds each dependency ping.
	PingTimeout time.Duration
}

// DefaultMonitorConfig returns default thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CacheFor:    10 * time.Second,
		StaleCycle:  time.Minute,
		PingTimeout: 2 * time.Second,
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	cfg        MonitorConfig
	pool       PoolStats
	reconciler ReconcilerStats
	deps       []Dependency
	clock      clock.Clock

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor.
func NewMonitor(cfg MonitorConfig, pool PoolStats, reconciler ReconcilerStats, clk clock.Clock, deps ...Dependency) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Monitor{
		cfg:        cfg,
		pool:       pool,
		reconciler: reconciler,
		deps:       deps,
		clock:      clk,
	}
}

// CheckHealth evaluates every component.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.cfg.CacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
	}
	add := func(c ComponentHealth) {
		report.Components[c.Name] = c
		report.SystemStatus = worse(report.SystemStatus, c.Status)
	}

	if m.pool != nil {
		add(m.checkPool())
	}
	if m.reconciler != nil {
		add(m.checkReconciler(now))
	}
	for _, d := range m.deps {
		add(m.checkDependency(ctx, d))
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}

func (m *Monitor) checkPool() ComponentHealth {
	st := m.pool.Stats()
	c := ComponentHealth{
		Name:   "pool",
		Status: StatusHealthy,
		Details: map[string]any{
			"total":         st.Total,
			"live":          st.Live,
			"in_use":        st.InUse,
			"pending_oauth": st.PendingOAuth,
		},
	}
	// Most sessions dead usually means a broker-wide auth outage.
	if st.Total > 0 && st.Live*2 < st.Total {
		c.Status = StatusDegraded
		c.Message = "most broker sessions are not live"
	}
	return c
}

func (m *Monitor) checkReconciler(now time.Time) ComponentHealth {
	st := m.reconciler.Stats()
	c := ComponentHealth{
		Name:   "reconciler",
		Status: StatusHealthy,
		Details: map[string]any{
			"running": st.Running,
			"tracked": st.Tracked,
		},
	}
	if !st.Running {
		c.Status = StatusDegraded
		c.Message = "reconciler is not running"
		return c
	}
	var stale []string
	for name, b := range st.Brokers {
		if b.Tracked == 0 || b.LastCycle == nil {
			continue
		}
		if now.Sub(*b.LastCycle) > m.cfg.StaleCycle {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		c.Status = StatusDegraded
		c.Message = "poll loop stalled"
		c.Details["stale_brokers"] = stale
	}
	return c
}

func (m *Monitor) checkDependency(ctx context.Context, d Dependency) ComponentHealth {
	c := ComponentHealth{Name: d.Name, Status: StatusHealthy}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := d.Pinger.Ping(pctx); err != nil {
		c.Status = StatusDegraded
		if d.Critical {
			c.Status = StatusCritical
		}
		c.Message = err.Error()
	}
	return c
}
