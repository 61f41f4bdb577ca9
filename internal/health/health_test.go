package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/orders/reconcile"
	"github.com/vietddude/brokerlink/internal/session"
)

type stubPool struct{ st session.Stats }

func (s stubPool) Stats() session.Stats { return s.st }

type stubReconciler struct{ st reconcile.Stats }

func (s stubReconciler) Stats() reconcile.Stats { return s.st }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

var start = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

func runningReconciler(lastCycle time.Time) stubReconciler {
	return stubReconciler{st: reconcile.Stats{
		Running: true,
		Tracked: 2,
		Brokers: map[string]reconcile.BrokerStats{
			"fyers": {Tracked: 2, Running: true, LastCycle: &lastCycle},
		},
	}}
}

func TestMonitor_Healthy(t *testing.T) {
	clk := clock.NewFake(start)
	monitor := NewMonitor(DefaultMonitorConfig(),
		stubPool{st: session.Stats{Total: 2, Live: 2}},
		runningReconciler(start),
		clk,
		Dependency{Name: "store", Pinger: stubPinger{}, Critical: true},
	)

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s: %+v", report.SystemStatus, report.Components)
	}
	if len(report.Components) != 3 {
		t.Errorf("components = %d", len(report.Components))
	}
}

func TestMonitor_Degraded(t *testing.T) {
	cases := map[string]*Monitor{
		"dead sessions": NewMonitor(DefaultMonitorConfig(),
			stubPool{st: session.Stats{Total: 3, Live: 1}}, nil, clock.NewFake(start)),
		"stalled poll loop": NewMonitor(DefaultMonitorConfig(),
			nil, runningReconciler(start.Add(-5*time.Minute)), clock.NewFake(start)),
		"reconciler stopped": NewMonitor(DefaultMonitorConfig(),
			nil, stubReconciler{}, clock.NewFake(start)),
		"redis down": NewMonitor(DefaultMonitorConfig(), nil, nil, clock.NewFake(start),
			Dependency{Name: "redis", Pinger: stubPinger{err: errors.New("connection refused")}}),
	}
	for name, monitor := range cases {
		t.Run(name, func(t *testing.T) {
			if got := monitor.CheckHealth(context.Background()).SystemStatus; got != StatusDegraded {
				t.Errorf("expected degraded, got %s", got)
			}
		})
	}
}

func TestMonitor_Critical(t *testing.T) {
	monitor := NewMonitor(DefaultMonitorConfig(),
		stubPool{st: session.Stats{Total: 1, Live: 1}},
		nil,
		clock.NewFake(start),
		Dependency{Name: "store", Pinger: stubPinger{err: errors.New("dial tcp: i/o timeout")}, Critical: true},
	)

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
	if report.Components["store"].Message == "" {
		t.Error("store failure has no message")
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	clk := clock.NewFake(start)
	pinger := &countingPinger{}
	monitor := NewMonitor(DefaultMonitorConfig(), nil, nil, clk, Dependency{Name: "store", Pinger: pinger})

	monitor.CheckHealth(context.Background())
	monitor.CheckHealth(context.Background())
	if pinger.n != 1 {
		t.Errorf("pings = %d, want 1", pinger.n)
	}
	clk.Advance(11 * time.Second)
	monitor.CheckHealth(context.Background())
	if pinger.n != 2 {
		t.Errorf("pings = %d, want 2", pinger.n)
	}
}

type countingPinger struct{ n int }

func (p *countingPinger) Ping(context.Context) error { p.n++; return nil }

func TestServer_Endpoints(t *testing.T) {
	monitor := NewMonitor(DefaultMonitorConfig(),
		stubPool{st: session.Stats{Total: 4, Live: 4, ByBroker: map[string]int{"fyers": 4}}},
		runningReconciler(start),
		clock.NewFake(start),
		Dependency{Name: "store", Pinger: stubPinger{err: errors.New("down")}, Critical: true},
	)
	srv := httptest.NewServer(NewServer(monitor, 0).Routes())
	defer srv.Close()

	get := func(path string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if resp.Header.Get("Content-Type") == "application/json" {
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
		}
		return resp, body
	}

	resp, body := get("/health")
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "critical" {
		t.Errorf("/health = %d %v", resp.StatusCode, body)
	}

	_, body = get("/health/detailed")
	if _, ok := body["components"].(map[string]any)["store"]; !ok {
		t.Errorf("/health/detailed = %v", body)
	}

	_, body = get("/stats/pool")
	if body["total"] != float64(4) {
		t.Errorf("/stats/pool = %v", body)
	}

	_, body = get("/stats/reconciler")
	if body["running"] != true {
		t.Errorf("/stats/reconciler = %v", body)
	}

	resp, _ = get("/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}
