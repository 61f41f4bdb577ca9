package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/brokerlink/internal/core/clock"
)

var start = time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)

func TestMemory_WindowExhaustion(t *testing.T) {
	clk := clock.NewFake(start)
	lim := NewMemory(Limits{Default: Limit{MaxRequests: 3, Window: time.Second}}, clk)
	key := Key{UserID: "u1", Broker: "fyers", Operation: "place_order"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := lim.Allow(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("call %d rejected", i)
		}
		if d.Remaining != 2-i {
			t.Errorf("call %d remaining = %d, want %d", i, d.Remaining, 2-i)
		}
	}

	clk.Advance(400 * time.Millisecond)
	d, _ := lim.Allow(ctx, key)
	if d.Allowed {
		t.Fatal("4th call allowed")
	}
	if d.RetryAfter != 600*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 600ms", d.RetryAfter)
	}

	w, _ := lim.Snapshot(key)
	if w.Count != 3 || !w.Blocked {
		t.Errorf("window = %+v, want count 3 blocked", w)
	}

	clk.Advance(600 * time.Millisecond)
	d, _ = lim.Allow(ctx, key)
	if !d.Allowed {
		t.Error("call after reset rejected")
	}
	w, _ = lim.Snapshot(key)
	if w.Count != 1 || w.Blocked {
		t.Errorf("window after reset = %+v", w)
	}
}

func TestMemory_KeysAreIndependent(t *testing.T) {
	clk := clock.NewFake(start)
	lim := NewMemory(Limits{Default: Limit{MaxRequests: 1, Window: time.Minute}}, clk)
	ctx := context.Background()

	a := Key{UserID: "u1", Broker: "fyers", Operation: "place_order"}
	b := Key{UserID: "u2", Broker: "fyers", Operation: "place_order"}
	c := Key{UserID: "u1", Broker: "fyers", Operation: "get_order_status"}

	for _, k := range []Key{a, b, c} {
		if d, _ := lim.Allow(ctx, k); !d.Allowed {
			t.Errorf("%v rejected", k)
		}
	}
	if d, _ := lim.Allow(ctx, Key{UserID: " U1 ", Broker: "FYERS", Operation: "place_order"}); d.Allowed {
		t.Error("normalized key should share the window")
	}
}

func TestMemory_Concurrency(t *testing.T) {
	lim := NewMemory(Limits{Default: Limit{MaxRequests: 50, Window: time.Hour}}, clock.NewFake(start))
	key := Key{UserID: "u1", Broker: "zerodha", Operation: "place_order"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := lim.Allow(context.Background(), key)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestLimits_For(t *testing.T) {
	limits := Limits{
		Default: Limit{MaxRequests: 10, Window: time.Second},
		Brokers: map[string]map[string]Limit{
			"fyers": {
				"place_order": {MaxRequests: 2, Window: time.Second},
				"*":           {MaxRequests: 5, Window: time.Second},
			},
		},
	}
	if got := limits.For("fyers", "place_order").MaxRequests; got != 2 {
		t.Errorf("exact = %d, want 2", got)
	}
	if got := limits.For("Fyers", "get_order_status").MaxRequests; got != 5 {
		t.Errorf("wildcard = %d, want 5", got)
	}
	if got := limits.For("shoonya", "place_order").MaxRequests; got != 10 {
		t.Errorf("default = %d, want 10", got)
	}
}

func TestMemory_UnlimitedAndPrune(t *testing.T) {
	clk := clock.NewFake(start)
	lim := NewMemory(Limits{
		Default: Limit{MaxRequests: 1, Window: time.Second},
		Brokers: map[string]map[string]Limit{"paper": {"*": {}}},
	}, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d, _ := lim.Allow(ctx, Key{UserID: "u", Broker: "paper", Operation: "x"}); !d.Allowed {
			t.Fatal("unlimited broker rejected")
		}
	}

	lim.Allow(ctx, Key{UserID: "u", Broker: "fyers", Operation: "x"})
	lim.Allow(ctx, Key{UserID: "v", Broker: "fyers", Operation: "x"})
	if lim.Len() != 2 {
		t.Fatalf("Len = %d, want 2", lim.Len())
	}
	clk.Advance(time.Second)
	if n := lim.Prune(); n != 2 {
		t.Errorf("Prune = %d, want 2", n)
	}
}
