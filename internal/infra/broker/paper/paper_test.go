package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/infra/broker"
)

func TestPaperLifecycle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC))
	x := NewExchange(Options{FillAfterPolls: 2, Clock: clk})
	b, _ := x.Constructor()()
	ctx := context.Background()

	res, err := b.Connect(ctx, domain.Credentials{ClientID: "C1", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Account.AccountID != "PAPER-C1" || res.Token.AccessToken == "" {
		t.Errorf("unexpected auth result %+v", res)
	}

	ok, _ := b.ValidateSession(ctx, domain.Credentials{AccessToken: res.Token.AccessToken})
	if !ok {
		t.Error("fresh session invalid")
	}

	ack, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "SBIN", Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"OPEN", "COMPLETE"} {
		st, err := b.GetOrderStatus(ctx, ack.BrokerOrderID)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status != want {
			t.Errorf("status = %s, want %s", st.Status, want)
		}
	}

	_, err = b.GetOrderStatus(ctx, "missing")
	var be *broker.Error
	if !errors.As(err, &be) || be.StatusCode != 404 {
		t.Errorf("missing order err = %v", err)
	}

	refreshed, err := b.RefreshToken(ctx, res.Token.RefreshToken, domain.Credentials{ClientID: "C1"})
	if err != nil || refreshed.Token.AccessToken == res.Token.AccessToken {
		t.Errorf("refresh = %+v, %v", refreshed, err)
	}
	if _, err := b.RefreshToken(ctx, res.Token.RefreshToken, domain.Credentials{}); err == nil {
		t.Error("refresh token reused")
	}

	clk.Advance(9 * time.Hour)
	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{Quantity: decimal.NewFromInt(1)}); err == nil {
		t.Error("expired session placed an order")
	}
}

func TestPaperOAuth(t *testing.T) {
	x := NewExchange(Options{RequireOAuth: true})
	b, _ := x.Constructor()()
	ctx := context.Background()

	res, err := b.Connect(ctx, domain.Credentials{ClientID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsOAuth || res.AuthURL == "" {
		t.Errorf("expected oauth url, got %+v", res)
	}

	if _, err := b.CompleteOAuth(ctx, "code-1", domain.Credentials{}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CompleteOAuth(ctx, "code-1", domain.Credentials{}); err == nil {
		t.Error("auth code accepted twice")
	}
}
