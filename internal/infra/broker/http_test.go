package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/domain"
)

func TestHTTPGateway(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/brokers/fyers/complete_oauth":
			var req authRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Code != "code-1" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"success":false,"message":"invalid auth code","code":"INVALID_CODE"}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"data":{"token":{"accessToken":"acc","refreshToken":"ref"},"account":{"accountId":"XA123","broker":"fyers","availableMargin":"1500.50"}}}`))
		case "/v1/brokers/fyers/place_order":
			_, _ = w.Write([]byte(`{"success":true,"data":{"brokerOrderId":"ORD-1","status":"PENDING"}}`))
		case "/v1/brokers/fyers/get_order_status":
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"message":"request limit reached"}`))
		case "/v1/brokers/fyers/connect":
			_, _ = w.Write([]byte(`{"success":false,"message":"login via oauth","code":"OAUTH_REQUIRED","authUrl":"https://login.example/fyers"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, "gw-key", time.Second)
	reg := NewRegistry()
	reg.Register("Fyers", GatewayConstructor("fyers", transport))

	b, err := reg.Create(" FYERS ")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := b.CompleteOAuth(ctx, "code-1", domain.Credentials{APIKey: "app"})
	if err != nil {
		t.Fatalf("CompleteOAuth: %v", err)
	}
	if res.Token.AccessToken != "acc" || res.Account.AccountID != "XA123" {
		t.Errorf("unexpected result %+v", res)
	}
	if !res.Account.AvailableMargin.Equal(decimal.RequireFromString("1500.50")) {
		t.Errorf("margin = %v", res.Account.AvailableMargin)
	}
	if gotKey != "gw-key" {
		t.Errorf("api key header = %q", gotKey)
	}

	ack, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "SBIN-EQ"})
	if err != nil || ack.BrokerOrderID != "ORD-1" {
		t.Fatalf("PlaceOrder = %+v, %v", ack, err)
	}
	if gotAuth != "Bearer acc" {
		t.Errorf("authorization header = %q, want bound token", gotAuth)
	}

	_, err = b.GetOrderStatus(ctx, "ORD-1")
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if be.StatusCode != 429 || be.RetryAfter != 2*time.Second || be.Message != "request limit reached" {
		t.Errorf("unexpected error %+v", be)
	}

	_, err = b.Connect(ctx, domain.Credentials{})
	if got := AuthURLFrom(err); got != "https://login.example/fyers" {
		t.Errorf("AuthURLFrom = %q", got)
	}

	_, err = b.CompleteOAuth(ctx, "bad", domain.Credentials{})
	if !errors.As(err, &be) || be.StatusCode != 400 || be.Code != "INVALID_CODE" {
		t.Errorf("bad code error = %v", err)
	}
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := NewRegistry().Create("nope")
	if !errors.Is(err, ErrUnknownBroker) {
		t.Errorf("err = %v, want ErrUnknownBroker", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"junk", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
