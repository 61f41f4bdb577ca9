package control

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/config"
	"github.com/vietddude/brokerlink/internal/core/domain"
	"github.com/vietddude/brokerlink/internal/health"
)

const paperConfig = `
brokers:
  - name: paper
    transport: paper
    paper:
      fill_after_polls: 2
      margin: "100000"
order_retry:
  auto_resubmit: false
`

func newTestApp(t *testing.T) (*App, *clock.Fake) {
	t.Helper()
	cfg, err := config.Parse([]byte(paperConfig))
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC))
	app, err := New(context.Background(), cfg, Deps{Clock: clk, NoServer: true})
	require.NoError(t, err)
	return app, clk
}

func TestApp_OrderLifecycle(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	defer app.Stop(ctx)

	res, err := app.Pool().Connect(ctx, "u1", "paper", domain.Credentials{ClientID: "C1", Password: "pw"})
	require.NoError(t, err)
	require.True(t, res.Activated, "connect result: %+v", res)
	assert.Equal(t, "paper-c1", res.AccountID)

	placed, err := app.Orders().PlaceOrder(ctx, domain.OrderRequest{
		UserID:   "u1",
		Broker:   "paper",
		Symbol:   "NSE:INFY-EQ",
		Exchange: "NSE",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPlaced, placed.Status, "place result: %+v", placed)
	assert.True(t, app.Reconciler().IsTracked(placed.OrderID))

	var changes []domain.OrderStatusChange
	app.Reconciler().Subscribe(func(_ context.Context, c domain.OrderStatusChange) {
		changes = append(changes, c)
	})

	app.Reconciler().Cycle(ctx, "paper")
	app.Reconciler().Cycle(ctx, "paper")

	o, err := app.Store().Get(ctx, placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExecuted, o.Status)
	assert.False(t, app.Reconciler().IsTracked(placed.OrderID))
	require.NotEmpty(t, changes)
	assert.Equal(t, domain.OrderStatusExecuted, changes[len(changes)-1].To)

	report := app.Monitor().CheckHealth(ctx)
	assert.Equal(t, health.StatusHealthy, report.SystemStatus, "report: %+v", report.Components)
}

func TestApp_StartTwice(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	assert.Error(t, app.Start(ctx))
	require.NoError(t, app.Stop(ctx))
}

func TestApp_UnknownBrokerConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(paperConfig))
	require.NoError(t, err)
	cfg.Brokers = append(cfg.Brokers, config.BrokerConfig{Name: "odd", Transport: "carrier-pigeon"})

	_, err = New(context.Background(), cfg, Deps{NoServer: true})
	assert.ErrorContains(t, err, "unknown transport")
}
