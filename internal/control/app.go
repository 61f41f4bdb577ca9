// Package control wires every component into a running application.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/brokerlink/internal/core/clock"
	"github.com/vietddude/brokerlink/internal/core/config"
	"github.com/vietddude/brokerlink/internal/health"
	"github.com/vietddude/brokerlink/internal/infra/broker"
	"github.com/vietddude/brokerlink/internal/infra/broker/classify"
	"github.com/vietddude/brokerlink/internal/infra/broker/paper"
	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
	redisclient "github.com/vietddude/brokerlink/internal/infra/redis"
	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/infra/storage"
	"github.com/vietddude/brokerlink/internal/infra/storage/memory"
	"github.com/vietddude/brokerlink/internal/infra/storage/postgres"
	"github.com/vietddude/brokerlink/internal/infra/telemetry"
	"github.com/vietddude/brokerlink/internal/orders"
	"github.com/vietddude/brokerlink/internal/orders/reconcile"
	"github.com/vietddude/brokerlink/internal/session"
)

// Deps overrides parts of the wiring. Zero values select the configured
// defaults.
type Deps struct {
	Clock clock.Clock
	// Store replaces the configured order store.
	Store storage.OrderRepository
	// Brokers are registered after the configured ones and win on name
	// clashes.
	Brokers map[string]broker.Constructor
	// Sinks receive telemetry next to the log sink.
	Sinks []telemetry.Sink
	// NoServer skips the ops HTTP server.
	NoServer bool
}

// App is the running brokerlink application.
type App struct {
	cfg   *config.AppConfig
	clock clock.Clock
	log   *slog.Logger

	registry   *broker.Registry
	transports []broker.Transport
	memLimiter *ratelimit.Memory
	db         *postgres.DB
	redis      *redisclient.Client
	kafka      *telemetry.Kafka
	store      storage.OrderRepository

	pool       *session.Pool
	reconciler *reconcile.Reconciler
	orders     *orders.Service
	monitor    *health.Monitor
	server     *health.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds every component from cfg. Connections to external services are
// opened here; nothing runs until Start.
func New(ctx context.Context, cfg *config.AppConfig, deps Deps) (app *App, err error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	a := &App{
		cfg:      cfg,
		clock:    clk,
		log:      slog.Default().With("component", "app"),
		registry: broker.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	// 1. Storage
	switch {
	case deps.Store != nil:
		a.store = deps.Store
	case cfg.Database.URL != "":
		a.db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := a.db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.store = postgres.NewOrderRepo(a.db, postgres.WithClock(clk))
		a.log.Info("Using PostgreSQL storage")
	default:
		a.store = memory.NewOrderRepo(memory.WithClock(clk))
		a.log.Info("Using Memory storage")
	}

	// 2. Redis-backed limiter, auth-code guard and retry queue
	limits := cfg.RateLimits.Limits()
	var limiter ratelimit.Limiter
	var guard session.AuthCodeGuard
	var queue orders.RetryQueue
	if cfg.Redis.URL != "" {
		a.redis, err = redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		limiter = redisclient.NewLimiter(a.redis, limits)
		guard = redisclient.NewAuthCodeGuard(a.redis)
		queue = redisclient.NewRetryQueue(a.redis)
		a.log.Info("Using Redis for rate limits, auth codes and retry queue")
	} else {
		a.memLimiter = ratelimit.NewMemory(limits, clk)
		limiter = a.memLimiter
		guard = session.NewMemoryGuard(clk)
		queue = orders.NewMemoryQueue()
	}

	// 3. Telemetry
	sinks := telemetry.Multi{
		telemetry.NewLogger(slog.Default().With("component", "telemetry")),
		telemetry.Metrics{},
	}
	if cfg.Kafka.Enabled() {
		a.kafka = telemetry.NewKafka(telemetry.NewKafkaWriter(telemetry.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			BufferSize: cfg.Kafka.BufferSize,
		}), cfg.Kafka.BufferSize)
		sinks = append(sinks, a.kafka)
		a.log.Info("Publishing events to Kafka", "topic", cfg.Kafka.Topic)
	}
	sinks = append(sinks, deps.Sinks...)

	// 4. Brokers
	for _, bc := range cfg.Brokers {
		if err := a.registerBroker(bc, clk); err != nil {
			return nil, err
		}
	}
	for name, c := range deps.Brokers {
		a.registry.Register(name, c)
	}

	// 5. Core components
	exec := retry.NewExecutor(cfg.Retry.Policy(),
		retry.WithLimiter(limiter),
		retry.WithClassifier(classify.Classify),
		retry.WithClock(clk),
		retry.WithObserver(telemetry.RetryObserver{Sink: sinks}),
	)
	a.pool = session.NewPool(cfg.Pool.Session(), a.registry, exec,
		session.WithGuard(guard),
		session.WithSink(sinks),
		session.WithClock(clk),
	)
	a.reconciler = reconcile.New(cfg.Reconciler.Reconcile(), a.store, a.pool,
		reconcile.WithSink(sinks),
		reconcile.WithClock(clk),
	)
	a.orders = orders.NewService(cfg.OrderRetry.Orders(), a.store, a.pool, exec, a.reconciler,
		orders.WithQueue(queue),
		orders.WithSink(sinks),
		orders.WithClock(clk),
	)
	a.reconciler.Subscribe(a.orders.HandleEvent)

	// 6. Health
	checks := []health.Dependency{{Name: "store", Pinger: a.store, Critical: true}}
	if a.redis != nil {
		checks = append(checks, health.Dependency{Name: "redis", Pinger: a.redis})
	}
	a.monitor = health.NewMonitor(health.DefaultMonitorConfig(), a.pool, a.reconciler, clk, checks...)
	if !deps.NoServer {
		a.server = health.NewServer(a.monitor, cfg.Server.Port)
	}

	a.log.Info("Application initialized", "brokers", a.registry.Names())
	return a, nil
}

func (a *App) registerBroker(bc config.BrokerConfig, clk clock.Clock) error {
	switch bc.Transport {
	case config.TransportPaper:
		opts := paper.Options{
			RequireOAuth:   bc.Paper.RequireOAuth,
			FillAfterPolls: bc.Paper.FillAfterPolls,
			TokenTTL:       bc.Paper.TokenTTL,
			Clock:          clk,
		}
		if bc.Paper.Margin != "" {
			m, err := decimal.NewFromString(bc.Paper.Margin)
			if err != nil {
				return fmt.Errorf("broker %s: invalid paper margin: %w", bc.Name, err)
			}
			opts.Margin = m
		}
		a.registry.Register(bc.Name, paper.NewExchange(opts).Constructor())
	case config.TransportHTTP:
		t := broker.NewHTTPTransport(bc.Endpoint, bc.APIKey, bc.Timeout)
		a.transports = append(a.transports, t)
		a.registry.Register(bc.Name, broker.GatewayConstructor(bc.Name, t))
	case config.TransportGRPC:
		t, err := broker.NewGRPCTransport(bc.Endpoint, bc.APIKey)
		if err != nil {
			return fmt.Errorf("broker %s: %w", bc.Name, err)
		}
		a.transports = append(a.transports, t)
		a.registry.Register(bc.Name, broker.GatewayConstructor(bc.Name, t))
	default:
		return fmt.Errorf("broker %s: unknown transport %q", bc.Name, bc.Transport)
	}
	a.log.Info("Registered broker", "broker", bc.Name, "transport", bc.Transport)
	return nil
}

func (a *App) Pool() *session.Pool               { return a.pool }
func (a *App) Orders() *orders.Service           { return a.orders }
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }
func (a *App) Monitor() *health.Monitor          { return a.monitor }
func (a *App) Store() storage.OrderRepository    { return a.store }

// Start launches the background loops and the ops server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := a.reconciler.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	a.cancel = cancel
	a.started = true

	a.goRun("session sweeper", func() error { return a.pool.Run(runCtx) })
	a.goRun("order retry worker", func() error { return a.orders.Run(runCtx) })
	if a.memLimiter != nil {
		a.goRun("rate limit pruner", func() error {
			a.memLimiter.RunPruner(runCtx, a.cfg.RateLimits.PruneInterval)
			return nil
		})
	}
	if a.db != nil {
		a.db.StartMetricsCollector(runCtx, 15*time.Second)
	}

	if a.server != nil {
		go func() {
			a.log.Info("Starting ops server", "port", a.cfg.Server.Port)
			if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Ops server failed", "error", err)
			}
		}()
	}
	return nil
}

func (a *App) goRun(name string, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("Starting background task", "task", name)
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("Background task failed", "task", name, "error", err)
		}
	}()
}

// Stop stops everything Start launched, in reverse order, and releases
// external connections.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Info("Stopping application...")
	var errs []error
	if a.server != nil && a.started {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	a.reconciler.Stop()
	a.started = false

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
		a.kafka = nil
	}
	for _, t := range a.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker transport: %w", err))
		}
	}
	a.transports = nil
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}
