package config

import (
	"strings"
	"time"

	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
	redisclient "github.com/vietddude/brokerlink/internal/infra/redis"
	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/infra/storage/postgres"
	"github.com/vietddude/brokerlink/internal/orders"
	"github.com/vietddude/brokerlink/internal/orders/reconcile"
	"github.com/vietddude/brokerlink/internal/session"
)

// Broker transports.
const (
	TransportHTTP  = "http"
	TransportGRPC  = "grpc"
	TransportPaper = "paper"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"` // empty URL = in-memory store
	Redis      redisclient.Config `yaml:"redis"`    // empty URL = in-process limiter, guard and queue
	Kafka      KafkaConfig        `yaml:"kafka"`
	Pool       PoolConfig         `yaml:"pool"`
	Retry      RetryConfig        `yaml:"retry"`
	RateLimits RateLimitsConfig   `yaml:"rate_limits"`
	Reconciler ReconcilerConfig   `yaml:"reconciler"`
	OrderRetry OrderRetryConfig   `yaml:"order_retry"`
	Brokers    []BrokerConfig     `yaml:"brokers" validate:"dive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=0,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// KafkaConfig enables the telemetry event stream when Brokers is set.
type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	BufferSize int      `yaml:"buffer_size" validate:"min=0"`
}

// Enabled reports whether events should be published to Kafka.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	TokenSkew      time.Duration `yaml:"token_skew"`
	AuthCodeTTL    time.Duration `yaml:"auth_code_ttl"`
	DisconnectWait time.Duration `yaml:"disconnect_wait"`
}

func (p PoolConfig) Session() session.Config {
	return session.Config{
		SweepInterval:  p.SweepInterval,
		IdleTimeout:    p.IdleTimeout,
		TokenSkew:      p.TokenSkew,
		AuthCodeTTL:    p.AuthCodeTTL,
		DisconnectWait: p.DisconnectWait,
	}
}

// RetryConfig holds the broker call retry policy.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries" validate:"min=0,max=10"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxRateWait time.Duration `yaml:"max_rate_wait"`
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:  r.MaxRetries,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
		MaxRateWait: r.MaxRateWait,
	}
}

// LimitConfig is one fixed window.
type LimitConfig struct {
	MaxRequests int           `yaml:"max_requests" validate:"min=0"`
	Window      time.Duration `yaml:"window"`
}

func (l LimitConfig) limit() ratelimit.Limit {
	return ratelimit.Limit{MaxRequests: l.MaxRequests, Window: l.Window}
}

// RateLimitsConfig holds the default window and per broker/operation
// overrides. The "*" operation covers every operation of a broker.
type RateLimitsConfig struct {
	Default       LimitConfig                       `yaml:"default"`
	Brokers       map[string]map[string]LimitConfig `yaml:"brokers"`
	PruneInterval time.Duration                     `yaml:"prune_interval"`
}

// Limits converts the config into limiter limits with normalized keys.
func (r RateLimitsConfig) Limits() ratelimit.Limits {
	out := ratelimit.Limits{
		Default: r.Default.limit(),
		Brokers: make(map[string]map[string]ratelimit.Limit, len(r.Brokers)),
	}
	for broker, ops := range r.Brokers {
		b := strings.ToLower(strings.TrimSpace(broker))
		if out.Brokers[b] == nil {
			out.Brokers[b] = make(map[string]ratelimit.Limit, len(ops))
		}
		for op, l := range ops {
			out.Brokers[b][strings.ToLower(strings.TrimSpace(op))] = l.limit()
		}
	}
	return out
}

// ReconcilerConfig holds order status polling settings.
type ReconcilerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	RequestDelay time.Duration `yaml:"request_delay"`
	PollRetries  int           `yaml:"poll_retries" validate:"min=0"`
	PollBackoff  time.Duration `yaml:"poll_backoff"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

func (r ReconcilerConfig) Reconcile() reconcile.Config {
	return reconcile.Config{
		PollInterval: r.PollInterval,
		RequestDelay: r.RequestDelay,
		PollRetries:  r.PollRetries,
		PollBackoff:  r.PollBackoff,
		PollTimeout:  r.PollTimeout,
	}
}

// OrderRetryConfig holds resubmission settings.
type OrderRetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=0"`
	ResubmitDelay time.Duration `yaml:"resubmit_delay"`
	QueueInterval time.Duration `yaml:"queue_interval"`
	QueueBatch    int           `yaml:"queue_batch" validate:"min=0"`
	// AutoResubmit defaults to true when omitted.
	AutoResubmit *bool `yaml:"auto_resubmit"`
}

func (o OrderRetryConfig) Orders() orders.Config {
	auto := true
	if o.AutoResubmit != nil {
		auto = *o.AutoResubmit
	}
	return orders.Config{
		MaxAttempts:   o.MaxAttempts,
		ResubmitDelay: o.ResubmitDelay,
		QueueInterval: o.QueueInterval,
		QueueBatch:    o.QueueBatch,
		AutoResubmit:  auto,
	}
}

// BrokerConfig registers one broker integration.
type BrokerConfig struct {
	Name      string        `yaml:"name" validate:"required"`
	Transport string        `yaml:"transport" validate:"required,oneof=http grpc paper"`
	Endpoint  string        `yaml:"endpoint" validate:"required_unless=Transport paper"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"api_key"`
	Paper     PaperConfig   `yaml:"paper"`
}

// PaperConfig tunes the in-process paper broker.
type PaperConfig struct {
	RequireOAuth   bool          `yaml:"require_oauth"`
	FillAfterPolls int           `yaml:"fill_after_polls" validate:"min=0"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	Margin         string        `yaml:"margin"`
}
