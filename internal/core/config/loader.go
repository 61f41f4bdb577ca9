package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/brokerlink/internal/infra/retry"
	"github.com/vietddude/brokerlink/internal/orders"
	"github.com/vietddude/brokerlink/internal/orders/reconcile"
	"github.com/vietddude/brokerlink/internal/session"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "brokerlink.events"
	}

	defPool := session.DefaultConfig
	orDuration(&cfg.Pool.SweepInterval, defPool.SweepInterval)
	orDuration(&cfg.Pool.IdleTimeout, defPool.IdleTimeout)
	orDuration(&cfg.Pool.TokenSkew, defPool.TokenSkew)
	orDuration(&cfg.Pool.AuthCodeTTL, defPool.AuthCodeTTL)
	orDuration(&cfg.Pool.DisconnectWait, defPool.DisconnectWait)

	// A zero retry section means the default policy; MaxRetries 0 alone is a
	// valid choice and is kept.
	if cfg.Retry == (RetryConfig{}) {
		p := retry.DefaultPolicy
		cfg.Retry = RetryConfig{
			MaxRetries:  p.MaxRetries,
			BaseDelay:   p.BaseDelay,
			Multiplier:  p.Multiplier,
			MaxDelay:    p.MaxDelay,
			MaxRateWait: p.MaxRateWait,
		}
	}
	orDuration(&cfg.Retry.BaseDelay, retry.DefaultPolicy.BaseDelay)
	orDuration(&cfg.Retry.MaxDelay, retry.DefaultPolicy.MaxDelay)
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = retry.DefaultPolicy.Multiplier
	}

	orDuration(&cfg.RateLimits.PruneInterval, time.Minute)

	defRec := reconcile.DefaultConfig()
	orDuration(&cfg.Reconciler.PollInterval, defRec.PollInterval)
	orDuration(&cfg.Reconciler.RequestDelay, defRec.RequestDelay)
	orDuration(&cfg.Reconciler.PollBackoff, defRec.PollBackoff)
	orDuration(&cfg.Reconciler.PollTimeout, defRec.PollTimeout)
	if cfg.Reconciler.PollRetries == 0 {
		cfg.Reconciler.PollRetries = defRec.PollRetries
	}

	defOrd := orders.DefaultConfig()
	if cfg.OrderRetry.MaxAttempts == 0 {
		cfg.OrderRetry.MaxAttempts = defOrd.MaxAttempts
	}
	if cfg.OrderRetry.QueueBatch == 0 {
		cfg.OrderRetry.QueueBatch = defOrd.QueueBatch
	}
	orDuration(&cfg.OrderRetry.ResubmitDelay, defOrd.ResubmitDelay)
	orDuration(&cfg.OrderRetry.QueueInterval, defOrd.QueueInterval)

	for i := range cfg.Brokers {
		b := &cfg.Brokers[i]
		b.Name = strings.ToLower(strings.TrimSpace(b.Name))
		b.Transport = strings.ToLower(strings.TrimSpace(b.Transport))
		orDuration(&b.Timeout, 10*time.Second)
	}
}

func orDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if seen[b.Name] {
			return fmt.Errorf("invalid config: broker %q declared twice", b.Name)
		}
		seen[b.Name] = true
		if b.Paper.Margin != "" {
			if _, err := decimal.NewFromString(b.Paper.Margin); err != nil {
				return fmt.Errorf("invalid config: broker %q paper margin: %w", b.Name, err)
			}
		}
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("invalid config: retry max_delay %s is below base_delay %s", cfg.Retry.MaxDelay, cfg.Retry.BaseDelay)
	}
	if l := cfg.RateLimits.Default; l.MaxRequests > 0 && l.Window <= 0 {
		return errors.New("invalid config: rate_limits.default needs a window")
	}
	for broker, ops := range cfg.RateLimits.Brokers {
		for op, l := range ops {
			if l.MaxRequests > 0 && l.Window <= 0 {
				return fmt.Errorf("invalid config: rate limit %s/%s needs a window", broker, op)
			}
		}
	}
	return nil
}
