package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/brokerlink/internal/infra/ratelimit"
)

// fixedWindow admits a call when the counter is below ARGV[1]. The counter
// expires ARGV[2] milliseconds after the first admitted call of the window.
// Returns {allowed, count, pttl}.
var fixedWindow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if current >= max then
  return {0, current, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {1, current, ttl}
`)

// Limiter is a ratelimit.Limiter shared across service instances.
type Limiter struct {
	rdb    *redis.Client
	limits ratelimit.Limits
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// NewLimiter creates a Redis-backed fixed-window limiter.
func NewLimiter(client *Client, limits ratelimit.Limits) *Limiter {
	return &Limiter{rdb: client.rdb, limits: limits}
}

// Allow runs the window script atomically on the server.
func (l *Limiter) Allow(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error) {
	limit := l.limits.For(key.Broker, key.Operation)
	if limit.MaxRequests <= 0 || limit.Window <= 0 {
		return ratelimit.Decision{Allowed: true, Remaining: -1}, nil
	}

	res, err := fixedWindow.Run(ctx, l.rdb,
		[]string{limiterKey(key.String())},
		limit.MaxRequests, limit.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	ttl := time.Duration(res[2]) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	d := ratelimit.Decision{
		Allowed: res[0] == 1,
		ResetAt: time.Now().Add(ttl),
	}
	if d.Allowed {
		d.Remaining = limit.MaxRequests - int(res[1])
	} else {
		d.RetryAfter = ttl
	}
	return d, nil
}
