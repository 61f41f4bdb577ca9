package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryQueue schedules deferred order resubmissions in a sorted set scored
// by due time, so pending retries survive restarts.
type RetryQueue struct {
	rdb *redis.Client
}

// NewRetryQueue creates a queue backed by client.
func NewRetryQueue(client *Client) *RetryQueue {
	return &RetryQueue{rdb: client.rdb}
}

// Schedule adds or moves orderID to run at due.
func (q *RetryQueue) Schedule(ctx context.Context, orderID string, due time.Time) error {
	if err := q.rdb.ZAdd(ctx, retryQueueKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: orderID,
	}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopDue removes and returns every order due at or before now.
func (q *RetryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.ZRangeByScore(ctx, retryQueueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	// ZREM tells us which members this instance won.
	due := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := q.rdb.ZRem(ctx, retryQueueKey(), id).Result()
		if err != nil {
			return due, fmt.Errorf("zrem failed: %w", err)
		}
		if n == 1 {
			due = append(due, id)
		}
	}
	return due, nil
}

// Cancel drops a scheduled retry.
func (q *RetryQueue) Cancel(ctx context.Context, orderID string) error {
	return q.rdb.ZRem(ctx, retryQueueKey(), orderID).Err()
}

// Len returns the number of scheduled retries.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, retryQueueKey()).Result()
}
