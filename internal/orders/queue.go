package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RetryQueue holds deferred resubmissions keyed by order id.
type RetryQueue interface {
	// Schedule adds or moves orderID to run at due
	Schedule(ctx context.Context, orderID string, due time.Time) error
	// PopDue removes and returns up to limit orders due at or before now
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Cancel drops a scheduled order
	Cancel(ctx context.Context, orderID string) error
	// Len returns the number of scheduled orders
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is an in-process RetryQueue.
type MemoryQueue struct {
	mu  sync.Mutex
	due map[string]time.Time
}

var _ RetryQueue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{due: make(map[string]time.Time)}
}

func (q *MemoryQueue) Schedule(_ context.Context, orderID string, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.due[orderID] = due
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type entry struct {
		id  string
		due time.Time
	}
	var ready []entry
	for id, at := range q.due {
		if !at.After(now) {
			ready = append(ready, entry{id, at})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].due.Equal(ready[j].due) {
			return ready[i].id < ready[j].id
		}
		return ready[i].due.Before(ready[j].due)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	ids := make([]string, 0, len(ready))
	for _, e := range ready {
		delete(q.due, e.id)
		ids = append(ids, e.id)
	}
	return ids, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.due, orderID)
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.due)), nil
}
