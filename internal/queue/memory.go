package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Abhinav21110/deployify/internal/domain"
)

// memoryQueue keeps the full queue contract in process memory. It backs unit
// tests and the degraded no-Redis mode; durability across restarts is lost.
type memoryQueue struct {
	now func() time.Time

	mu        sync.Mutex
	ready     []string
	delayed   map[string]time.Time
	leases    map[string]time.Time
	items     map[string]domain.JobItem
	cancelled map[string]struct{}
	history   []CompletedItem
	closed    bool
}

// NewMemory constructs the in-memory queue.
func NewMemory() Queue {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock constructs the in-memory queue on an injected clock so
// tests can advance backoff and lease expiry without sleeping.
func NewMemoryWithClock(now func() time.Time) Queue {
	return &memoryQueue{
		now:       now,
		delayed:   map[string]time.Time{},
		leases:    map[string]time.Time{},
		items:     map[string]domain.JobItem{},
		cancelled: map[string]struct{}{},
	}
}

func (q *memoryQueue) Enqueue(_ context.Context, item domain.JobItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.JobID] = item
	q.ready = append(q.ready, item.JobID)
	return nil
}

// promote moves due delayed items to ready and reaps expired leases.
func (q *memoryQueue) promote(now time.Time) {
	for jobID, readyAt := range q.delayed {
		if !readyAt.After(now) {
			delete(q.delayed, jobID)
			q.ready = append(q.ready, jobID)
		}
	}
	for jobID, expiresAt := range q.leases {
		if expiresAt.After(now) {
			continue
		}
		delete(q.leases, jobID)
		item, ok := q.items[jobID]
		if !ok {
			continue
		}
		if item.AttemptsMade >= item.MaxAttempts {
			q.complete(item, OutcomeLeaseExpired, "lease expired with attempts exhausted", now)
			continue
		}
		q.ready = append(q.ready, jobID)
	}
}

func (q *memoryQueue) complete(item domain.JobItem, outcome, reason string, now time.Time) {
	delete(q.items, item.JobID)
	delete(q.cancelled, item.JobID)
	q.history = append(q.history, CompletedItem{Item: item, Outcome: outcome, Reason: reason, FinishedAt: now})
	if len(q.history) > historyBound {
		q.history = q.history[len(q.history)-historyBound:]
	}
}

func (q *memoryQueue) Lease(ctx context.Context, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		now := q.now()
		q.promote(now)
		if len(q.ready) > 0 {
			jobID := q.ready[0]
			q.ready = q.ready[1:]
			item, ok := q.items[jobID]
			if !ok {
				q.mu.Unlock()
				continue
			}
			item.AttemptsMade++
			q.items[jobID] = item
			expires := now.Add(item.Timeout + leaseGrace)
			q.leases[jobID] = expires
			q.mu.Unlock()
			return &Lease{Item: item, ExpiresAt: expires}, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *memoryQueue) Complete(_ context.Context, lease *Lease, outcome string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leases, lease.Item.JobID)
	q.complete(lease.Item, outcome, "", q.now())
	return nil
}

func (q *memoryQueue) Retry(_ context.Context, lease *Lease, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobID := lease.Item.JobID
	delete(q.leases, jobID)
	item, ok := q.items[jobID]
	if !ok {
		item = lease.Item
	}
	if item.AttemptsMade >= item.MaxAttempts {
		return false, nil
	}
	q.items[jobID] = item
	q.delayed[jobID] = q.now().Add(Backoff(item.AttemptsMade))
	return true, nil
}

func (q *memoryQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, leased := q.leases[jobID]; leased {
		q.cancelled[jobID] = struct{}{}
		return false, nil
	}
	item, ok := q.items[jobID]
	if !ok {
		return false, nil
	}
	for i, id := range q.ready {
		if id == jobID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
	delete(q.delayed, jobID)
	q.complete(item, OutcomeCancelled, "cancelled before lease", q.now())
	return true, nil
}

func (q *memoryQueue) CancelRequested(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[jobID]
	return ok, nil
}

func (q *memoryQueue) Stats(_ context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{
		Ready:     len(q.ready),
		Delayed:   len(q.delayed),
		Leased:    len(q.leases),
		Completed: len(q.history),
	}, nil
}

func (q *memoryQueue) Ping(context.Context) error { return nil }

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
