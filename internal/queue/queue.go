package queue

import (
	"context"
	"time"

	"github.com/Abhinav21110/deployify/internal/domain"
)

// Completion outcomes recorded in the bounded history.
const (
	OutcomeSuccess      = "success"
	OutcomeFailed       = "failed"
	OutcomeCancelled    = "cancelled"
	OutcomeLeaseExpired = "lease-expired"
)

const (
	// baseBackoff is the first retry delay; it doubles per attempt.
	baseBackoff = 5 * time.Second
	// leaseGrace pads the lease past the job timeout so a live worker always
	// finishes or fails before its lease can be reaped.
	leaseGrace = time.Minute
	// historyBound caps the completed-item debugging history.
	historyBound = 100
	// pollInterval paces blocking lease waits.
	pollInterval = 500 * time.Millisecond
)

// Lease is a worker's timed claim on a job item. AttemptsMade on the held
// item already counts the running attempt.
type Lease struct {
	Item      domain.JobItem
	ExpiresAt time.Time
}

// Queue is a durable FIFO of deployment work with at-least-once delivery,
// exponential retry backoff, cooperative cancellation, and crash recovery
// through lease expiry.
type Queue interface {
	// Enqueue adds a new item to the tail.
	Enqueue(ctx context.Context, item domain.JobItem) error
	// Lease claims the next ready item, blocking up to wait. It returns
	// (nil, nil) when nothing became ready.
	Lease(ctx context.Context, wait time.Duration) (*Lease, error)
	// Complete removes a leased item permanently and records the outcome in
	// a small bounded history.
	Complete(ctx context.Context, lease *Lease, outcome string) error
	// Retry re-enqueues a leased item with exponential backoff. It reports
	// false, without re-enqueueing, when attempts are exhausted.
	Retry(ctx context.Context, lease *Lease, reason string) (bool, error)
	// Cancel removes an unleased item and reports true; for a leased item it
	// records a cancellation intent and reports false.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// CancelRequested reports whether cancellation intent is recorded.
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	// Stats snapshots queue depths.
	Stats(ctx context.Context) (domain.QueueStats, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Backoff returns the delay before re-delivery after the given number of
// attempts: 5s, 10s, 20s, ...
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// CompletedItem is one entry of the bounded completion history.
type CompletedItem struct {
	Item       domain.JobItem `json:"item"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}
