package queue

import (
	"context"
	"testing"
	"time"

	"github.com/Abhinav21110/deployify/internal/domain"
)

func testItem(jobID string) domain.JobItem {
	return domain.JobItem{
		JobID:        jobID,
		DeploymentID: "dep-" + jobID,
		MaxAttempts:  3,
		Timeout:      15 * time.Minute,
		EnqueuedAt:   time.Now().UTC(),
	}
}

func TestBackoffDoubles(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestLeaseFIFOAndAttemptCount(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testItem(id)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		lease, err := q.Lease(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if lease == nil || lease.Item.JobID != want {
			t.Fatalf("leased %+v, want job %s", lease, want)
		}
		if lease.Item.AttemptsMade != 1 {
			t.Fatalf("attempts = %d, want 1", lease.Item.AttemptsMade)
		}
	}
	lease, err := q.Lease(ctx, 0)
	if err != nil || lease != nil {
		t.Fatalf("expected empty queue, got %+v, %v", lease, err)
	}
}

func TestCompleteRemovesPermanently(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, testItem("a")); err != nil {
		t.Fatal(err)
	}
	lease, _ := q.Lease(ctx, 0)
	if err := q.Complete(ctx, lease, OutcomeSuccess); err != nil {
		t.Fatal(err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Ready != 0 || stats.Leased != 0 || stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRetrySchedulesWithBackoffUntilExhausted(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	item := testItem("a")
	item.MaxAttempts = 2
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}

	lease, _ := q.Lease(ctx, 0)
	retried, err := q.Retry(ctx, lease, "clone flake")
	if err != nil || !retried {
		t.Fatalf("first retry = %v, %v", retried, err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 {
		t.Fatalf("expected delayed item, stats = %+v", stats)
	}
	// not ready before the backoff elapses
	if lease, _ := q.Lease(ctx, 0); lease != nil {
		t.Fatalf("item became ready before backoff, %+v", lease)
	}

	// force the delayed item due rather than sleeping 5s
	mq := q.(*memoryQueue)
	mq.mu.Lock()
	mq.delayed["a"] = time.Now().Add(-time.Second)
	mq.mu.Unlock()

	lease, err = q.Lease(ctx, 0)
	if err != nil || lease == nil {
		t.Fatalf("second lease = %+v, %v", lease, err)
	}
	if lease.Item.AttemptsMade != 2 {
		t.Fatalf("attempts = %d, want 2", lease.Item.AttemptsMade)
	}

	retried, err = q.Retry(ctx, lease, "clone flake again")
	if err != nil {
		t.Fatal(err)
	}
	if retried {
		t.Fatal("retry past max attempts must be refused")
	}
	if lease.Item.AttemptsMade > lease.Item.MaxAttempts {
		t.Fatalf("attempts %d exceeded max %d", lease.Item.AttemptsMade, lease.Item.MaxAttempts)
	}
}

func TestLeaseExpiryReEnqueues(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	item := testItem("a")
	item.Timeout = time.Millisecond
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}
	first, _ := q.Lease(ctx, 0)
	if first == nil {
		t.Fatal("expected lease")
	}

	// simulate a crashed worker by expiring the lease directly
	mq := q.(*memoryQueue)
	mq.mu.Lock()
	mq.leases["a"] = time.Now().Add(-time.Second)
	mq.mu.Unlock()

	second, err := q.Lease(ctx, 0)
	if err != nil || second == nil {
		t.Fatalf("lease after expiry = %+v, %v", second, err)
	}
	if second.Item.AttemptsMade != 2 {
		t.Fatalf("attempts after crash recovery = %d, want 2", second.Item.AttemptsMade)
	}
}

func TestLeaseExpiryWithAttemptsExhaustedCompletes(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	item := testItem("a")
	item.MaxAttempts = 1
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}
	if lease, _ := q.Lease(ctx, 0); lease == nil {
		t.Fatal("expected lease")
	}
	mq := q.(*memoryQueue)
	mq.mu.Lock()
	mq.leases["a"] = time.Now().Add(-time.Second)
	mq.mu.Unlock()

	lease, err := q.Lease(ctx, 0)
	if err != nil || lease != nil {
		t.Fatalf("exhausted item must not re-lease, got %+v", lease)
	}
	stats, _ := q.Stats(ctx)
	if stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCancelBeforeLeaseRemoves(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, testItem("a")); err != nil {
		t.Fatal(err)
	}
	removed, err := q.Cancel(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("Cancel = %v, %v", removed, err)
	}
	if lease, _ := q.Lease(ctx, 0); lease != nil {
		t.Fatalf("cancelled item leased: %+v", lease)
	}
}

func TestCancelWhileLeasedRecordsIntent(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if err := q.Enqueue(ctx, testItem("a")); err != nil {
		t.Fatal(err)
	}
	lease, _ := q.Lease(ctx, 0)

	removed, err := q.Cancel(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("leased item must not be removed outright")
	}
	requested, err := q.CancelRequested(ctx, "a")
	if err != nil || !requested {
		t.Fatalf("CancelRequested = %v, %v", requested, err)
	}
	if err := q.Complete(ctx, lease, OutcomeCancelled); err != nil {
		t.Fatal(err)
	}
	requested, _ = q.CancelRequested(ctx, "a")
	if requested {
		t.Fatal("completion must clear cancellation intent")
	}
}

func TestLeaseBlocksUpToWait(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		q.Enqueue(context.Background(), testItem("late"))
	}()

	start := time.Now()
	lease, err := q.Lease(ctx, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if lease == nil {
		t.Fatal("expected the late item within the wait window")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("lease took %s", time.Since(start))
	}
}
