package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Abhinav21110/deployify/internal/domain"
)

// Redis key layout, all under one prefix:
//
//	items   - hash  job_id -> item JSON
//	ready   - list  job ids in FIFO order
//	delayed - zset  job_id scored by ready-at unix milli
//	leases  - zset  job_id scored by lease-expiry unix milli
//	cancel  - set   job ids with cancellation intent
//	done    - list  CompletedItem JSON, bounded
const keyPrefix = "deployify:queue:"

// leaseScript atomically pops the next ready id and records its lease so a
// crash between the two steps cannot drop the item.
var leaseScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// redisQueue is the durable production queue backing.
type redisQueue struct {
	client *redis.Client
	logger *slog.Logger

	itemsKey   string
	readyKey   string
	delayedKey string
	leasesKey  string
	cancelKey  string
	doneKey    string
}

// NewRedis connects to Redis and returns the durable queue.
func NewRedis(addr, password string, db int, logger *slog.Logger) (Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis queue: %w", err)
	}
	return &redisQueue{
		client:     client,
		logger:     logger,
		itemsKey:   keyPrefix + "items",
		readyKey:   keyPrefix + "ready",
		delayedKey: keyPrefix + "delayed",
		leasesKey:  keyPrefix + "leases",
		cancelKey:  keyPrefix + "cancel",
		doneKey:    keyPrefix + "done",
	}, nil
}

func (q *redisQueue) storeItem(ctx context.Context, item domain.JobItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal job item: %w", err)
	}
	return q.client.HSet(ctx, q.itemsKey, item.JobID, raw).Err()
}

func (q *redisQueue) loadItem(ctx context.Context, jobID string) (domain.JobItem, bool, error) {
	raw, err := q.client.HGet(ctx, q.itemsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.JobItem{}, false, nil
	}
	if err != nil {
		return domain.JobItem{}, false, err
	}
	var item domain.JobItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return domain.JobItem{}, false, fmt.Errorf("unmarshal job item %s: %w", jobID, err)
	}
	return item, true, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, item domain.JobItem) error {
	if err := q.storeItem(ctx, item); err != nil {
		return err
	}
	return q.client.RPush(ctx, q.readyKey, item.JobID).Err()
}

// promote moves due delayed items back to ready and reaps expired leases,
// incrementing nothing: attempts count at lease time.
func (q *redisQueue) promote(ctx context.Context, now time.Time) error {
	nowMilli := strconv.FormatInt(now.UnixMilli(), 10)

	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: nowMilli}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey, jobID).Result()
		if err != nil {
			return err
		}
		if removed > 0 {
			if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
				return err
			}
		}
	}

	expired, err := q.client.ZRangeByScore(ctx, q.leasesKey, &redis.ZRangeBy{Min: "-inf", Max: nowMilli}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range expired {
		removed, err := q.client.ZRem(ctx, q.leasesKey, jobID).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		item, ok, err := q.loadItem(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if item.AttemptsMade >= item.MaxAttempts {
			q.logger.Warn("job lease expired with attempts exhausted", "job_id", jobID, "attempts", item.AttemptsMade)
			if err := q.finish(ctx, item, OutcomeLeaseExpired, "lease expired with attempts exhausted", now); err != nil {
				return err
			}
			continue
		}
		q.logger.Warn("job lease expired; re-enqueueing", "job_id", jobID, "attempts", item.AttemptsMade)
		if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *redisQueue) Lease(ctx context.Context, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		now := time.Now()
		if err := q.promote(ctx, now); err != nil {
			return nil, err
		}

		// the lease expiry written by the script is provisional; it is
		// rewritten below once the item timeout is known
		provisional := now.Add(leaseGrace)
		result, err := leaseScript.Run(ctx, q.client,
			[]string{q.readyKey, q.leasesKey},
			provisional.UnixMilli()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if jobID, ok := result.(string); ok && jobID != "" {
			item, found, err := q.loadItem(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if !found {
				_ = q.client.ZRem(ctx, q.leasesKey, jobID).Err()
				continue
			}
			item.AttemptsMade++
			if err := q.storeItem(ctx, item); err != nil {
				return nil, err
			}
			expires := now.Add(item.Timeout + leaseGrace)
			if err := q.client.ZAdd(ctx, q.leasesKey, redis.Z{Score: float64(expires.UnixMilli()), Member: jobID}).Err(); err != nil {
				return nil, err
			}
			return &Lease{Item: item, ExpiresAt: expires}, nil
		}

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

func (q *redisQueue) finish(ctx context.Context, item domain.JobItem, outcome, reason string, now time.Time) error {
	record := CompletedItem{Item: item, Outcome: outcome, Reason: reason, FinishedAt: now}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal completion record: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.itemsKey, item.JobID)
	pipe.SRem(ctx, q.cancelKey, item.JobID)
	pipe.LPush(ctx, q.doneKey, raw)
	pipe.LTrim(ctx, q.doneKey, 0, historyBound-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Complete(ctx context.Context, lease *Lease, outcome string) error {
	if err := q.client.ZRem(ctx, q.leasesKey, lease.Item.JobID).Err(); err != nil {
		return err
	}
	return q.finish(ctx, lease.Item, outcome, "", time.Now())
}

func (q *redisQueue) Retry(ctx context.Context, lease *Lease, reason string) (bool, error) {
	jobID := lease.Item.JobID
	if err := q.client.ZRem(ctx, q.leasesKey, jobID).Err(); err != nil {
		return false, err
	}
	if lease.Item.AttemptsMade >= lease.Item.MaxAttempts {
		return false, nil
	}
	if err := q.storeItem(ctx, lease.Item); err != nil {
		return false, err
	}
	readyAt := time.Now().Add(Backoff(lease.Item.AttemptsMade))
	err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID}).Err()
	if err != nil {
		return false, err
	}
	q.logger.Info("job scheduled for retry", "job_id", jobID, "attempts", lease.Item.AttemptsMade, "reason", reason, "ready_at", readyAt)
	return true, nil
}

func (q *redisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	leased, err := q.client.ZScore(ctx, q.leasesKey, jobID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	if err == nil && leased > 0 {
		if err := q.client.SAdd(ctx, q.cancelKey, jobID).Err(); err != nil {
			return false, err
		}
		return false, nil
	}

	item, ok, err := q.loadItem(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	removedReady, err := q.client.LRem(ctx, q.readyKey, 1, jobID).Result()
	if err != nil {
		return false, err
	}
	removedDelayed, err := q.client.ZRem(ctx, q.delayedKey, jobID).Result()
	if err != nil {
		return false, err
	}
	if removedReady == 0 && removedDelayed == 0 {
		// raced with a lease acquisition; fall back to intent
		if err := q.client.SAdd(ctx, q.cancelKey, jobID).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := q.finish(ctx, item, OutcomeCancelled, "cancelled before lease", time.Now()); err != nil {
		return false, err
	}
	return true, nil
}

func (q *redisQueue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	return q.client.SIsMember(ctx, q.cancelKey, jobID).Result()
}

func (q *redisQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	ready, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return domain.QueueStats{}, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return domain.QueueStats{}, err
	}
	leased, err := q.client.ZCard(ctx, q.leasesKey).Result()
	if err != nil {
		return domain.QueueStats{}, err
	}
	done, err := q.client.LLen(ctx, q.doneKey).Result()
	if err != nil {
		return domain.QueueStats{}, err
	}
	return domain.QueueStats{
		Ready:     int(ready),
		Delayed:   int(delayed),
		Leased:    int(leased),
		Completed: int(done),
	}, nil
}

func (q *redisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
