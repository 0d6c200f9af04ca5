package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStorage implements the queue repositories on top of a Redis broker.
//
// Layout per queue:
//
//	notifier:job:<id>          JSON job record
//	notifier:q:<queue>:ready   zset, score = priority*2^40 + seq
//	notifier:q:<queue>:delayed zset, score = NotBefore unix ms
//	notifier:q:<queue>:active  zset, score = lock deadline unix ms
//	notifier:q:<queue>:done    zset, score = completion unix ms
//	notifier:q:<queue>:failed  set
//	notifier:q:<queue>:seq     counter
//	notifier:q:<queue>:paused  flag
//	notifier:dlq               list of JSON entries, newest first
//
// Claiming promotes due delayed jobs and expired locks into the ready set
// before popping the lowest score. The ready score embeds priority above
// the sequence number, so ZPOPMIN yields lowest ordinal first, FIFO within
// a tier. The pipeline has a single logical consumer pool per queue, so
// the promote-then-pop sequence does not need to be atomic across workers
// of different pools.
type RedisStorage struct {
	rdb *redis.Client

	retentionAge   time.Duration
	retentionCount int
}

// NewRedisStorage creates a Redis-backed queue storage.
func NewRedisStorage(rdb *redis.Client) (*RedisStorage, error) {
	if rdb == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisStorage{
		rdb:            rdb,
		retentionAge:   DefaultRetentionAge,
		retentionCount: DefaultRetentionCount,
	}, nil
}

const redisKeyPrefix = "notifier"

func jobKey(id uuid.UUID) string { return fmt.Sprintf("%s:job:%s", redisKeyPrefix, id) }

func queueKey(queue, part string) string {
	return fmt.Sprintf("%s:q:%s:%s", redisKeyPrefix, queue, part)
}

const dlqKey = redisKeyPrefix + ":dlq"

// readyScore orders the ready set: priority dominates, sequence breaks ties.
// 2^40 sequence values per priority tier stay well inside float64 precision.
func readyScore(priority Priority, seq uint64) float64 {
	return float64(uint64(priority)<<40 | (seq & (1<<40 - 1)))
}

func (rs *RedisStorage) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return rs.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err()
}

func (rs *RedisStorage) loadJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	raw, err := rs.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// CreateJob implements EnqueuerRepository.
func (rs *RedisStorage) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrPayloadNil
	}

	seq, err := rs.rdb.Incr(ctx, queueKey(job.Queue, "seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	jobCopy := *job
	jobCopy.Seq = uint64(seq)

	now := time.Now()
	pipe := rs.rdb.TxPipeline()
	if jobCopy.NotBefore.After(now) {
		jobCopy.Status = StatusDelayed
		pipe.ZAdd(ctx, queueKey(jobCopy.Queue, "delayed"), redis.Z{
			Score:  float64(jobCopy.NotBefore.UnixMilli()),
			Member: jobCopy.ID.String(),
		})
	} else {
		jobCopy.Status = StatusWaiting
		pipe.ZAdd(ctx, queueKey(jobCopy.Queue, "ready"), redis.Z{
			Score:  readyScore(jobCopy.Priority, jobCopy.Seq),
			Member: jobCopy.ID.String(),
		})
	}

	raw, err := json.Marshal(&jobCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", jobCopy.ID, err)
	}
	pipe.Set(ctx, jobKey(jobCopy.ID), raw, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// promoteDue moves delayed jobs whose NotBefore passed, and active jobs
// whose lock lapsed, into the ready set.
func (rs *RedisStorage) promoteDue(ctx context.Context, queue string, now time.Time) error {
	due := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 100}

	for _, part := range []string{"delayed", "active"} {
		ids, err := rs.rdb.ZRangeByScore(ctx, queueKey(queue, part), due).Result()
		if err != nil || len(ids) == 0 {
			if err != nil {
				return err
			}
			continue
		}
		for _, id := range ids {
			jobID, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			job, err := rs.loadJob(ctx, jobID)
			if err != nil {
				// Stale index entry; drop it.
				rs.rdb.ZRem(ctx, queueKey(queue, part), id)
				continue
			}
			job.Status = StatusWaiting
			job.LockedUntil = nil
			job.LockedBy = nil

			pipe := rs.rdb.TxPipeline()
			pipe.ZRem(ctx, queueKey(queue, part), id)
			pipe.ZAdd(ctx, queueKey(queue, "ready"), redis.Z{
				Score:  readyScore(job.Priority, job.Seq),
				Member: id,
			})
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			if err := rs.saveJob(ctx, job); err != nil {
				return err
			}
		}
	}

	return nil
}

// ClaimJob implements WorkerRepository.
func (rs *RedisStorage) ClaimJob(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Job, error) {
	paused, err := rs.rdb.Exists(ctx, queueKey(queue, "paused")).Result()
	if err != nil {
		return nil, err
	}
	if paused > 0 {
		return nil, ErrQueuePaused
	}

	now := time.Now()
	if err := rs.promoteDue(ctx, queue, now); err != nil {
		return nil, err
	}

	popped, err := rs.rdb.ZPopMin(ctx, queueKey(queue, "ready"), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, ErrNoJobToClaim
	}
	member := popped[0]

	// Once popped, the job ID lives in no zset. Any failure between here
	// and the activation pipeline must put it back, or the job is lost.
	restore := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		rs.rdb.ZAdd(rctx, queueKey(queue, "ready"), member)
	}

	id, _ := member.Member.(string)
	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("malformed job id in ready set: %w", err)
	}

	job, err := rs.loadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Stale index entry with no record behind it; drop it.
			return nil, ErrNoJobToClaim
		}
		restore()
		return nil, err
	}

	lockUntil := now.Add(lockFor)
	job.Status = StatusActive
	job.LockedUntil = &lockUntil
	job.LockedBy = &workerID

	pipe := rs.rdb.TxPipeline()
	pipe.ZAdd(ctx, queueKey(queue, "active"), redis.Z{
		Score:  float64(lockUntil.UnixMilli()),
		Member: jobID.String(),
	})
	raw, _ := json.Marshal(job)
	pipe.Set(ctx, jobKey(jobID), raw, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		restore()
		return nil, err
	}

	return job, nil
}

// CompleteJob implements WorkerRepository and prunes the completed window.
func (rs *RedisStorage) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := rs.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.LockedUntil = nil
	job.LockedBy = nil

	pipe := rs.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(job.Queue, "active"), jobID.String())
	pipe.ZAdd(ctx, queueKey(job.Queue, "done"), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: jobID.String(),
	})
	raw, _ := json.Marshal(job)
	pipe.Set(ctx, jobKey(jobID), raw, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	return rs.pruneCompleted(ctx, job.Queue, now)
}

// pruneCompleted enforces the age and count retention bounds.
func (rs *RedisStorage) pruneCompleted(ctx context.Context, queue string, now time.Time) error {
	doneKey := queueKey(queue, "done")
	cutoff := fmt.Sprintf("%d", now.Add(-rs.retentionAge).UnixMilli())

	stale, err := rs.rdb.ZRangeByScore(ctx, doneKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return err
	}

	total, err := rs.rdb.ZCard(ctx, doneKey).Result()
	if err != nil {
		return err
	}
	if excess := total - int64(len(stale)) - int64(rs.retentionCount); excess > 0 {
		oldest, err := rs.rdb.ZRange(ctx, doneKey, int64(len(stale)), int64(len(stale))+excess-1).Result()
		if err != nil {
			return err
		}
		stale = append(stale, oldest...)
	}

	if len(stale) == 0 {
		return nil
	}

	pipe := rs.rdb.TxPipeline()
	for _, id := range stale {
		pipe.ZRem(ctx, doneKey, id)
		if jobID, err := uuid.Parse(id); err == nil {
			pipe.Del(ctx, jobKey(jobID))
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// RetryJob implements WorkerRepository.
func (rs *RedisStorage) RetryJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt time.Time) error {
	job, err := rs.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}

	job.AttemptsMade++
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil
	job.NotBefore = retryAt

	pipe := rs.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(job.Queue, "active"), jobID.String())
	if retryAt.After(time.Now()) {
		job.Status = StatusDelayed
		pipe.ZAdd(ctx, queueKey(job.Queue, "delayed"), redis.Z{
			Score:  float64(retryAt.UnixMilli()),
			Member: jobID.String(),
		})
	} else {
		job.Status = StatusWaiting
		pipe.ZAdd(ctx, queueKey(job.Queue, "ready"), redis.Z{
			Score:  readyScore(job.Priority, job.Seq),
			Member: jobID.String(),
		})
	}
	raw, _ := json.Marshal(job)
	pipe.Set(ctx, jobKey(jobID), raw, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// FailJob implements WorkerRepository.
func (rs *RedisStorage) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	job, err := rs.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}

	job.AttemptsMade++
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil
	job.Status = StatusFailed

	pipe := rs.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(job.Queue, "active"), jobID.String())
	pipe.SAdd(ctx, queueKey(job.Queue, "failed"), jobID.String())
	raw, _ := json.Marshal(job)
	pipe.Set(ctx, jobKey(jobID), raw, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// MarkDeadLettered implements WorkerRepository.
func (rs *RedisStorage) MarkDeadLettered(ctx context.Context, jobID uuid.UUID) error {
	job, err := rs.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("job %s is not in failed state", jobID)
	}

	job.Status = StatusDeadLettered

	pipe := rs.rdb.TxPipeline()
	pipe.SRem(ctx, queueKey(job.Queue, "failed"), jobID.String())
	raw, _ := json.Marshal(job)
	pipe.Set(ctx, jobKey(jobID), raw, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// CreateEntry implements DeadLetterRepository.
func (rs *RedisStorage) CreateEntry(ctx context.Context, entry *DeadLetterEntry) error {
	if entry == nil {
		return ErrPayloadNil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}
	return rs.rdb.LPush(ctx, dlqKey, raw).Err()
}

// ListEntries implements DeadLetterRepository, newest first.
func (rs *RedisStorage) ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	raws, err := rs.rdb.LRange(ctx, dlqKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if filter.Queue != "" && entry.Job.Queue != filter.Queue {
			continue
		}
		if filter.Kind != "" && entry.Job.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && entry.FailedAt.Before(filter.Since) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}

	return entries, nil
}

// Stats implements AdminRepository.
func (rs *RedisStorage) Stats(ctx context.Context, queue string) (Stats, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	pipe := rs.rdb.Pipeline()
	ready := pipe.ZCard(ctx, queueKey(queue, "ready"))
	dueDelayed := pipe.ZCount(ctx, queueKey(queue, "delayed"), "-inf", now)
	futureDelayed := pipe.ZCount(ctx, queueKey(queue, "delayed"), "("+now, "+inf")
	active := pipe.ZCard(ctx, queueKey(queue, "active"))
	completed := pipe.ZCard(ctx, queueKey(queue, "done"))
	failed := pipe.SCard(ctx, queueKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}

	return Stats{
		Waiting:   int(ready.Val() + dueDelayed.Val()),
		Delayed:   int(futureDelayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

// Pause implements AdminRepository.
func (rs *RedisStorage) Pause(ctx context.Context, queue string) error {
	return rs.rdb.Set(ctx, queueKey(queue, "paused"), "1", 0).Err()
}

// Resume implements AdminRepository.
func (rs *RedisStorage) Resume(ctx context.Context, queue string) error {
	return rs.rdb.Del(ctx, queueKey(queue, "paused")).Err()
}

// Clear implements AdminRepository.
func (rs *RedisStorage) Clear(ctx context.Context, queue string) error {
	var ids []string

	for _, part := range []string{"ready", "delayed", "done"} {
		members, err := rs.rdb.ZRange(ctx, queueKey(queue, part), 0, -1).Result()
		if err != nil {
			return err
		}
		ids = append(ids, members...)
	}
	failed, err := rs.rdb.SMembers(ctx, queueKey(queue, "failed")).Result()
	if err != nil {
		return err
	}
	ids = append(ids, failed...)

	pipe := rs.rdb.TxPipeline()
	for _, id := range ids {
		if jobID, err := uuid.Parse(id); err == nil {
			pipe.Del(ctx, jobKey(jobID))
		}
	}
	pipe.Del(ctx,
		queueKey(queue, "ready"),
		queueKey(queue, "delayed"),
		queueKey(queue, "done"),
		queueKey(queue, "failed"))
	_, err = pipe.Exec(ctx)
	return err
}
