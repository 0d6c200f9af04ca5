package queue

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations holds the queue schema, applied by pg.Migrate at startup.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// PostgresStorage implements the queue repositories on PostgreSQL.
// Claiming relies on FOR UPDATE SKIP LOCKED, so multiple worker processes
// can share one database without double-claiming; expired locks make a job
// claimable again without touching its attempt counter.
type PostgresStorage struct {
	pool *pgxpool.Pool

	retentionAge   time.Duration
	retentionCount int
}

// NewPostgresStorage creates a PostgreSQL-backed queue storage.
func NewPostgresStorage(pool *pgxpool.Pool) (*PostgresStorage, error) {
	if pool == nil {
		return nil, errors.New("pgx pool cannot be nil")
	}
	return &PostgresStorage{
		pool:           pool,
		retentionAge:   DefaultRetentionAge,
		retentionCount: DefaultRetentionCount,
	}, nil
}

const jobColumns = `id, queue, kind, payload, priority, not_before, attempts_made,
	max_attempts, backoff_base_ms, status, seq, last_error, locked_until,
	locked_by, completed_at, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job       Job
		backoffMs int64
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Kind, &job.Payload, &job.Priority,
		&job.NotBefore, &job.AttemptsMade, &job.MaxAttempts, &backoffMs,
		&job.Status, &job.Seq, &job.LastError, &job.LockedUntil, &job.LockedBy,
		&job.CompletedAt, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	job.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	return &job, nil
}

// CreateJob implements EnqueuerRepository.
func (ps *PostgresStorage) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrPayloadNil
	}

	status := StatusWaiting
	if job.NotBefore.After(time.Now()) {
		status = StatusDelayed
	}

	_, err := ps.pool.Exec(ctx, `
		INSERT INTO notifier_jobs
			(id, queue, kind, payload, priority, not_before, attempts_made,
			 max_attempts, backoff_base_ms, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10)`,
		job.ID, job.Queue, job.Kind, job.Payload, job.Priority, job.NotBefore,
		job.MaxAttempts, job.BackoffBase.Milliseconds(), status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	return nil
}

// ClaimJob implements WorkerRepository. The inner select honors the
// dequeue ordering contract: lowest priority ordinal first, enqueue order
// within a tier, only jobs whose NotBefore has passed.
func (ps *PostgresStorage) ClaimJob(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Job, error) {
	var paused bool
	err := ps.pool.QueryRow(ctx,
		`SELECT paused FROM notifier_queue_state WHERE queue = $1`, queue).Scan(&paused)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if paused {
		return nil, ErrQueuePaused
	}

	row := ps.pool.QueryRow(ctx, `
		UPDATE notifier_jobs
		SET status = 'active', locked_until = now() + make_interval(secs => $3), locked_by = $2
		WHERE id = (
			SELECT id FROM notifier_jobs
			WHERE queue = $1
			  AND (
			      (status IN ('waiting', 'delayed') AND not_before <= now())
			      OR (status = 'active' AND locked_until < now())
			  )
			ORDER BY priority, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue, workerID, lockFor.Seconds())

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, ErrNoJobToClaim
		}
		return nil, err
	}

	return job, nil
}

// CompleteJob implements WorkerRepository and prunes the completed window
// of the job's queue.
func (ps *PostgresStorage) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	var queue string
	err := ps.pool.QueryRow(ctx, `
		UPDATE notifier_jobs
		SET status = 'completed', completed_at = now(),
		    locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'active'
		RETURNING queue`, jobID).Scan(&queue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
		}
		return err
	}

	return ps.pruneCompleted(ctx, queue)
}

// pruneCompleted enforces the retention bounds. The count window is scoped
// to one queue so a busy queue cannot evict another queue's history.
func (ps *PostgresStorage) pruneCompleted(ctx context.Context, queue string) error {
	_, err := ps.pool.Exec(ctx, `
		DELETE FROM notifier_jobs
		WHERE status = 'completed' AND queue = $3
		  AND (completed_at < now() - make_interval(secs => $1)
		       OR id IN (
		           SELECT id FROM notifier_jobs
		           WHERE status = 'completed' AND queue = $3
		           ORDER BY completed_at DESC
		           OFFSET $2
		       ))`,
		ps.retentionAge.Seconds(), ps.retentionCount, queue)
	return err
}

// RetryJob implements WorkerRepository.
func (ps *PostgresStorage) RetryJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt time.Time) error {
	tag, err := ps.pool.Exec(ctx, `
		UPDATE notifier_jobs
		SET status = CASE WHEN $3 > now() THEN 'delayed' ELSE 'waiting' END,
		    attempts_made = attempts_made + 1,
		    last_error = $2,
		    not_before = $3,
		    locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'active'`,
		jobID, errMsg, retryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}
	return nil
}

// FailJob implements WorkerRepository.
func (ps *PostgresStorage) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	tag, err := ps.pool.Exec(ctx, `
		UPDATE notifier_jobs
		SET status = 'failed', attempts_made = attempts_made + 1,
		    last_error = $2, locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'active'`,
		jobID, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}
	return nil
}

// MarkDeadLettered implements WorkerRepository.
func (ps *PostgresStorage) MarkDeadLettered(ctx context.Context, jobID uuid.UUID) error {
	tag, err := ps.pool.Exec(ctx, `
		UPDATE notifier_jobs
		SET status = 'dead_lettered'
		WHERE id = $1 AND status = 'failed'`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not in failed state", jobID)
	}
	return nil
}

// CreateEntry implements DeadLetterRepository.
func (ps *PostgresStorage) CreateEntry(ctx context.Context, entry *DeadLetterEntry) error {
	if entry == nil {
		return ErrPayloadNil
	}

	jobRaw, err := json.Marshal(entry.Job)
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	_, err = ps.pool.Exec(ctx, `
		INSERT INTO notifier_dead_letters
			(id, job_id, queue, kind, job, error, attempts_made, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.Job.ID, entry.Job.Queue, entry.Job.Kind, jobRaw,
		entry.Error, entry.AttemptsMade, entry.FailedAt)
	return err
}

// ListEntries implements DeadLetterRepository, newest first.
func (ps *PostgresStorage) ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	query := `
		SELECT id, job, error, attempts_made, failed_at
		FROM notifier_dead_letters
		WHERE ($1 = '' OR queue = $1)
		  AND ($2 = '' OR kind = $2)
		  AND ($3::timestamptz IS NULL OR failed_at >= $3)
		ORDER BY failed_at DESC`

	var since *time.Time
	if !filter.Since.IsZero() {
		since = &filter.Since
	}

	args := []any{filter.Queue, filter.Kind, since}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}

	rows, err := ps.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DeadLetterEntry
	for rows.Next() {
		var (
			entry  DeadLetterEntry
			jobRaw []byte
		)
		if err := rows.Scan(&entry.ID, &jobRaw, &entry.Error, &entry.AttemptsMade, &entry.FailedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(jobRaw, &entry.Job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Stats implements AdminRepository.
func (ps *PostgresStorage) Stats(ctx context.Context, queue string) (Stats, error) {
	var stats Stats
	err := ps.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'waiting'
			                 OR (status = 'delayed' AND not_before <= now())),
			count(*) FILTER (WHERE status = 'delayed' AND not_before > now()),
			count(*) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM notifier_jobs
		WHERE queue = $1`, queue).
		Scan(&stats.Waiting, &stats.Delayed, &stats.Active, &stats.Completed, &stats.Failed)
	return stats, err
}

// Pause implements AdminRepository.
func (ps *PostgresStorage) Pause(ctx context.Context, queue string) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO notifier_queue_state (queue, paused) VALUES ($1, true)
		ON CONFLICT (queue) DO UPDATE SET paused = true`, queue)
	return err
}

// Resume implements AdminRepository.
func (ps *PostgresStorage) Resume(ctx context.Context, queue string) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO notifier_queue_state (queue, paused) VALUES ($1, false)
		ON CONFLICT (queue) DO UPDATE SET paused = false`, queue)
	return err
}

// Clear implements AdminRepository.
func (ps *PostgresStorage) Clear(ctx context.Context, queue string) error {
	_, err := ps.pool.Exec(ctx, `
		DELETE FROM notifier_jobs
		WHERE queue = $1 AND status != 'active'`, queue)
	return err
}
