package queue

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Retention policy defaults for completed jobs.
const (
	DefaultRetentionAge   = 24 * time.Hour
	DefaultRetentionCount = 1000
)

// MemoryStorage implements all queue repository interfaces for testing and
// local development. Completed jobs are kept for observability within a
// bounded age/count window; failed jobs are retained until moved to the
// dead letter store.
type MemoryStorage struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
	dlq    []*DeadLetterEntry
	paused map[string]bool
	seq    map[string]uint64

	byStatus map[Status][]uuid.UUID

	retentionAge   time.Duration
	retentionCount int

	sweepTicker *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithRetention overrides the completed-job retention window.
func WithRetention(age time.Duration, count int) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if age > 0 {
			ms.retentionAge = age
		}
		if count > 0 {
			ms.retentionCount = count
		}
	}
}

// NewMemoryStorage creates a new in-memory storage implementation.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	ms := &MemoryStorage{
		jobs:           make(map[uuid.UUID]*Job),
		paused:         make(map[string]bool),
		seq:            make(map[string]uint64),
		byStatus:       make(map[Status][]uuid.UUID),
		retentionAge:   DefaultRetentionAge,
		retentionCount: DefaultRetentionCount,
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ms)
	}

	// Background sweeper recovers jobs from crashed workers and prunes
	// completed jobs past the retention window.
	ms.sweepTicker = time.NewTicker(time.Second)
	go ms.sweeper()

	return ms
}

// Close stops the background sweeper.
func (ms *MemoryStorage) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.done)
		ms.sweepTicker.Stop()
	})
	return nil
}

// CreateJob implements EnqueuerRepository.
func (ms *MemoryStorage) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return ErrPayloadNil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	ms.seq[job.Queue]++

	jobCopy := *job
	jobCopy.Seq = ms.seq[job.Queue]
	// Storage owns the Waiting/Delayed distinction regardless of what the
	// producer set.
	if jobCopy.NotBefore.After(time.Now()) {
		jobCopy.Status = StatusDelayed
	} else {
		jobCopy.Status = StatusWaiting
	}

	ms.jobs[jobCopy.ID] = &jobCopy
	ms.byStatus[jobCopy.Status] = append(ms.byStatus[jobCopy.Status], jobCopy.ID)

	return nil
}

// ClaimJob implements WorkerRepository. Among eligible jobs the lowest
// priority ordinal wins; enqueue order breaks ties within a tier.
func (ms *MemoryStorage) ClaimJob(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.paused[queue] {
		return nil, ErrQueuePaused
	}

	now := time.Now()
	var best *Job

	for _, status := range []Status{StatusWaiting, StatusDelayed} {
		for _, jobID := range ms.byStatus[status] {
			job := ms.jobs[jobID]

			if job.Queue != queue {
				continue
			}
			if job.NotBefore.After(now) {
				continue
			}

			if best == nil ||
				job.Priority < best.Priority ||
				(job.Priority == best.Priority && job.Seq < best.Seq) {
				best = job
			}
		}
	}

	if best == nil {
		return nil, ErrNoJobToClaim
	}

	lockUntil := now.Add(lockFor)
	ms.removeFromStatusIndex(best.ID, best.Status)
	best.Status = StatusActive
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID
	ms.byStatus[StatusActive] = append(ms.byStatus[StatusActive], best.ID)

	jobCopy := *best
	return &jobCopy, nil
}

// CompleteJob implements WorkerRepository.
func (ms *MemoryStorage) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	ms.removeFromStatusIndex(jobID, StatusActive)
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.LockedUntil = nil
	job.LockedBy = nil
	ms.byStatus[StatusCompleted] = append(ms.byStatus[StatusCompleted], jobID)

	return nil
}

// RetryJob implements WorkerRepository. The attempt counter moves here,
// exactly once per failed attempt.
func (ms *MemoryStorage) RetryJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(jobID)
	if err != nil {
		return err
	}

	job.AttemptsMade++
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil
	job.NotBefore = retryAt

	ms.removeFromStatusIndex(jobID, StatusActive)
	if retryAt.After(time.Now()) {
		job.Status = StatusDelayed
	} else {
		job.Status = StatusWaiting
	}
	ms.byStatus[job.Status] = append(ms.byStatus[job.Status], jobID)

	return nil
}

// FailJob implements WorkerRepository. Failed jobs are retained until the
// caller moves them to the dead letter store.
func (ms *MemoryStorage) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.activeJob(jobID)
	if err != nil {
		return err
	}

	job.AttemptsMade++
	job.LastError = &errMsg
	job.LockedUntil = nil
	job.LockedBy = nil

	ms.removeFromStatusIndex(jobID, StatusActive)
	job.Status = StatusFailed
	ms.byStatus[StatusFailed] = append(ms.byStatus[StatusFailed], jobID)

	return nil
}

// MarkDeadLettered implements WorkerRepository.
func (ms *MemoryStorage) MarkDeadLettered(ctx context.Context, jobID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, exists := ms.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("job %s is not in failed state", jobID)
	}

	ms.removeFromStatusIndex(jobID, StatusFailed)
	job.Status = StatusDeadLettered
	ms.byStatus[StatusDeadLettered] = append(ms.byStatus[StatusDeadLettered], jobID)

	return nil
}

// CreateEntry implements DeadLetterRepository.
func (ms *MemoryStorage) CreateEntry(ctx context.Context, entry *DeadLetterEntry) error {
	if entry == nil {
		return ErrPayloadNil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	entryCopy := *entry
	ms.dlq = append(ms.dlq, &entryCopy)

	return nil
}

// ListEntries implements DeadLetterRepository, newest first.
func (ms *MemoryStorage) ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entries := make([]DeadLetterEntry, 0, len(ms.dlq))
	for _, entry := range ms.dlq {
		if filter.Queue != "" && entry.Job.Queue != filter.Queue {
			continue
		}
		if filter.Kind != "" && entry.Job.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && entry.FailedAt.Before(filter.Since) {
			continue
		}
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt.After(entries[j].FailedAt)
	})

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}

	return entries, nil
}

// Stats implements AdminRepository. A Delayed job whose NotBefore has
// passed counts as waiting; the stored status is a persistence detail.
func (ms *MemoryStorage) Stats(ctx context.Context, queue string) (Stats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := time.Now()
	var stats Stats
	for _, job := range ms.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.Status {
		case StatusWaiting:
			stats.Waiting++
		case StatusDelayed:
			if job.NotBefore.After(now) {
				stats.Delayed++
			} else {
				stats.Waiting++
			}
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}

	return stats, nil
}

// Pause implements AdminRepository; claiming from a paused queue returns
// ErrQueuePaused until Resume is called.
func (ms *MemoryStorage) Pause(ctx context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.paused[queue] = true
	return nil
}

// Resume implements AdminRepository.
func (ms *MemoryStorage) Resume(ctx context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.paused, queue)
	return nil
}

// Clear implements AdminRepository. Destructive: drops all waiting,
// delayed, completed, and failed jobs in the queue. Active jobs finish
// their current attempt untouched.
func (ms *MemoryStorage) Clear(ctx context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for id, job := range ms.jobs {
		if job.Queue != queue || job.Status == StatusActive {
			continue
		}
		ms.removeFromStatusIndex(id, job.Status)
		delete(ms.jobs, id)
	}

	return nil
}

func (ms *MemoryStorage) activeJob(jobID uuid.UUID) (*Job, error) {
	job, exists := ms.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}
	return job, nil
}

func (ms *MemoryStorage) removeFromStatusIndex(jobID uuid.UUID, status Status) {
	ms.byStatus[status] = slices.DeleteFunc(ms.byStatus[status], func(id uuid.UUID) bool {
		return id == jobID
	})
}

// sweeper runs in the background to recover jobs from dead workers and to
// enforce the completed-job retention window.
func (ms *MemoryStorage) sweeper() {
	for {
		select {
		case <-ms.sweepTicker.C:
			ms.expireLocks()
			ms.pruneCompleted()
		case <-ms.done:
			return
		}
	}
}

// expireLocks resets jobs whose claim lock has lapsed back to Waiting.
// The attempt counter is untouched: an expired lock is not a delivery
// attempt, it is a worker that went away.
func (ms *MemoryStorage) expireLocks() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for _, jobID := range slices.Clone(ms.byStatus[StatusActive]) {
		job := ms.jobs[jobID]
		if job.LockedUntil != nil && job.LockedUntil.Before(now) {
			ms.removeFromStatusIndex(jobID, StatusActive)
			job.Status = StatusWaiting
			job.LockedUntil = nil
			job.LockedBy = nil
			ms.byStatus[StatusWaiting] = append(ms.byStatus[StatusWaiting], jobID)
		}
	}
}

// pruneCompleted drops completed jobs past the retention age, then trims
// each queue to the retention count, oldest first. The count window is per
// queue so a busy queue cannot evict another queue's history.
func (ms *MemoryStorage) pruneCompleted() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := time.Now().Add(-ms.retentionAge)

	byQueue := make(map[string][]*Job)
	for _, jobID := range slices.Clone(ms.byStatus[StatusCompleted]) {
		job := ms.jobs[jobID]
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			ms.removeFromStatusIndex(jobID, StatusCompleted)
			delete(ms.jobs, jobID)
			continue
		}
		byQueue[job.Queue] = append(byQueue[job.Queue], job)
	}

	for _, completed := range byQueue {
		if len(completed) <= ms.retentionCount {
			continue
		}

		sort.Slice(completed, func(i, j int) bool {
			return completed[i].CompletedAt.Before(*completed[j].CompletedAt)
		})
		for _, job := range completed[:len(completed)-ms.retentionCount] {
			ms.removeFromStatusIndex(job.ID, StatusCompleted)
			delete(ms.jobs, job.ID)
		}
	}
}
