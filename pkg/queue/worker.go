package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkerRepository defines the interface for worker operations.
type WorkerRepository interface {
	// ClaimJob atomically claims the next eligible job from the queue,
	// honoring priority ordering and NotBefore gating.
	ClaimJob(ctx context.Context, workerID uuid.UUID, queue string, lockFor time.Duration) (*Job, error)

	// CompleteJob marks an active job as completed.
	CompleteJob(ctx context.Context, jobID uuid.UUID) error

	// RetryJob records a failed attempt and returns the job to the queue,
	// eligible again at retryAt. Increments the attempt counter.
	RetryJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt time.Time) error

	// FailJob records the final failed attempt and marks the job Failed.
	// Failed jobs are retained until moved to the dead letter store.
	FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error

	// MarkDeadLettered transitions a Failed job to its terminal state after
	// the dead letter entry has been recorded.
	MarkDeadLettered(ctx context.Context, jobID uuid.UUID) error
}

// Handler processes a single claimed job. A returned error is always
// treated as retryable; there is no permanent/transient classification.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Worker is the single consumer of one queue. It claims eligible jobs,
// invokes the handler with bounded concurrency, retries with exponential
// backoff, and hands exhausted jobs to the dead letter store.
type Worker struct {
	repo        WorkerRepository
	deadLetters *DeadLetterStore
	handler     Handler
	queue       string
	workerID    uuid.UUID
	sem         chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	stopMu      sync.Mutex

	pullInterval time.Duration
	lockTimeout  time.Duration
	logger       *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewWorker creates a worker consuming the given queue with the given handler.
// The dead letter store may be nil, in which case exhausted jobs stay Failed.
func NewWorker(repo WorkerRepository, handler Handler, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}

	options := &workerOptions{
		queue:             DefaultQueueName,
		pullInterval:      time.Second,
		lockTimeout:       5 * time.Minute,
		maxConcurrentJobs: 1,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:         repo,
		deadLetters:  options.deadLetters,
		handler:      handler,
		queue:        options.queue,
		workerID:     uuid.New(),
		sem:          make(chan struct{}, options.maxConcurrentJobs),
		pullInterval: options.pullInterval,
		lockTimeout:  options.lockTimeout,
		logger:       options.logger,
	}, nil
}

// Start begins processing jobs in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)

	go w.run()

	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.String("queue", w.queue),
		slog.Int("max_concurrent", cap(w.sem)))

	return nil
}

// Stop gracefully shuts down the worker: it stops claiming new jobs and
// waits for in-flight deliveries to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker not started")
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.Info("worker stopping, draining in-flight jobs",
		slog.String("worker_id", w.workerID.String()))

	w.wg.Wait()

	w.logger.Info("worker stopped",
		slog.String("worker_id", w.workerID.String()))

	return nil
}

// Run starts the worker and returns a function suitable for errgroup.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

// run is the main claim loop.
func (w *Worker) run() {
	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				// stopMu prevents adding to the WaitGroup after Stop() begins waiting
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()

					if err := w.pullAndProcess(); err != nil {
						w.logger.Error("failed to process job",
							slog.String("worker_id", w.workerID.String()),
							slog.String("error", err.Error()))
					}
				}()
			default:
				// All slots busy, skip this tick.
			}
		}
	}
}

func (w *Worker) pullAndProcess() error {
	job, err := w.repo.ClaimJob(w.ctx, w.workerID, w.queue, w.lockTimeout)
	if err != nil {
		// An empty or paused queue is normal, not an error.
		if errors.Is(err, ErrNoJobToClaim) || errors.Is(err, ErrQueuePaused) {
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return nil
	}

	w.logger.Debug("claimed job",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.String("queue", job.Queue))

	return w.processJob(job)
}

func (w *Worker) processJob(job *Job) (retErr error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				slog.String("worker_id", w.workerID.String()),
				slog.String("job_id", job.ID.String()),
				slog.String("kind", job.Kind),
				slog.Any("panic", r))
			retErr = w.handleFailure(job, retErr, time.Since(start))
		}
	}()

	// Handler context is detached from the worker lifecycle so graceful
	// shutdown lets in-flight deliveries finish.
	ctx, cancel := context.WithTimeout(context.Background(), w.lockTimeout)
	defer cancel()

	err := w.handler.Handle(ctx, job)
	duration := time.Since(start)

	if err != nil {
		return w.handleFailure(job, err, duration)
	}

	return w.handleSuccess(job, duration)
}

// ackCtx returns the context for post-attempt storage calls. It survives
// Stop cancelling the worker context; otherwise a graceful drain would fail
// the ack of every in-flight job, leaving it Active until lock expiry and
// redelivering it.
func (w *Worker) ackCtx() context.Context {
	return context.WithoutCancel(w.ctx)
}

// handleFailure records a failed attempt and decides between retry and
// dead-lettering. The attempt counter moves exactly once per attempt, in
// the storage call, never here.
func (w *Worker) handleFailure(job *Job, execErr error, duration time.Duration) error {
	attempt := job.AttemptsMade + 1
	ctx := w.ackCtx()

	w.logger.Error("job attempt failed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.Int("attempt", int(attempt)),
		slog.Int("max_attempts", int(job.MaxAttempts)),
		slog.Duration("duration", duration),
		slog.String("error", execErr.Error()))

	if attempt < job.MaxAttempts {
		retryAt := time.Now().Add(Backoff(job.BackoffBase, attempt))
		if err := w.repo.RetryJob(ctx, job.ID, execErr.Error(), retryAt); err != nil {
			return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
		}
		return nil
	}

	// Attempt budget exhausted: Failed, then exactly one dead letter entry.
	if err := w.repo.FailJob(ctx, job.ID, execErr.Error()); err != nil {
		return fmt.Errorf("failed to mark job %s as failed: %w", job.ID, err)
	}

	if w.deadLetters == nil {
		return nil
	}

	failed := *job
	failed.AttemptsMade = attempt
	failed.Status = StatusFailed
	if _, err := w.deadLetters.Record(ctx, &failed, execErr, attempt); err != nil {
		// The job stays Failed and visible; the entry can be recorded by a
		// later administrative sweep.
		return fmt.Errorf("failed to record dead letter entry for job %s: %w", job.ID, err)
	}

	if err := w.repo.MarkDeadLettered(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to mark job %s as dead lettered: %w", job.ID, err)
	}

	w.logger.Warn("job moved to dead letter store",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.Int("attempts", int(attempt)))

	return nil
}

func (w *Worker) handleSuccess(job *Job, duration time.Duration) error {
	if err := w.repo.CompleteJob(w.ackCtx(), job.ID); err != nil {
		return fmt.Errorf("failed to mark job %s as completed: %w", job.ID, err)
	}

	w.logger.Info("job completed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.String("queue", job.Queue),
		slog.Duration("duration", duration))

	return nil
}
