package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for job creation.
type EnqueuerRepository interface {
	CreateJob(ctx context.Context, job *Job) error
}

// Enqueuer validates and persists jobs. It is the only entry point for
// work into a queue: jobs of a kind the enqueuer was not configured with
// are rejected synchronously and never reach storage.
type Enqueuer struct {
	repo            EnqueuerRepository
	kinds           []string
	defaultQueue    string
	defaultPriority Priority
}

// NewEnqueuer creates a new Enqueuer accepting the given job kinds.
func NewEnqueuer(repo EnqueuerRepository, kinds []string, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: enqueuer requires at least one accepted kind", ErrUnknownJobKind)
	}

	options := &enqueuerOptions{
		defaultQueue:    DefaultQueueName,
		defaultPriority: PriorityDefault,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Enqueuer{
		repo:            repo,
		kinds:           slices.Clone(kinds),
		defaultQueue:    options.defaultQueue,
		defaultPriority: options.defaultPriority,
	}, nil
}

// Enqueue adds a single job to the queue and returns its ID.
// The returned ID is a handle for the accepted job, not a delivery receipt.
func (e *Enqueuer) Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	job, err := e.buildJob(kind, payload, time.Now(), opts...)
	if err != nil {
		return uuid.Nil, err
	}

	if err := e.repo.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create %q job in queue %q: %w", kind, job.Queue, err)
	}

	return job.ID, nil
}

// EnqueueBulk adds one job per payload, all sharing kind and options.
// Returns the IDs in payload order. The batch is not transactional: a
// storage failure mid-batch returns the IDs accepted so far with the error.
func (e *Enqueuer) EnqueueBulk(ctx context.Context, kind string, payloads []any, opts ...EnqueueOption) ([]uuid.UUID, error) {
	if len(payloads) == 0 {
		return nil, ErrNoJobsToEnqueue
	}

	now := time.Now()
	ids := make([]uuid.UUID, 0, len(payloads))
	for i, payload := range payloads {
		job, err := e.buildJob(kind, payload, now, opts...)
		if err != nil {
			return ids, fmt.Errorf("payload %d: %w", i, err)
		}
		if err := e.repo.CreateJob(ctx, job); err != nil {
			return ids, fmt.Errorf("payload %d: failed to create %q job: %w", i, kind, err)
		}
		ids = append(ids, job.ID)
	}

	return ids, nil
}

func (e *Enqueuer) buildJob(kind string, payload any, now time.Time, opts ...EnqueueOption) (*Job, error) {
	if !slices.Contains(e.kinds, kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
	if payload == nil {
		return nil, ErrPayloadNil
	}

	options := &enqueueOptions{
		queue:       e.defaultQueue,
		priority:    e.defaultPriority,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(options)
	}

	if !options.priority.Valid() {
		return nil, ErrInvalidPriority
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload of type %T: %w", payload, err)
	}

	// A NotBefore in the past means "ready now", never an error.
	notBefore := now
	status := StatusWaiting
	if options.notBefore != nil && options.notBefore.After(now) {
		notBefore = *options.notBefore
		status = StatusDelayed
	} else if options.delay > 0 {
		notBefore = now.Add(options.delay)
		status = StatusDelayed
	}

	return &Job{
		ID:          uuid.New(),
		Queue:       options.queue,
		Kind:        kind,
		Payload:     payloadBytes,
		Priority:    options.priority,
		NotBefore:   notBefore,
		MaxAttempts: options.maxAttempts,
		BackoffBase: options.backoffBase,
		Status:      status,
		CreatedAt:   now,
	}, nil
}
