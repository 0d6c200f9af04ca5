package queue

import "errors"

// Common errors
var (
	// ErrRepositoryNil is returned when a nil repository is provided
	ErrRepositoryNil = errors.New("repository cannot be nil")

	// ErrHandlerNil is returned when a worker is created without a handler
	ErrHandlerNil = errors.New("handler cannot be nil")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrUnknownJobKind is returned when enqueueing a kind the queue was not
	// configured to accept; the job never enters the queue
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrInvalidPriority is returned when priority is outside the 1-4 range
	ErrInvalidPriority = errors.New("priority must be between Critical (1) and Low (4)")

	// ErrNoJobsToEnqueue is returned when bulk enqueue is called with no payloads
	ErrNoJobsToEnqueue = errors.New("no payloads to enqueue")

	// ErrNoJobToClaim is returned by storage when no eligible job exists
	ErrNoJobToClaim = errors.New("no job available to claim")

	// ErrJobNotFound is returned when a job ID does not exist in storage
	ErrJobNotFound = errors.New("job not found")

	// ErrQueuePaused is returned when claiming from a paused queue
	ErrQueuePaused = errors.New("queue is paused")

	// ErrJobNotActive is returned when completing or failing a job that is
	// not currently claimed
	ErrJobNotActive = errors.New("job is not in active state")
)
