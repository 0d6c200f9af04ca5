package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is the queue used when no queue is specified.
const DefaultQueueName = "notifications"

// Default retry policy applied when enqueue options don't override it.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
)

// Priority orders jobs at dequeue time. Lower ordinal dequeues first,
// so a Critical job is always claimed before an eligible Low job.
type Priority int8

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4

	PriorityDefault = PriorityNormal
)

// Valid checks if the priority is within the closed range of ordinals.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Status represents the lifecycle state of a job.
//
// Transitions are monotonic per job:
//
//	Waiting/Delayed -> Active -> Completed
//	                          -> Waiting/Delayed (retry, attempts remain)
//	                          -> Failed -> DeadLettered
//
// Delayed is a sub-state of Waiting gated by NotBefore; both are eligible
// for claiming once NotBefore has passed.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusDelayed      Status = "delayed"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Job is a unit of deliverable work persisted by the queue.
// Priority and NotBefore are immutable after enqueue; AttemptsMade is
// incremented by the storage exactly once per delivery attempt.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Queue        string          `json:"queue"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     Priority        `json:"priority"`
	NotBefore    time.Time       `json:"not_before"`
	AttemptsMade int8            `json:"attempts_made"`
	MaxAttempts  int8            `json:"max_attempts"`
	BackoffBase  time.Duration   `json:"backoff_base"`
	Status       Status          `json:"status"`
	Seq          uint64          `json:"seq"`
	LastError    *string         `json:"last_error,omitempty"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	LockedBy     *uuid.UUID      `json:"locked_by,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DeadLetterEntry is the terminal failure record for a job that exhausted
// its attempt budget. Entries are append-only and never retried
// automatically; re-enqueueing is a deliberate administrative action.
type DeadLetterEntry struct {
	ID           uuid.UUID `json:"id"`
	Job          Job       `json:"job"`
	Error        string    `json:"error"`
	AttemptsMade int8      `json:"attempts_made"`
	FailedAt     time.Time `json:"failed_at"`
}

// Stats is a point-in-time snapshot of a single queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Backoff computes the delay before the next retry of a job.
// The delay doubles per attempt: base, 2*base, 4*base, ...
// attempt is 1-based (the attempt that just failed).
func Backoff(base time.Duration, attempt int8) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
