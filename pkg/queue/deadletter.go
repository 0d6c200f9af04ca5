package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DeadLetterRepository defines the interface for dead letter persistence.
type DeadLetterRepository interface {
	CreateEntry(ctx context.Context, entry *DeadLetterEntry) error
	ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
}

// DeadLetterFilter narrows a List call. Zero values match everything.
type DeadLetterFilter struct {
	Queue string
	Kind  string
	Since time.Time
	Limit int
}

// DeadLetterStore is the append-only record of jobs that exhausted their
// retry budget. Entries are only ever consumed by manual or administrative
// review; nothing in the pipeline reads them back automatically. This keeps
// systemic failures visible instead of silently retried or dropped.
type DeadLetterStore struct {
	repo   DeadLetterRepository
	logger *slog.Logger
}

// NewDeadLetterStore creates a dead letter store over the given repository.
func NewDeadLetterStore(repo DeadLetterRepository, logger *slog.Logger) (*DeadLetterStore, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterStore{repo: repo, logger: logger}, nil
}

// Record appends a terminal failure entry for the given job snapshot.
// Called exactly once per job that exhausts its attempts.
func (s *DeadLetterStore) Record(ctx context.Context, job *Job, cause error, attempts int8) (uuid.UUID, error) {
	if job == nil {
		return uuid.Nil, ErrJobNotFound
	}

	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	entry := &DeadLetterEntry{
		ID:           uuid.New(),
		Job:          *job,
		Error:        msg,
		AttemptsMade: attempts,
		FailedAt:     time.Now(),
	}

	if err := s.repo.CreateEntry(ctx, entry); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record dead letter entry for job %s: %w", job.ID, err)
	}

	s.logger.Warn("dead letter entry recorded",
		slog.String("entry_id", entry.ID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.Int("attempts", int(attempts)),
		slog.String("error", msg))

	return entry.ID, nil
}

// List returns entries matching the filter, newest first.
func (s *DeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	return s.repo.ListEntries(ctx, filter)
}
