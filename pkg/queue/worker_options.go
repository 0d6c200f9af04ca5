package queue

import (
	"log/slog"
	"time"
)

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	queue             string
	pullInterval      time.Duration
	lockTimeout       time.Duration
	maxConcurrentJobs int
	deadLetters       *DeadLetterStore
	logger            *slog.Logger
}

// WithWorkerQueue sets which queue the worker consumes
func WithWorkerQueue(queue string) WorkerOption {
	return func(o *workerOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithPullInterval sets how often the worker checks for eligible jobs
func WithPullInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pullInterval = d
		}
	}
}

// WithLockTimeout sets the claim lock duration; jobs still locked past this
// point are considered abandoned and become claimable again
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithMaxConcurrentJobs bounds how many jobs the worker processes at once
func WithMaxConcurrentJobs(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.maxConcurrentJobs = n
		}
	}
}

// WithDeadLetterStore sets the store receiving jobs that exhaust their
// attempt budget
func WithDeadLetterStore(s *DeadLetterStore) WorkerOption {
	return func(o *workerOptions) {
		o.deadLetters = s
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
