package queue

import "time"

// EnqueuerOption is a functional option for configuring an Enqueuer
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	defaultQueue    string
	defaultPriority Priority
}

// WithDefaultQueue sets the queue jobs are enqueued to by default
func WithDefaultQueue(queue string) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if queue != "" {
			o.defaultQueue = queue
		}
	}
}

// WithDefaultPriority sets the default priority for enqueued jobs
func WithDefaultPriority(priority Priority) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if priority.Valid() {
			o.defaultPriority = priority
		}
	}
}

// EnqueueOption is a functional option for a single Enqueue call
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue       string
	priority    Priority
	maxAttempts int8
	backoffBase time.Duration
	delay       time.Duration
	notBefore   *time.Time
}

// WithQueue overrides the queue for this job
func WithQueue(queue string) EnqueueOption {
	return func(o *enqueueOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithPriority sets the priority ordinal for this job
func WithPriority(priority Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithMaxAttempts sets the attempt budget (1-10).
// Capped at 10 to prevent unbounded retry loops on persistent failures.
func WithMaxAttempts(n int8) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 1 && n <= 10 {
			o.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the base delay of the exponential retry backoff
func WithBackoffBase(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.backoffBase = d
		}
	}
}

// WithDelay makes the job eligible for dequeue only after the given
// duration has elapsed
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithNotBefore makes the job eligible for dequeue only at the given time.
// A time in the past is treated as "ready now".
func WithNotBefore(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.notBefore = &t
	}
}
