package queue

import "context"

// AdminRepository defines the operator surface of a queue storage.
// Clear is destructive: it drains waiting, delayed, completed, and failed
// state without touching jobs currently claimed by a worker.
type AdminRepository interface {
	Stats(ctx context.Context, queue string) (Stats, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Clear(ctx context.Context, queue string) error
}

// Storage is the full contract a queue backend satisfies. The pipeline
// itself depends only on the narrower per-consumer interfaces; this exists
// for wiring code that needs one value implementing all of them.
type Storage interface {
	EnqueuerRepository
	WorkerRepository
	DeadLetterRepository
	AdminRepository
}
