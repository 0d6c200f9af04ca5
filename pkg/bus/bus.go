// Package bus is a topic-based publish/subscribe broker. Publishing writes
// an event job to its own durable queue; the event worker dequeues and fans
// each event out to every handler registered for its topic. Subscribers are
// process-local and rebuilt at startup, so fan-out fidelity in a
// multi-process deployment depends on every consumer process registering
// the same handlers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fanvote/notifier/pkg/queue"
)

// EventQueueName is the durable queue carrying event jobs, separate from
// the notification queue so event fan-out never competes with deliveries.
const EventQueueName = "events"

// EventJobKind is the single job kind the event queue accepts.
const EventJobKind = "bus.event"

// DefaultEventConcurrency bounds how many event jobs the event worker
// processes at once.
const DefaultEventConcurrency = 3

// Event is a topic-tagged business occurrence. Ephemeral once every
// subscriber handler has run for it; events are not replayed.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	Topic       string         `json:"topic"`
	Data        map[string]any `json:"data"`
	PublishedAt time.Time      `json:"published_at"`
}

// Handler consumes one event. Handlers must be idempotent: if any handler
// for a topic fails, the whole event job is retried and every handler runs
// again.
type Handler func(ctx context.Context, event Event) error

// Stats counts bus activity since process start.
type Stats struct {
	Published       int64 `json:"published"`
	Processed       int64 `json:"processed"`
	HandlerFailures int64 `json:"handler_failures"`
}

// Bus is the named-topic broker plus the in-process subscriber registry.
// Construct one per process at startup and pass it by reference; the
// registry is not persisted and is rebuilt on restart.
type Bus struct {
	enq    *queue.Enqueuer
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]Handler

	published       atomic.Int64
	processed       atomic.Int64
	handlerFailures atomic.Int64
}

// New creates an event bus publishing to the given repository.
func New(repo queue.EnqueuerRepository, opts ...Option) (*Bus, error) {
	options := &busOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	enq, err := queue.NewEnqueuer(repo, []string{EventJobKind},
		queue.WithDefaultQueue(EventQueueName),
		queue.WithDefaultPriority(queue.PriorityNormal),
	)
	if err != nil {
		return nil, err
	}

	return &Bus{
		enq:    enq,
		logger: options.logger,
		subs:   make(map[string][]Handler),
	}, nil
}

// Publish writes the event to the durable event queue and returns once it
// is accepted, not once it is processed. Fire-and-forget from the caller's
// perspective.
func (b *Bus) Publish(ctx context.Context, topic string, data map[string]any) (uuid.UUID, error) {
	if topic == "" {
		return uuid.Nil, ErrEmptyTopic
	}

	event := Event{
		ID:          uuid.New(),
		Topic:       topic,
		Data:        data,
		PublishedAt: time.Now(),
	}

	if _, err := b.enq.Enqueue(ctx, EventJobKind, event); err != nil {
		return uuid.Nil, fmt.Errorf("failed to publish event on topic %q: %w", topic, err)
	}

	b.published.Add(1)

	b.logger.Debug("event published",
		slog.String("event_id", event.ID.String()),
		slog.String("topic", topic))

	return event.ID, nil
}

// Subscribe registers a handler for a topic. Registration is in-memory and
// per-process; re-registering at startup is the expected lifecycle.
func (b *Bus) Subscribe(topic string, handler Handler) {
	if topic == "" || handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Process implements the queue handler for event jobs: it fans the event
// out to all handlers registered for its topic. Handlers run concurrently
// and independently; one failing never prevents the others from running.
// If any handler failed, the event job as a whole is reported failed so
// the queue retries it.
func (b *Bus) Process(ctx context.Context, job *queue.Job) error {
	var event Event
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[event.Topic]))
	copy(handlers, b.subs[event.Topic])
	b.mu.RUnlock()

	// No subscribers is valid: a process may only publish.
	if len(handlers) == 0 {
		b.processed.Add(1)
		b.logger.Info("event has no subscribers",
			slog.String("event_id", event.ID.String()),
			slog.String("topic", event.Topic))
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, handler := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic in handler: %v", r)
				}
			}()
			errs[i] = handler(ctx, event)
		}()
	}
	wg.Wait()

	successCount, failCount := 0, 0
	var firstErr error
	for _, err := range errs {
		if err != nil {
			failCount++
			if firstErr == nil {
				firstErr = err
			}
		} else {
			successCount++
		}
	}

	b.processed.Add(1)
	b.handlerFailures.Add(int64(failCount))

	b.logger.Info("event processed",
		slog.String("event_id", event.ID.String()),
		slog.String("topic", event.Topic),
		slog.Int("success_count", successCount),
		slog.Int("fail_count", failCount))

	if failCount > 0 {
		return fmt.Errorf("%d of %d handlers failed for topic %q: %w",
			failCount, len(handlers), event.Topic, firstErr)
	}

	return nil
}

// Stats returns bus counters since process start.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		Processed:       b.processed.Load(),
		HandlerFailures: b.handlerFailures.Load(),
	}
}

// NewEventWorker creates the worker that consumes the event queue and
// drives fan-out, with a small fixed concurrency.
func NewEventWorker(repo queue.WorkerRepository, b *Bus, opts ...queue.WorkerOption) (*queue.Worker, error) {
	if b == nil {
		return nil, ErrBusNil
	}

	workerOpts := append([]queue.WorkerOption{
		queue.WithWorkerQueue(EventQueueName),
		queue.WithMaxConcurrentJobs(DefaultEventConcurrency),
	}, opts...)

	return queue.NewWorker(repo, queue.HandlerFunc(b.Process), workerOpts...)
}
