package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fanvote/notifier/pkg/email"
	"github.com/fanvote/notifier/pkg/queue"
)

// DefaultSendGap is the minimum interval between two provider deliveries.
const DefaultSendGap = 3 * time.Second

// Dispatcher is the queue handler for notification jobs. It renders the
// payload for the job's kind and hands the document to the delivery
// transport, pacing sends so the provider sees at most one delivery per
// configured gap regardless of worker concurrency.
type Dispatcher struct {
	sender   email.Sender
	renderer Renderer
	limiter  *rate.Limiter
	sendMu   sync.Mutex
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher delivering through sender.
func NewDispatcher(sender email.Sender, renderer Renderer, opts ...DispatcherOption) (*Dispatcher, error) {
	if sender == nil {
		return nil, ErrSenderNil
	}
	if renderer == nil {
		return nil, ErrRendererNil
	}

	options := &dispatcherOptions{
		sendGap: DefaultSendGap,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Dispatcher{
		sender:   sender,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Every(options.sendGap), 1),
		logger:   options.logger,
	}, nil
}

// Handle implements queue.Handler. Errors are returned to the worker,
// which owns the retry policy; the dispatcher never retries on its own.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	kind := Kind(job.Kind)
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}

	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal %q payload: %w", job.Kind, err)
	}
	if payload.Recipient == "" {
		return ErrMissingRecipient
	}

	doc, err := d.renderer.Render(kind, payload)
	if err != nil {
		return fmt.Errorf("failed to render %q notification: %w", job.Kind, err)
	}

	// Serialize the gate so concurrent handler goroutines queue up behind
	// one limiter wait instead of racing the same token.
	d.sendMu.Lock()
	err = d.limiter.Wait(ctx)
	d.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("delivery pacing interrupted: %w", err)
	}

	if err := d.sender.Send(ctx, email.Message{
		To:       payload.Recipient,
		Subject:  doc.Subject,
		BodyHTML: doc.BodyHTML,
		Tag:      job.Kind,
	}); err != nil {
		return fmt.Errorf("failed to deliver %q to %s: %w", job.Kind, payload.Recipient, err)
	}

	d.logger.Debug("notification delivered",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.String("recipient", payload.Recipient))

	return nil
}

// NewWorker creates the worker consuming the notification queue with d as
// its handler.
func NewWorker(repo queue.WorkerRepository, d *Dispatcher, opts ...queue.WorkerOption) (*queue.Worker, error) {
	workerOpts := append([]queue.WorkerOption{
		queue.WithWorkerQueue(queue.DefaultQueueName),
	}, opts...)

	return queue.NewWorker(repo, d, workerOpts...)
}
