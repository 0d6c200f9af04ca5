package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fanvote/notifier/pkg/bus"
	"github.com/fanvote/notifier/pkg/queue"
	"github.com/fanvote/notifier/pkg/sendtime"
)

// Service is the typed facade over the notification queue. Application code
// calls its Queue* methods instead of touching the enqueuer, so every
// notification carries a known kind and the priority policy for that kind.
type Service struct {
	enq    *queue.Enqueuer
	bus    *bus.Bus
	slots  *sendtime.Scheduler
	logger *slog.Logger
}

// NewService creates the notification service. The bus is optional; when
// nil, Announce becomes a no-op.
func NewService(repo queue.EnqueuerRepository, b *bus.Bus, opts ...ServiceOption) (*Service, error) {
	options := &serviceOptions{
		slots:  sendtime.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	enq, err := queue.NewEnqueuer(repo, Kinds(),
		queue.WithDefaultQueue(queue.DefaultQueueName),
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		enq:    enq,
		bus:    b,
		slots:  options.slots,
		logger: options.logger,
	}, nil
}

// SendOption adjusts how a single notification is queued.
type SendOption func(*sendOptions)

type sendOptions struct {
	atBestTime bool
	priority   *queue.Priority
}

// AtBestTime delays the notification until the next configured delivery
// slot instead of sending immediately.
func AtBestTime() SendOption {
	return func(o *sendOptions) { o.atBestTime = true }
}

// WithSendPriority overrides the kind's default priority.
func WithSendPriority(p queue.Priority) SendOption {
	return func(o *sendOptions) { o.priority = &p }
}

// QueueVoteConfirmation queues the receipt sent right after a vote lands.
func (s *Service) QueueVoteConfirmation(ctx context.Context, recipient string, data map[string]any, opts ...SendOption) (uuid.UUID, error) {
	return s.queueOne(ctx, KindVoteConfirmation, recipient, data, opts...)
}

// QueueProgressUpdate queues a periodic vote-count digest for a supporter.
func (s *Service) QueueProgressUpdate(ctx context.Context, recipient string, data map[string]any, opts ...SendOption) (uuid.UUID, error) {
	return s.queueOne(ctx, KindProgressUpdate, recipient, data, opts...)
}

// QueueRankUpdate queues a rank-change alert for every supporter at once.
// Returns the job IDs in recipient order.
func (s *Service) QueueRankUpdate(ctx context.Context, recipients []string, data map[string]any, opts ...SendOption) ([]uuid.UUID, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	payloads := make([]any, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient == "" {
			return nil, ErrMissingRecipient
		}
		payloads = append(payloads, Payload{Recipient: recipient, Data: data})
	}

	ids, err := s.enq.EnqueueBulk(ctx, string(KindRankUpdate), payloads,
		s.enqueueOptions(KindRankUpdate, opts...)...)
	if err != nil {
		return ids, err
	}

	s.logger.Info("rank update queued",
		slog.Int("recipients", len(recipients)),
		slog.Int("queued", len(ids)))

	return ids, nil
}

// QueueRewardDelivery queues the notification that a reward was earned.
func (s *Service) QueueRewardDelivery(ctx context.Context, recipient string, data map[string]any, opts ...SendOption) (uuid.UUID, error) {
	return s.queueOne(ctx, KindRewardDelivery, recipient, data, opts...)
}

// QueueReferralJoin queues the notification that a referred friend signed up.
func (s *Service) QueueReferralJoin(ctx context.Context, recipient string, data map[string]any, opts ...SendOption) (uuid.UUID, error) {
	return s.queueOne(ctx, KindReferralJoin, recipient, data, opts...)
}

// QueueReferralMilestone queues the notification that a referral milestone
// was crossed.
func (s *Service) QueueReferralMilestone(ctx context.Context, recipient string, data map[string]any, opts ...SendOption) (uuid.UUID, error) {
	return s.queueOne(ctx, KindReferralMilestone, recipient, data, opts...)
}

// Announce publishes a side-channel event about notification activity.
// Best effort: a publish failure is logged and swallowed, never propagated
// into the caller's flow.
func (s *Service) Announce(ctx context.Context, topic string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, topic, data); err != nil {
		s.logger.Warn("failed to announce notification event",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}
}

func (s *Service) queueOne(ctx context.Context, kind Kind, recipient string, data map[string]any, opts ...SendOption) (uuid.UUID, error) {
	if recipient == "" {
		return uuid.Nil, ErrMissingRecipient
	}

	id, err := s.enq.Enqueue(ctx, string(kind),
		Payload{Recipient: recipient, Data: data},
		s.enqueueOptions(kind, opts...)...)
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Debug("notification queued",
		slog.String("job_id", id.String()),
		slog.String("kind", string(kind)))

	return id, nil
}

func (s *Service) enqueueOptions(kind Kind, opts ...SendOption) []queue.EnqueueOption {
	options := &sendOptions{}
	for _, opt := range opts {
		opt(options)
	}

	priority := kind.DefaultPriority()
	if options.priority != nil {
		priority = *options.priority
	}

	queueOpts := []queue.EnqueueOption{queue.WithPriority(priority)}
	if options.atBestTime {
		queueOpts = append(queueOpts, queue.WithNotBefore(s.slots.NextSlot(time.Now())))
	}

	return queueOpts
}
