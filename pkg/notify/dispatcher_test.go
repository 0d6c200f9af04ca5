package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvote/notifier/pkg/email"
	"github.com/fanvote/notifier/pkg/notify"
	"github.com/fanvote/notifier/pkg/queue"
)

type mockSender struct {
	mu       sync.Mutex
	sendFunc func(ctx context.Context, msg email.Message) error
	messages []email.Message
	sentAt   []time.Time
}

func (m *mockSender) Send(ctx context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, msg)
	}
	m.messages = append(m.messages, msg)
	m.sentAt = append(m.sentAt, time.Now())
	return nil
}

func notificationJob(t *testing.T, kind notify.Kind, payload notify.Payload) *queue.Job {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return &queue.Job{
		ID:          uuid.New(),
		Queue:       queue.DefaultQueueName,
		Kind:        string(kind),
		Payload:     raw,
		Priority:    kind.DefaultPriority(),
		NotBefore:   time.Now(),
		MaxAttempts: 3,
		Status:      queue.StatusActive,
		CreatedAt:   time.Now(),
	}
}

func TestNewDispatcher(t *testing.T) {
	t.Parallel()

	renderer := notify.NewStaticRenderer("FanVote")

	t.Run("nil sender error", func(t *testing.T) {
		t.Parallel()
		d, err := notify.NewDispatcher(nil, renderer)
		assert.ErrorIs(t, err, notify.ErrSenderNil)
		assert.Nil(t, d)
	})

	t.Run("nil renderer error", func(t *testing.T) {
		t.Parallel()
		d, err := notify.NewDispatcher(&mockSender{}, nil)
		assert.ErrorIs(t, err, notify.ErrRendererNil)
		assert.Nil(t, d)
	})
}

func TestDispatcher_Handle(t *testing.T) {
	t.Parallel()

	t.Run("renders and delivers", func(t *testing.T) {
		t.Parallel()

		sender := &mockSender{}
		d, err := notify.NewDispatcher(sender, notify.NewStaticRenderer("FanVote"),
			notify.WithSendGap(time.Millisecond))
		require.NoError(t, err)

		job := notificationJob(t, notify.KindVoteConfirmation, notify.Payload{
			Recipient: "fan@example.com",
			Data:      map[string]any{"model_name": "Aurora"},
		})

		require.NoError(t, d.Handle(context.Background(), job))

		require.Len(t, sender.messages, 1)
		msg := sender.messages[0]
		assert.Equal(t, "fan@example.com", msg.To)
		assert.Contains(t, msg.Subject, "Aurora")
		assert.Contains(t, msg.BodyHTML, "Aurora")
		assert.Equal(t, string(notify.KindVoteConfirmation), msg.Tag)
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		t.Parallel()

		d, err := notify.NewDispatcher(&mockSender{}, notify.NewStaticRenderer(""),
			notify.WithSendGap(time.Millisecond))
		require.NoError(t, err)

		job := notificationJob(t, notify.KindVoteConfirmation, notify.Payload{Recipient: "a@b.co"})
		job.Kind = "not.a.kind"

		err = d.Handle(context.Background(), job)
		assert.ErrorIs(t, err, notify.ErrUnknownKind)
	})

	t.Run("missing recipient fails", func(t *testing.T) {
		t.Parallel()

		d, err := notify.NewDispatcher(&mockSender{}, notify.NewStaticRenderer(""),
			notify.WithSendGap(time.Millisecond))
		require.NoError(t, err)

		job := notificationJob(t, notify.KindRewardDelivery, notify.Payload{})

		err = d.Handle(context.Background(), job)
		assert.ErrorIs(t, err, notify.ErrMissingRecipient)
	})

	t.Run("malformed payload fails", func(t *testing.T) {
		t.Parallel()

		d, err := notify.NewDispatcher(&mockSender{}, notify.NewStaticRenderer(""),
			notify.WithSendGap(time.Millisecond))
		require.NoError(t, err)

		job := notificationJob(t, notify.KindRewardDelivery, notify.Payload{Recipient: "a@b.co"})
		job.Payload = []byte("not json")

		assert.Error(t, d.Handle(context.Background(), job))
	})

	t.Run("send error propagated for retry", func(t *testing.T) {
		t.Parallel()

		sendErr := errors.New("provider 500")
		sender := &mockSender{
			sendFunc: func(ctx context.Context, msg email.Message) error { return sendErr },
		}
		d, err := notify.NewDispatcher(sender, notify.NewStaticRenderer(""),
			notify.WithSendGap(time.Millisecond))
		require.NoError(t, err)

		job := notificationJob(t, notify.KindReferralJoin, notify.Payload{Recipient: "a@b.co"})

		err = d.Handle(context.Background(), job)
		assert.ErrorIs(t, err, sendErr)
	})
}

func TestDispatcher_PacesDeliveries(t *testing.T) {
	t.Parallel()

	const gap = 150 * time.Millisecond

	sender := &mockSender{}
	d, err := notify.NewDispatcher(sender, notify.NewStaticRenderer(""),
		notify.WithSendGap(gap))
	require.NoError(t, err)

	// Concurrent handler goroutines mimic a worker pool above 1.
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := notificationJob(t, notify.KindVoteConfirmation, notify.Payload{Recipient: "fan@example.com"})
			assert.NoError(t, d.Handle(context.Background(), job))
		}()
	}
	wg.Wait()

	require.Len(t, sender.sentAt, 3)
	times := append([]time.Time{}, sender.sentAt...)
	for i := 1; i < len(times); i++ {
		delta := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, delta, gap-20*time.Millisecond,
			"deliveries must be at least the send gap apart")
	}
}

func TestDispatcher_PacingHonorsContext(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	d, err := notify.NewDispatcher(sender, notify.NewStaticRenderer(""),
		notify.WithSendGap(time.Hour))
	require.NoError(t, err)

	// Burn the single burst token.
	first := notificationJob(t, notify.KindVoteConfirmation, notify.Payload{Recipient: "fan@example.com"})
	require.NoError(t, d.Handle(context.Background(), first))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	second := notificationJob(t, notify.KindVoteConfirmation, notify.Payload{Recipient: "fan@example.com"})
	err = d.Handle(ctx, second)
	assert.Error(t, err)
	assert.Len(t, sender.messages, 1)
}
