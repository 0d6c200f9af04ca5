package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvote/notifier/pkg/bus"
	"github.com/fanvote/notifier/pkg/queue"
)

type mockRepo struct {
	createFunc func(ctx context.Context, job *queue.Job) error
	jobs       []*queue.Job
}

func (m *mockRepo) CreateJob(ctx context.Context, job *queue.Job) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, job)
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func eventJob(t *testing.T, topic string, data map[string]any) *queue.Job {
	t.Helper()

	event := bus.Event{
		ID:          uuid.New(),
		Topic:       topic,
		Data:        data,
		PublishedAt: time.Now(),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	return &queue.Job{
		ID:          uuid.New(),
		Queue:       bus.EventQueueName,
		Kind:        bus.EventJobKind,
		Payload:     payload,
		Priority:    queue.PriorityNormal,
		NotBefore:   time.Now(),
		MaxAttempts: 3,
		Status:      queue.StatusActive,
		CreatedAt:   time.Now(),
	}
}

func TestBus_Publish(t *testing.T) {
	t.Parallel()

	t.Run("enqueues a durable event job", func(t *testing.T) {
		t.Parallel()

		repo := &mockRepo{}
		b, err := bus.New(repo)
		require.NoError(t, err)

		eventID, err := b.Publish(context.Background(), "vote.created", map[string]any{"vote_id": "v1"})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, eventID)

		require.Len(t, repo.jobs, 1)
		job := repo.jobs[0]
		assert.Equal(t, bus.EventQueueName, job.Queue)
		assert.Equal(t, bus.EventJobKind, job.Kind)

		var event bus.Event
		require.NoError(t, json.Unmarshal(job.Payload, &event))
		assert.Equal(t, eventID, event.ID)
		assert.Equal(t, "vote.created", event.Topic)
		assert.Equal(t, "v1", event.Data["vote_id"])
		assert.False(t, event.PublishedAt.IsZero())
	})

	t.Run("empty topic rejected", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		_, err = b.Publish(context.Background(), "", nil)
		assert.ErrorIs(t, err, bus.ErrEmptyTopic)
	})

	t.Run("storage error propagated", func(t *testing.T) {
		t.Parallel()

		repoErr := errors.New("storage down")
		b, err := bus.New(&mockRepo{
			createFunc: func(ctx context.Context, job *queue.Job) error { return repoErr },
		})
		require.NoError(t, err)

		_, err = b.Publish(context.Background(), "vote.created", nil)
		assert.ErrorIs(t, err, repoErr)

		stats := b.Stats()
		assert.Equal(t, int64(0), stats.Published)
	})
}

func TestBus_Process_FanOut(t *testing.T) {
	t.Parallel()

	t.Run("all handlers run even when one fails", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		var first, second, third atomic.Int32
		handlerErr := errors.New("handler two broke")

		b.Subscribe("vote.created", func(ctx context.Context, event bus.Event) error {
			first.Add(1)
			return nil
		})
		b.Subscribe("vote.created", func(ctx context.Context, event bus.Event) error {
			second.Add(1)
			return handlerErr
		})
		b.Subscribe("vote.created", func(ctx context.Context, event bus.Event) error {
			third.Add(1)
			return nil
		})

		err = b.Process(context.Background(), eventJob(t, "vote.created", nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, handlerErr)
		assert.Contains(t, err.Error(), "1 of 3 handlers failed")

		// One failure never prevents the others from running.
		assert.Equal(t, int32(1), first.Load())
		assert.Equal(t, int32(1), second.Load())
		assert.Equal(t, int32(1), third.Load())

		stats := b.Stats()
		assert.Equal(t, int64(1), stats.Processed)
		assert.Equal(t, int64(1), stats.HandlerFailures)
	})

	t.Run("all handlers succeed", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		var calls atomic.Int32
		b.Subscribe("reward.earned", func(ctx context.Context, event bus.Event) error {
			calls.Add(1)
			return nil
		})
		b.Subscribe("reward.earned", func(ctx context.Context, event bus.Event) error {
			calls.Add(1)
			return nil
		})

		err = b.Process(context.Background(), eventJob(t, "reward.earned", map[string]any{"reward": "badge"}))
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("no subscribers is success", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		err = b.Process(context.Background(), eventJob(t, "nobody.listens", nil))
		require.NoError(t, err)

		stats := b.Stats()
		assert.Equal(t, int64(1), stats.Processed)
	})

	t.Run("handler panic counts as failure", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		var other atomic.Int32
		b.Subscribe("vote.created", func(ctx context.Context, event bus.Event) error {
			panic("handler bug")
		})
		b.Subscribe("vote.created", func(ctx context.Context, event bus.Event) error {
			other.Add(1)
			return nil
		})

		err = b.Process(context.Background(), eventJob(t, "vote.created", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic in handler")
		assert.Equal(t, int32(1), other.Load())
	})

	t.Run("handlers only see their topic", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		var votes, rewards atomic.Int32
		b.Subscribe("vote.created", func(ctx context.Context, event bus.Event) error {
			votes.Add(1)
			return nil
		})
		b.Subscribe("reward.earned", func(ctx context.Context, event bus.Event) error {
			rewards.Add(1)
			return nil
		})

		require.NoError(t, b.Process(context.Background(), eventJob(t, "vote.created", nil)))
		assert.Equal(t, int32(1), votes.Load())
		assert.Equal(t, int32(0), rewards.Load())
	})

	t.Run("malformed payload fails", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		job := eventJob(t, "vote.created", nil)
		job.Payload = []byte("not json")

		err = b.Process(context.Background(), job)
		assert.Error(t, err)
	})
}

func TestBus_Subscribe_IgnoresInvalid(t *testing.T) {
	t.Parallel()

	b, err := bus.New(&mockRepo{})
	require.NoError(t, err)

	b.Subscribe("", func(ctx context.Context, event bus.Event) error { return nil })
	b.Subscribe("topic", nil)

	require.NoError(t, b.Process(context.Background(), eventJob(t, "topic", nil)))
}

func TestNewEventWorker(t *testing.T) {
	t.Parallel()

	t.Run("nil bus error", func(t *testing.T) {
		t.Parallel()
		w, err := bus.NewEventWorker(&mockWorkerRepoStub{}, nil)
		assert.ErrorIs(t, err, bus.ErrBusNil)
		assert.Nil(t, w)
	})

	t.Run("creates worker", func(t *testing.T) {
		t.Parallel()

		b, err := bus.New(&mockRepo{})
		require.NoError(t, err)

		w, err := bus.NewEventWorker(&mockWorkerRepoStub{}, b)
		require.NoError(t, err)
		require.NotNil(t, w)
	})
}

type mockWorkerRepoStub struct{}

func (m *mockWorkerRepoStub) ClaimJob(ctx context.Context, workerID uuid.UUID, queueName string, lockFor time.Duration) (*queue.Job, error) {
	return nil, queue.ErrNoJobToClaim
}
func (m *mockWorkerRepoStub) CompleteJob(ctx context.Context, jobID uuid.UUID) error { return nil }
func (m *mockWorkerRepoStub) RetryJob(ctx context.Context, jobID uuid.UUID, errMsg string, retryAt time.Time) error {
	return nil
}
func (m *mockWorkerRepoStub) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	return nil
}
func (m *mockWorkerRepoStub) MarkDeadLettered(ctx context.Context, jobID uuid.UUID) error {
	return nil
}
