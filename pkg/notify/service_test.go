package notify_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvote/notifier/pkg/notify"
	"github.com/fanvote/notifier/pkg/queue"
	"github.com/fanvote/notifier/pkg/sendtime"
)

type captureRepo struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (c *captureRepo) CreateJob(ctx context.Context, job *queue.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureRepo) last(t *testing.T) *queue.Job {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.jobs)
	return c.jobs[len(c.jobs)-1]
}

func decodePayload(t *testing.T, job *queue.Job) notify.Payload {
	t.Helper()
	var payload notify.Payload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	return payload
}

func newTestService(t *testing.T, repo *captureRepo, opts ...notify.ServiceOption) *notify.Service {
	t.Helper()
	svc, err := notify.NewService(repo, nil, opts...)
	require.NoError(t, err)
	return svc
}

func TestService_QueueVoteConfirmation(t *testing.T) {
	t.Parallel()

	repo := &captureRepo{}
	svc := newTestService(t, repo)

	id, err := svc.QueueVoteConfirmation(context.Background(), "fan@example.com",
		map[string]any{"model_name": "Aurora"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	job := repo.last(t)
	assert.Equal(t, string(notify.KindVoteConfirmation), job.Kind)
	assert.Equal(t, queue.DefaultQueueName, job.Queue)
	assert.Equal(t, queue.PriorityNormal, job.Priority)
	assert.Equal(t, queue.StatusWaiting, job.Status)

	payload := decodePayload(t, job)
	assert.Equal(t, "fan@example.com", payload.Recipient)
	assert.Equal(t, "Aurora", payload.Data["model_name"])
}

func TestService_QueueOne_EmptyRecipient(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &captureRepo{})

	_, err := svc.QueueRewardDelivery(context.Background(), "", nil)
	assert.ErrorIs(t, err, notify.ErrMissingRecipient)
}

func TestService_PriorityPolicy(t *testing.T) {
	t.Parallel()

	repo := &captureRepo{}
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.QueueProgressUpdate(ctx, "fan@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityLow, repo.last(t).Priority)

	_, err = svc.QueueRewardDelivery(ctx, "fan@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityHigh, repo.last(t).Priority)

	_, err = svc.QueueReferralJoin(ctx, "fan@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityNormal, repo.last(t).Priority)

	_, err = svc.QueueReferralMilestone(ctx, "fan@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityHigh, repo.last(t).Priority)
}

func TestService_PriorityOverride(t *testing.T) {
	t.Parallel()

	repo := &captureRepo{}
	svc := newTestService(t, repo)

	_, err := svc.QueueProgressUpdate(context.Background(), "fan@example.com", nil,
		notify.WithSendPriority(queue.PriorityCritical))
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityCritical, repo.last(t).Priority)
}

func TestService_QueueRankUpdate(t *testing.T) {
	t.Parallel()

	t.Run("fans out to every supporter as critical", func(t *testing.T) {
		t.Parallel()

		repo := &captureRepo{}
		svc := newTestService(t, repo)

		recipients := []string{"a@example.com", "b@example.com", "c@example.com"}
		ids, err := svc.QueueRankUpdate(context.Background(), recipients,
			map[string]any{"model_name": "Aurora", "rank": 1})
		require.NoError(t, err)
		require.Len(t, ids, 3)

		repo.mu.Lock()
		defer repo.mu.Unlock()
		require.Len(t, repo.jobs, 3)
		for i, job := range repo.jobs {
			assert.Equal(t, ids[i], job.ID)
			assert.Equal(t, string(notify.KindRankUpdate), job.Kind)
			assert.Equal(t, queue.PriorityCritical, job.Priority)

			var payload notify.Payload
			require.NoError(t, json.Unmarshal(job.Payload, &payload))
			assert.Equal(t, recipients[i], payload.Recipient)
		}
	})

	t.Run("no recipients rejected", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, &captureRepo{})
		_, err := svc.QueueRankUpdate(context.Background(), nil, nil)
		assert.ErrorIs(t, err, notify.ErrNoRecipients)
	})

	t.Run("blank recipient rejected before enqueue", func(t *testing.T) {
		t.Parallel()

		repo := &captureRepo{}
		svc := newTestService(t, repo)

		_, err := svc.QueueRankUpdate(context.Background(), []string{"a@example.com", ""}, nil)
		assert.ErrorIs(t, err, notify.ErrMissingRecipient)

		repo.mu.Lock()
		defer repo.mu.Unlock()
		assert.Empty(t, repo.jobs)
	})
}

func TestService_AtBestTime(t *testing.T) {
	t.Parallel()

	repo := &captureRepo{}
	svc := newTestService(t, repo, notify.WithSendTimes(sendtime.New()))

	_, err := svc.QueueProgressUpdate(context.Background(), "fan@example.com", nil,
		notify.AtBestTime())
	require.NoError(t, err)

	job := repo.last(t)
	next := sendtime.New().NextSlot(time.Now())
	assert.Equal(t, queue.StatusDelayed, job.Status)
	assert.WithinDuration(t, next, job.NotBefore, 2*time.Second)
}

func TestService_Announce_NilBusIsNoOp(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &captureRepo{})

	// Must not panic or enqueue anything.
	svc.Announce(context.Background(), "notify.digest_sent", map[string]any{"count": 10})
}
