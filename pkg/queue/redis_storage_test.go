package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvote/notifier/pkg/queue"
)

// claimScript answers redis commands in process so claim behavior under
// broker failures can be exercised without a server. Commands it does not
// script succeed with zero values.
type claimScript struct {
	mu sync.Mutex

	ready   []redis.Z
	jobJSON string
	loadErr error
	execErr error

	readds []readdCall
}

type readdCall struct {
	key    string
	member string
}

func (s *claimScript) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("no server behind this client")
	}
}

func (s *claimScript) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch cmd.Name() {
		case "exists":
			cmd.(*redis.IntCmd).SetVal(0)
		case "zrangebyscore":
			cmd.(*redis.StringSliceCmd).SetVal(nil)
		case "zpopmin":
			cmd.(*redis.ZSliceCmd).SetVal(s.ready)
			s.ready = nil
		case "get":
			if s.loadErr != nil {
				cmd.SetErr(s.loadErr)
				return s.loadErr
			}
			cmd.(*redis.StringCmd).SetVal(s.jobJSON)
		case "zadd":
			s.readds = append(s.readds, readdCall{
				key:    fmt.Sprint(cmd.Args()[1]),
				member: fmt.Sprint(cmd.Args()[3]),
			})
			cmd.(*redis.IntCmd).SetVal(1)
		}
		return nil
	}
}

func (s *claimScript) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.execErr != nil {
			for _, cmd := range cmds {
				cmd.SetErr(s.execErr)
			}
			return s.execErr
		}
		return nil
	}
}

func (s *claimScript) snapshotReadds() []readdCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]readdCall{}, s.readds...)
}

func newScriptedRedisStorage(t *testing.T, script *claimScript) *queue.RedisStorage {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	client.AddHook(script)

	storage, err := queue.NewRedisStorage(client)
	require.NoError(t, err)
	return storage
}

func TestRedisStorage_ClaimJob_RestoresReadyOnLoadFailure(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	script := &claimScript{
		ready:   []redis.Z{{Score: 42, Member: jobID.String()}},
		loadErr: errors.New("broker hiccup"),
	}
	storage := newScriptedRedisStorage(t, script)

	job, err := storage.ClaimJob(context.Background(), uuid.New(), "notifications", time.Minute)
	require.ErrorContains(t, err, "broker hiccup")
	assert.Nil(t, job)

	// The popped member must be back in the ready set, not lost in limbo.
	readds := script.snapshotReadds()
	require.Len(t, readds, 1)
	assert.Equal(t, "notifier:q:notifications:ready", readds[0].key)
	assert.Equal(t, jobID.String(), readds[0].member)
}

func TestRedisStorage_ClaimJob_RestoresReadyOnActivationFailure(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	record, err := json.Marshal(&queue.Job{
		ID:          jobID,
		Queue:       "notifications",
		Kind:        "test.job",
		Priority:    queue.PriorityNormal,
		Seq:         7,
		MaxAttempts: 3,
		Status:      queue.StatusWaiting,
	})
	require.NoError(t, err)

	script := &claimScript{
		ready:   []redis.Z{{Score: 42, Member: jobID.String()}},
		jobJSON: string(record),
		execErr: errors.New("connection reset"),
	}
	storage := newScriptedRedisStorage(t, script)

	job, err := storage.ClaimJob(context.Background(), uuid.New(), "notifications", time.Minute)
	require.ErrorContains(t, err, "connection reset")
	assert.Nil(t, job)

	readds := script.snapshotReadds()
	require.Len(t, readds, 1)
	assert.Equal(t, "notifier:q:notifications:ready", readds[0].key)
	assert.Equal(t, jobID.String(), readds[0].member)
}

func TestRedisStorage_ClaimJob_DropsStaleReadyEntry(t *testing.T) {
	t.Parallel()

	script := &claimScript{
		ready:   []redis.Z{{Score: 42, Member: uuid.New().String()}},
		loadErr: redis.Nil,
	}
	storage := newScriptedRedisStorage(t, script)

	// An index entry with no record behind it is garbage, not a claimable
	// job; it must not be re-added either.
	job, err := storage.ClaimJob(context.Background(), uuid.New(), "notifications", time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
	assert.Nil(t, job)
	assert.Empty(t, script.snapshotReadds())
}
