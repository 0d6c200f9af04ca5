package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvote/notifier/pkg/queue"
)

func TestNewDeadLetterStore(t *testing.T) {
	t.Parallel()

	t.Run("nil repository error", func(t *testing.T) {
		t.Parallel()
		store, err := queue.NewDeadLetterStore(nil, nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, store)
	})

	t.Run("nil logger defaults", func(t *testing.T) {
		t.Parallel()
		store, err := queue.NewDeadLetterStore(&mockDeadLetterRepo{}, nil)
		require.NoError(t, err)
		require.NotNil(t, store)
	})
}

func TestDeadLetterStore_Record(t *testing.T) {
	t.Parallel()

	t.Run("records a terminal failure", func(t *testing.T) {
		t.Parallel()

		repo := &mockDeadLetterRepo{}
		store, err := queue.NewDeadLetterStore(repo, nil)
		require.NoError(t, err)

		job := activeJob(3)
		entryID, err := store.Record(context.Background(), job, errors.New("provider rejected"), 3)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, entryID)

		entries, err := store.List(context.Background(), queue.DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entryID, entries[0].ID)
		assert.Equal(t, job.ID, entries[0].Job.ID)
		assert.Equal(t, "provider rejected", entries[0].Error)
		assert.Equal(t, int8(3), entries[0].AttemptsMade)
		assert.False(t, entries[0].FailedAt.IsZero())
	})

	t.Run("nil job rejected", func(t *testing.T) {
		t.Parallel()

		store, err := queue.NewDeadLetterStore(&mockDeadLetterRepo{}, nil)
		require.NoError(t, err)

		_, err = store.Record(context.Background(), nil, errors.New("x"), 1)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})

	t.Run("nil cause gets placeholder", func(t *testing.T) {
		t.Parallel()

		repo := &mockDeadLetterRepo{}
		store, err := queue.NewDeadLetterStore(repo, nil)
		require.NoError(t, err)

		_, err = store.Record(context.Background(), activeJob(1), nil, 1)
		require.NoError(t, err)

		entries, err := store.List(context.Background(), queue.DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "unknown failure", entries[0].Error)
	})
}
