package sendtime_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvote/notifier/pkg/sendtime"
)

// 2026-08-25 is a Tuesday.
func tuesday(hour, minute int) time.Time {
	return time.Date(2026, time.August, 25, hour, minute, 0, 0, time.UTC)
}

func TestScheduler_NextSlot_DefaultTable(t *testing.T) {
	t.Parallel()

	s := sendtime.New()

	t.Run("before first slot picks first slot today", func(t *testing.T) {
		t.Parallel()
		next := s.NextSlot(tuesday(8, 0))
		assert.Equal(t, tuesday(10, 0), next)
	})

	t.Run("between slots picks the next one", func(t *testing.T) {
		t.Parallel()
		next := s.NextSlot(tuesday(11, 30))
		assert.Equal(t, tuesday(14, 0), next)
	})

	t.Run("exactly at a slot moves to the next", func(t *testing.T) {
		t.Parallel()
		next := s.NextSlot(tuesday(14, 0))
		assert.Equal(t, tuesday(18, 0), next)
	})

	t.Run("after last slot rolls to tomorrow", func(t *testing.T) {
		t.Parallel()
		next := s.NextSlot(tuesday(19, 0))
		wednesday := tuesday(10, 0).AddDate(0, 0, 1)
		assert.Equal(t, wednesday, next)
	})

	t.Run("friday evening rolls over the weekend", func(t *testing.T) {
		t.Parallel()
		friday := time.Date(2026, time.August, 28, 20, 0, 0, 0, time.UTC)
		require.Equal(t, time.Friday, friday.Weekday())

		next := s.NextSlot(friday)
		monday := time.Date(2026, time.August, 31, 10, 0, 0, 0, time.UTC)
		require.Equal(t, time.Monday, monday.Weekday())
		assert.Equal(t, monday, next)
	})

	t.Run("saturday lands on monday morning", func(t *testing.T) {
		t.Parallel()
		saturday := time.Date(2026, time.August, 29, 12, 0, 0, 0, time.UTC)
		require.Equal(t, time.Saturday, saturday.Weekday())

		next := s.NextSlot(saturday)
		assert.Equal(t, time.Monday, next.Weekday())
		assert.Equal(t, 10, next.Hour())
	})
}

func TestScheduler_NextSlot_CustomTable(t *testing.T) {
	t.Parallel()

	s := sendtime.New(sendtime.WithTable(sendtime.Table{
		time.Tuesday: {{Hour: 16, Minute: 0}, {Hour: 10, Minute: 0}},
	}))

	t.Run("slots are considered in time order regardless of table order", func(t *testing.T) {
		t.Parallel()
		next := s.NextSlot(tuesday(9, 30))
		assert.Equal(t, tuesday(10, 0), next)
	})

	t.Run("single-day table wraps a full week", func(t *testing.T) {
		t.Parallel()
		next := s.NextSlot(tuesday(17, 0))
		assert.Equal(t, tuesday(10, 0).AddDate(0, 0, 7), next)
	})
}

func TestScheduler_NextSlot_EmptyTableFallback(t *testing.T) {
	t.Parallel()

	s := sendtime.New(sendtime.WithTable(sendtime.Table{}))

	next := s.NextSlot(tuesday(12, 0))
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 10, next.Hour())
	assert.True(t, next.After(tuesday(12, 0)))
}

func TestScheduler_DelayUntil(t *testing.T) {
	t.Parallel()

	s := sendtime.New()

	now := tuesday(9, 0)
	assert.Equal(t, time.Hour, s.DelayUntil(now))
}
