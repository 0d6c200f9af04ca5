// Package sendtime computes the next allowed delivery slot from a fixed
// weekly table. It backs the "send at the best time" enqueue path; the
// "send immediately" path bypasses it entirely.
package sendtime

import (
	"slices"
	"time"
)

// Slot is a time of day a delivery window opens.
type Slot struct {
	Hour   int
	Minute int
}

// Table maps weekdays to their delivery slots. Days absent from the table
// have no slots; the current policy populates Monday through Friday only.
type Table map[time.Weekday][]Slot

// fallbackSlot fires when the table has no populated day at all, anchored
// to the next Monday so the result is deterministic rather than a spin.
var fallbackSlot = Slot{Hour: 10, Minute: 0}

// DefaultTable returns the production delivery policy: three weekday
// windows aligned with engagement peaks, no weekend sends.
func DefaultTable() Table {
	weekday := []Slot{
		{Hour: 10, Minute: 0},
		{Hour: 14, Minute: 0},
		{Hour: 18, Minute: 0},
	}
	return Table{
		time.Monday:    weekday,
		time.Tuesday:   weekday,
		time.Wednesday: weekday,
		time.Thursday:  weekday,
		time.Friday:    weekday,
	}
}

// Scheduler is a pure function of "now" and its static table.
type Scheduler struct {
	table Table
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTable overrides the default weekly table.
func WithTable(t Table) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.table = t
		}
	}
}

// New creates a send-time scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{table: DefaultTable()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextSlot returns the first slot strictly after now. It scans today's
// remaining slots, then walks forward day by day wrapping the week; if no
// day within a full week has a slot, it falls back to next Monday's
// default slot rather than looping forever.
func (s *Scheduler) NextSlot(now time.Time) time.Time {
	if slots := s.sortedSlots(now.Weekday()); len(slots) > 0 {
		for _, slot := range slots {
			at := slot.on(now)
			if at.After(now) {
				return at
			}
		}
	}

	for days := 1; days <= 7; days++ {
		day := now.AddDate(0, 0, days)
		if slots := s.sortedSlots(day.Weekday()); len(slots) > 0 {
			return slots[0].on(day)
		}
	}

	return fallbackSlot.on(nextMonday(now))
}

// DelayUntil returns how long from now until the next slot.
func (s *Scheduler) DelayUntil(now time.Time) time.Duration {
	return s.NextSlot(now).Sub(now)
}

func (s *Scheduler) sortedSlots(day time.Weekday) []Slot {
	slots := slices.Clone(s.table[day])
	slices.SortFunc(slots, func(a, b Slot) int {
		if a.Hour != b.Hour {
			return a.Hour - b.Hour
		}
		return a.Minute - b.Minute
	})
	return slots
}

// on anchors the slot to the date of day, in day's location.
func (sl Slot) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), sl.Hour, sl.Minute, 0, 0, day.Location())
}

func nextMonday(now time.Time) time.Time {
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.AddDate(0, 0, days)
}
