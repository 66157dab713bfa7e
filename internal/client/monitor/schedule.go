package monitor

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// schedule tracks the due time of every entry waiting for an outbound sync.
//
// A change pushes the due time back to now+min, so a burst of edits ends up
// in a single sync. The push is skipped once it would land max or more after
// the first change, which bounds how long an entry under continuous editing
// stays unsynced.
type schedule struct {
	minWait time.Duration
	maxWait time.Duration

	entries map[uuid.UUID]scheduled
}

type scheduled struct {
	since time.Time
	due   time.Time
}

func newSchedule(minWait, maxWait time.Duration) *schedule {
	return &schedule{minWait: minWait, maxWait: maxWait, entries: map[uuid.UUID]scheduled{}}
}

func (s *schedule) touch(id uuid.UUID, now time.Time) {
	due := now.Add(s.minWait)
	e, ok := s.entries[id]
	if !ok {
		s.entries[id] = scheduled{since: now, due: due}
		return
	}
	if due.Sub(e.since) < s.maxWait {
		e.due = due
		s.entries[id] = e
	}
}

func (s *schedule) len() int { return len(s.entries) }

// next returns the earliest due time, false when nothing is scheduled.
func (s *schedule) next() (time.Time, bool) {
	var earliest time.Time
	for _, e := range s.entries {
		if earliest.IsZero() || e.due.Before(earliest) {
			earliest = e.due
		}
	}
	return earliest, !earliest.IsZero()
}

// popDue removes and returns the entries due at now, earliest first.
func (s *schedule) popDue(now time.Time) []uuid.UUID {
	var due []uuid.UUID
	for id, e := range s.entries {
		if !e.due.After(now) {
			due = append(due, id)
		}
	}
	slices.SortFunc(due, func(a, b uuid.UUID) int {
		if c := s.entries[a].due.Compare(s.entries[b].due); c != 0 {
			return c
		}
		return slices.Compare(a[:], b[:])
	})
	for _, id := range due {
		delete(s.entries, id)
	}
	return due
}
