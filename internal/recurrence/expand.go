package recurrence

import (
	"time"

	"github.com/chimeapp/chime/internal/model"
)

// Safety limit so a bad rule can never spin a tick forever.
const maxIterations = 1000

// Expand returns the concrete occurrence times of a reminder inside the
// half-open window [rangeStart, rangeEnd). Non-recurring reminders yield
// their single event time if it falls in range. Series reminders without a
// stored rule yield nothing here; their occurrences come from the upcoming
// events source instead.
//
// Expand is pure: the scheduler calls it every tick without accumulating
// state.
func Expand(r *model.Reminder, rangeStart, rangeEnd time.Time) []time.Time {
	if !rangeEnd.After(rangeStart) {
		return nil
	}

	if !r.HasRule() {
		if r.Scope == model.ScopeSeries || r.EventMs <= 0 {
			return nil
		}
		t := time.UnixMilli(r.EventMs)
		if !t.Before(rangeStart) && t.Before(rangeEnd) {
			return []time.Time{t}
		}
		return nil
	}

	if r.Recurrence.BaseMs <= 0 {
		return nil
	}

	// Step in the reminder's own timezone so occurrences keep their local
	// wall-clock time across DST shifts.
	base := time.UnixMilli(r.Recurrence.BaseMs).In(r.Location())
	it := newIterator(r.Recurrence.Interval, base)
	it.skipTo(rangeStart)

	var results []time.Time
	for i := 0; i < maxIterations; i++ {
		t := it.next()
		if t.IsZero() || !t.Before(rangeEnd) {
			break
		}
		if !t.Before(rangeStart) {
			results = append(results, t)
		}
	}
	return results
}

type iterator struct {
	interval model.Interval
	base     time.Time
	n        int
	started  bool
}

func newIterator(interval model.Interval, base time.Time) *iterator {
	return &iterator{interval: interval, base: base}
}

// next returns the following occurrence, skipping steps that don't exist
// on the calendar (a monthly rule anchored on the 31st skips 30-day
// months; a yearly Feb 29 rule skips non-leap years).
func (it *iterator) next() time.Time {
	for i := 0; i < 48; i++ {
		if it.started {
			it.n++
		} else {
			it.started = true
		}
		if t, ok := it.at(it.n); ok {
			return t
		}
	}
	return time.Time{}
}

// at computes the nth occurrence after the base, or reports that the nth
// step lands on a nonexistent calendar day.
func (it *iterator) at(n int) (time.Time, bool) {
	b := it.base
	switch it.interval {
	case model.IntervalDaily:
		return b.AddDate(0, 0, n), true
	case model.IntervalWeekly:
		return b.AddDate(0, 0, 7*n), true
	case model.IntervalBiweekly:
		return b.AddDate(0, 0, 14*n), true
	case model.IntervalMonthly:
		// Anchor on the first of the month so AddDate never normalizes
		// past the target month, then restore the base's day.
		year, month, _ := b.AddDate(0, n, 1-b.Day()).Date()
		if b.Day() > daysInMonth(year, month) {
			return time.Time{}, false
		}
		return time.Date(year, month, b.Day(), b.Hour(), b.Minute(), b.Second(), 0, b.Location()), true
	case model.IntervalYearly:
		t := time.Date(b.Year()+n, b.Month(), b.Day(), b.Hour(), b.Minute(), b.Second(), 0, b.Location())
		if t.Day() != b.Day() {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// skipTo jumps the iterator close to rangeStart without walking every
// intermediate occurrence, so old base timestamps stay cheap to expand.
// It always lands at or before the first in-range occurrence; Expand
// discards anything still out of range.
func (it *iterator) skipTo(rangeStart time.Time) {
	if !it.base.Before(rangeStart) {
		return
	}
	gap := rangeStart.Sub(it.base)

	var n int
	switch it.interval {
	case model.IntervalDaily:
		n = int(gap/(24*time.Hour)) - 1
	case model.IntervalWeekly:
		n = int(gap/(7*24*time.Hour)) - 1
	case model.IntervalBiweekly:
		n = int(gap/(14*24*time.Hour)) - 1
	case model.IntervalMonthly:
		n = int(gap/(32*24*time.Hour)) - 1
	case model.IntervalYearly:
		n = int(gap/(366*24*time.Hour)) - 1
	}
	if n > 0 {
		it.n = n
	}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
