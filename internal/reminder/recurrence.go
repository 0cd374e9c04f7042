package reminder

import "time"

// NextFire computes the next fire instant for r, measured against the
// caller-supplied reference instant. It never reads the wall clock, so
// identical inputs always produce identical outputs.
//
// The snapshot is updated in place as a side effect of the computation:
// an elapsed snooze is cleared, a pending skip is consumed, and a countdown
// basis that has fallen behind is advanced by whole interval multiples
// (missed occurrences are folded into the basis rather than fired as a
// backlog). Callers persist the snapshot after a successful call.
//
// ok == false means the reminder must not be scheduled: disabled, invalid,
// or an exhausted one-time reminder.
func NextFire(r *Reminder, ref time.Time) (at time.Time, ok bool) {
	if r == nil || !r.Enabled {
		return time.Time{}, false
	}
	if r.Validate() != nil {
		// Defensive: invalid parameters degrade to "never fires".
		return time.Time{}, false
	}

	// Snooze always short-circuits the kind computation. It is a one-shot
	// override: once elapsed it is dropped, not re-applied.
	if r.SnoozeUntil != nil {
		if r.SnoozeUntil.After(ref) {
			return *r.SnoozeUntil, true
		}
		r.SnoozeUntil = nil
	}

	switch r.Kind {
	case KindCountdown:
		return nextCountdown(r, ref), true
	case KindWeekly:
		at := weeklyOccurrence(r.Weekly, ref)
		if r.SkipNext {
			r.SkipNext = false
			at = weeklyOccurrence(r.Weekly, at.Add(time.Minute))
		}
		return at, true
	case KindMonthly:
		at := monthlyOccurrence(r.Monthly, ref)
		if r.SkipNext {
			r.SkipNext = false
			at = monthlyOccurrence(r.Monthly, at.Add(time.Minute))
		}
		return at, true
	case KindOneTime:
		if r.OneTime.At.Before(ref) {
			return time.Time{}, false // exhausted
		}
		return r.OneTime.At, true
	}
	return time.Time{}, false
}

// nextCountdown returns basis+interval, catching the basis up by whole
// interval multiples when the result has already passed. The returned instant
// is strictly after ref.
func nextCountdown(r *Reminder, ref time.Time) time.Time {
	iv := r.Countdown.Interval
	next := r.Basis.Add(iv)
	if next.After(ref) {
		return next
	}
	missed := ref.Sub(r.Basis) / iv
	r.Basis = r.Basis.Add(missed * iv)
	next = r.Basis.Add(iv)
	if !next.After(ref) {
		// ref sat exactly on a multiple boundary.
		r.Basis = r.Basis.Add(iv)
		next = next.Add(iv)
	}
	return next
}

// weeklyOccurrence returns the earliest instant >= from whose weekday is in
// the set, at exactly the configured time of day (in from's location).
func weeklyOccurrence(w *Weekly, from time.Time) time.Time {
	base := time.Date(from.Year(), from.Month(), from.Day(), w.At.Hour, w.At.Minute, 0, 0, from.Location())
	for d := 0; d < 8; d++ {
		c := base.AddDate(0, 0, d)
		if w.Weekdays.Has(c.Weekday()) && !c.Before(from) {
			return c
		}
	}
	// Unreachable for a validated (non-empty) weekday set.
	return base.AddDate(0, 0, 7)
}

// monthlyOccurrence scans forward month by month for the first occurrence of
// the configured day (clamped to the month's length) at the configured time
// of day that is >= from.
func monthlyOccurrence(m *Monthly, from time.Time) time.Time {
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location())
	for i := 0; i < 48; i++ {
		month := first.AddDate(0, i, 0)
		day := m.Day
		if last := daysIn(month); day > last {
			day = last
		}
		c := time.Date(month.Year(), month.Month(), day, m.At.Hour, m.At.Minute, 0, 0, from.Location())
		if !c.Before(from) {
			return c
		}
	}
	// Unreachable: 48 months always contain a qualifying day.
	return from
}

// daysIn returns the number of days in t's month.
func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
