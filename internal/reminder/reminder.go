// Package reminder defines the reminder entity and the pure recurrence
// calculator that turns a timing configuration into its next fire instant.
package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"petminder/internal/family"
)

// ID is the stable, opaque reminder identifier shared by client and server.
type ID string

func NewID() ID { return ID(uuid.NewString()) }

func (id ID) String() string { return string(id) }

// Kind selects exactly one recurrence behavior.
type Kind string

const (
	KindCountdown Kind = "countdown"
	KindWeekly    Kind = "weekly"
	KindMonthly   Kind = "monthly"
	KindOneTime   Kind = "oneTime"
)

var ErrInvalidConfig = errors.New("invalid reminder configuration")

// TimeOfDay is a local wall-clock time (hour 0-23, minute 0-59).
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

// WeekdaySet is a bitmask over time.Weekday (bit 0 = Sunday).
type WeekdaySet uint8

func Weekdays(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) With(d time.Weekday) WeekdaySet { return s | 1<<uint(d) }
func (s WeekdaySet) Has(d time.Weekday) bool        { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) Empty() bool                    { return s&0x7f == 0 }

// Countdown fires a fixed interval after the execution basis.
type Countdown struct {
	Interval time.Duration `json:"interval"`
}

// Weekly fires at a wall-clock time on a non-empty set of weekdays.
type Weekly struct {
	At       TimeOfDay  `json:"at"`
	Weekdays WeekdaySet `json:"weekdays"`
}

// Monthly fires at a wall-clock time on a day of month (1-31). Months shorter
// than Day clamp to their last day.
type Monthly struct {
	At  TimeOfDay `json:"at"`
	Day int       `json:"day"`
}

// OneTime fires once at an absolute instant, then the reminder is exhausted.
type OneTime struct {
	At time.Time `json:"at"`
}

// Reminder is one schedulable pet-care task.
//
// Exactly one of the kind-specific configs matches Kind. Basis is the instant
// countdown elapsed-time is measured from; it never moves backward.
// SnoozeUntil, while set, overrides the computed next fire and clears the
// moment it elapses. SkipNext consumes exactly one future weekly/monthly
// occurrence.
type Reminder struct {
	ID       ID
	FamilyID family.ID
	GroupID  string // owning task group, e.g. the pet
	Name     string

	Kind    Kind
	Enabled bool

	Countdown *Countdown
	Weekly    *Weekly
	Monthly   *Monthly
	OneTime   *OneTime

	Basis        time.Time
	SnoozeUntil  *time.Time
	SkipNext     bool
	LastModified time.Time
}

// Validate rejects configurations the calculator must never see.
// An invalid reminder degrades to "never fires" rather than crashing.
func (r *Reminder) Validate() error {
	switch r.Kind {
	case KindCountdown:
		if r.Countdown == nil || r.Countdown.Interval < time.Second {
			return fmt.Errorf("%w: countdown interval must be >= 1s", ErrInvalidConfig)
		}
	case KindWeekly:
		if r.Weekly == nil || r.Weekly.Weekdays.Empty() {
			return fmt.Errorf("%w: weekly needs a non-empty weekday set", ErrInvalidConfig)
		}
		if !r.Weekly.At.valid() {
			return fmt.Errorf("%w: weekly time of day out of range", ErrInvalidConfig)
		}
	case KindMonthly:
		if r.Monthly == nil || r.Monthly.Day < 1 || r.Monthly.Day > 31 {
			return fmt.Errorf("%w: monthly day must be 1-31", ErrInvalidConfig)
		}
		if !r.Monthly.At.valid() {
			return fmt.Errorf("%w: monthly time of day out of range", ErrInvalidConfig)
		}
	case KindOneTime:
		if r.OneTime == nil || r.OneTime.At.IsZero() {
			return fmt.Errorf("%w: one-time instant required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, r.Kind)
	}
	return nil
}

// ChangeKind switches the recurrence kind. Any pending snooze or skip belongs
// to the old kind and is invalidated.
func (r *Reminder) ChangeKind(k Kind) {
	if r.Kind == k {
		return
	}
	r.Kind = k
	r.SnoozeUntil = nil
	r.SkipNext = false
}

// Snooze installs a one-shot override instant.
func (r *Reminder) Snooze(until time.Time) {
	u := until
	r.SnoozeUntil = &u
}

// AdvanceBasis moves the execution basis forward, never backward.
func (r *Reminder) AdvanceBasis(to time.Time) {
	if to.After(r.Basis) {
		r.Basis = to
	}
}

// Touch records a mutation for staleness checks by clients.
func (r *Reminder) Touch(now time.Time) { r.LastModified = now }

// Clone returns an independent copy (pointer fields included) so registry and
// calculator can operate on snapshots without aliasing the stored value.
func (r *Reminder) Clone() Reminder {
	cp := *r
	if r.Countdown != nil {
		c := *r.Countdown
		cp.Countdown = &c
	}
	if r.Weekly != nil {
		w := *r.Weekly
		cp.Weekly = &w
	}
	if r.Monthly != nil {
		m := *r.Monthly
		cp.Monthly = &m
	}
	if r.OneTime != nil {
		o := *r.OneTime
		cp.OneTime = &o
	}
	if r.SnoozeUntil != nil {
		s := *r.SnoozeUntil
		cp.SnoozeUntil = &s
	}
	return cp
}
