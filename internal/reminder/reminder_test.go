package reminder

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := &Reminder{
		Kind:      KindCountdown,
		Enabled:   true,
		Countdown: &Countdown{Interval: time.Second},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := &Reminder{Kind: KindWeekly, Weekly: &Weekly{At: TimeOfDay{Hour: 25}, Weekdays: Weekdays(time.Monday)}}
	err := invalid.Validate()
	if err == nil {
		t.Fatal("expected error for hour 25")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error %v must wrap ErrInvalidConfig", err)
	}
}

func TestChangeKindInvalidatesModifiers(t *testing.T) {
	t.Parallel()
	now := time.Now()
	r := &Reminder{Kind: KindWeekly, SkipNext: true}
	r.Snooze(now.Add(time.Hour))

	r.ChangeKind(KindCountdown)
	if r.SnoozeUntil != nil || r.SkipNext {
		t.Fatal("kind switch must clear snooze and skip")
	}

	// Same kind is a no-op.
	r.Snooze(now.Add(time.Hour))
	r.ChangeKind(KindCountdown)
	if r.SnoozeUntil == nil {
		t.Fatal("same-kind change must keep modifiers")
	}
}

func TestAdvanceBasisNeverRegresses(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	r := &Reminder{Basis: t0}

	r.AdvanceBasis(t0.Add(-time.Hour))
	if !r.Basis.Equal(t0) {
		t.Fatal("basis moved backward")
	}
	r.AdvanceBasis(t0.Add(time.Hour))
	if !r.Basis.Equal(t0.Add(time.Hour)) {
		t.Fatal("basis did not advance")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	r := &Reminder{
		Kind:      KindCountdown,
		Countdown: &Countdown{Interval: time.Hour},
	}
	r.Snooze(time.Now())

	cp := r.Clone()
	cp.Countdown.Interval = time.Minute
	cp.SnoozeUntil = nil

	if r.Countdown.Interval != time.Hour {
		t.Fatal("clone shares countdown config")
	}
	if r.SnoozeUntil == nil {
		t.Fatal("clone shares snooze pointer")
	}
}

func TestWeekdaySet(t *testing.T) {
	t.Parallel()
	s := Weekdays(time.Sunday, time.Saturday)
	if !s.Has(time.Sunday) || !s.Has(time.Saturday) || s.Has(time.Wednesday) {
		t.Fatalf("unexpected membership: %07b", s)
	}
	if WeekdaySet(0).Empty() != true || s.Empty() {
		t.Fatal("Empty() misbehaves")
	}
}
