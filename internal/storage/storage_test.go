package storage

import (
	"context"
	"testing"
	"time"

	"petminder/internal/family"
	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

func TestOpenDrivers(t *testing.T) {
	if _, err := Open(Config{Driver: "memory"}, logx.Nop()); err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty driver accepted")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without a path accepted")
	}
}

func TestMemoryReminderRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	basis := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	r := reminder.Reminder{
		ID:           "r-1",
		FamilyID:     "fam-1",
		Name:         "walk",
		Kind:         reminder.KindCountdown,
		Enabled:      true,
		Countdown:    &reminder.Countdown{Interval: 2 * time.Hour},
		Basis:        basis,
		LastModified: basis,
	}
	if err := st.SaveReminder(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, ok, err := st.GetReminder(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("GetReminder: ok=%v err=%v", ok, err)
	}
	if got.Name != r.Name || got.Countdown == nil || got.Countdown.Interval != r.Countdown.Interval {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// The stored value must be isolated from the caller's copy.
	got.Countdown.Interval = time.Minute
	again, _, _ := st.GetReminder(ctx, r.ID)
	if again.Countdown.Interval != 2*time.Hour {
		t.Fatal("stored reminder aliases a returned snapshot")
	}

	if _, ok, _ := st.GetReminder(ctx, "ghost"); ok {
		t.Fatal("found a reminder that was never saved")
	}

	if err := st.DeleteReminder(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetReminder(ctx, r.ID); ok {
		t.Fatal("deleted reminder still present")
	}
}

func TestMemoryLoadEnabledFiltersDisabled(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	on := reminder.Reminder{ID: "r-on", Kind: reminder.KindCountdown, Enabled: true,
		Countdown: &reminder.Countdown{Interval: time.Hour}}
	off := reminder.Reminder{ID: "r-off", Kind: reminder.KindCountdown, Enabled: false,
		Countdown: &reminder.Countdown{Interval: time.Hour}}
	if err := st.SaveReminder(ctx, on); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveReminder(ctx, off); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadEnabledReminders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "r-on" {
		t.Fatalf("LoadEnabledReminders = %+v, want only r-on", got)
	}
}

func TestMemoryMemberUpsert(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	m := family.Member{UserID: "u-1", FamilyID: "fam-1", NotificationsEnabled: true, PushToken: "tok-a"}
	if err := st.SaveMember(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.PushToken = "tok-b"
	if err := st.SaveMember(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := st.MembersOf(ctx, "fam-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PushToken != "tok-b" {
		t.Fatalf("MembersOf = %+v, want single member with tok-b", got)
	}
}

func TestMemoryDeliveryDedup(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	live := time.Now().Add(time.Hour)
	expired := time.Now().Add(-time.Hour)
	if err := st.PutDelivery(ctx, "k-live", live); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDelivery(ctx, "k-old", expired); err != nil {
		t.Fatal(err)
	}

	if seen, _ := st.SeenDelivery(ctx, "k-live"); !seen {
		t.Fatal("live delivery key not seen")
	}
	if seen, _ := st.SeenDelivery(ctx, "k-old"); seen {
		t.Fatal("expired delivery key still seen")
	}
	if seen, _ := st.SeenDelivery(ctx, "k-missing"); seen {
		t.Fatal("missing key reported seen")
	}

	n, err := st.PruneDeliveries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
}
