package schedule

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

func TestRegistryCancelIdempotent(t *testing.T) {
	g := NewRegistry(time.Second, 0, logx.Nop())
	if err := g.Schedule("r-1", time.Now().Add(time.Hour), func(time.Time) {}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	g.Cancel("r-1")
	g.Cancel("r-1") // second cancel is a no-op
	g.Cancel("never-scheduled")
	if n := g.Count(); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
}

func TestRegistryCancelStopsFire(t *testing.T) {
	g := NewRegistry(time.Second, 0, logx.Nop())
	var fired atomic.Int32
	if err := g.Schedule("r-1", time.Now().Add(50*time.Millisecond), func(time.Time) { fired.Add(1) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	g.Cancel("r-1")
	time.Sleep(150 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("cancelled timer fired %d times", n)
	}
}

func TestRegistryReplaceKeepsOneTimer(t *testing.T) {
	g := NewRegistry(time.Second, 0, logx.Nop())
	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		if err := g.Schedule("r-1", time.Now().Add(40*time.Millisecond), func(time.Time) { fired.Add(1) }); err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if n := g.Count(); n != 1 {
			t.Fatalf("Count after schedule %d = %d, want 1", i, n)
		}
	}
	time.Sleep(200 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times after 5 replacements, want 1", n)
	}
	if n := g.Count(); n != 0 {
		t.Fatalf("Count after fire = %d, want 0", n)
	}
}

func TestRegistryPastFiresSynchronously(t *testing.T) {
	g := NewRegistry(time.Second, 0, logx.Nop())
	var firedAt time.Time
	want := time.Now().Add(-time.Minute)
	if err := g.Schedule("r-1", want, func(at time.Time) { firedAt = at }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !firedAt.Equal(want) {
		t.Fatalf("past fire time not invoked synchronously: got %v", firedAt)
	}
	if g.Contains("r-1") {
		t.Fatal("past-due schedule left a live timer")
	}
}

func TestRegistryMaxJobs(t *testing.T) {
	g := NewRegistry(time.Second, 3, logx.Nop())
	far := time.Now().Add(time.Hour)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("r-%d", i)
		if err := g.Schedule(reminder.ID(id), far, func(time.Time) {}); err != nil {
			t.Fatalf("Schedule %s: %v", id, err)
		}
	}
	if err := g.Schedule("r-overflow", far, func(time.Time) {}); err != ErrRegistryFull {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
	// Replacing an existing id must still work at the cap.
	if err := g.Schedule("r-0", far.Add(time.Minute), func(time.Time) {}); err != nil {
		t.Fatalf("replace at cap: %v", err)
	}
}

func TestRegistryConcurrentScheduleCancel(t *testing.T) {
	g := NewRegistry(time.Second, 0, logx.Nop())
	far := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if i%3 == 0 {
					g.Cancel("r-shared")
				} else {
					_ = g.Schedule("r-shared", far, func(time.Time) {})
				}
			}
		}()
	}
	wg.Wait()

	if n := g.Count(); n > 1 {
		t.Fatalf("Count = %d, want at most 1 live timer", n)
	}
	g.Cancel("r-shared")
	if n := g.Count(); n != 0 {
		t.Fatalf("Count after final cancel = %d, want 0", n)
	}
}
