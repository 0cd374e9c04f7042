package schedule

import (
	"errors"
	"sort"
	"sync"
	"time"

	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

// ErrRegistryFull is returned when the configured job cap is reached.
var ErrRegistryFull = errors.New("schedule: registry full")

// Registry maps each reminder id to at most one live timer.
//
// All map mutation happens under a single mutex, and the version counter
// guarantees a timer that already fired for a superseded registration is a
// no-op: a fire and a concurrent reschedule for the same id can never leave
// two live timers or drop a registration.
type Registry struct {
	mu      sync.Mutex
	entries map[reminder.ID]*regEntry
	seq     uint64

	tolerance time.Duration
	maxJobs   int
	log       logx.Logger

	now func() time.Time // test hook
}

type regEntry struct {
	timer   *time.Timer
	version uint64
	fireAt  time.Time
}

// Job is one registered timer, for diagnostics.
type Job struct {
	ID     reminder.ID
	FireAt time.Time
}

func NewRegistry(tolerance time.Duration, maxJobs int, log logx.Logger) *Registry {
	if tolerance <= 0 {
		tolerance = 5 * time.Second
	}
	return &Registry{
		entries:   map[reminder.ID]*regEntry{},
		tolerance: tolerance,
		maxJobs:   maxJobs,
		log:       log,
		now:       time.Now,
	}
}

// Schedule replaces any existing timer for id with one firing at fireAt.
//
// A fireAt already further in the past than the tolerance invokes onFire
// synchronously instead of arming a timer, so catch-up never produces a burst
// of overdue timers.
func (g *Registry) Schedule(id reminder.ID, fireAt time.Time, onFire func(fireAt time.Time)) error {
	g.mu.Lock()
	if old, ok := g.entries[id]; ok {
		old.timer.Stop()
		delete(g.entries, id)
	}

	now := g.now()
	if now.Sub(fireAt) > g.tolerance {
		g.mu.Unlock()
		onFire(fireAt)
		return nil
	}

	if g.maxJobs > 0 && len(g.entries) >= g.maxJobs {
		g.mu.Unlock()
		g.log.Warn("timer registry full", logx.String("reminder", id.String()), logx.Int("max", g.maxJobs))
		return ErrRegistryFull
	}

	g.seq++
	ver := g.seq
	ent := &regEntry{version: ver, fireAt: fireAt}
	ent.timer = time.AfterFunc(fireAt.Sub(now), func() {
		g.mu.Lock()
		cur, ok := g.entries[id]
		if !ok || cur.version != ver {
			// Superseded by a reschedule or cancel that raced the fire.
			g.mu.Unlock()
			return
		}
		delete(g.entries, id)
		g.mu.Unlock()
		onFire(fireAt)
	})
	g.entries[id] = ent
	g.mu.Unlock()
	return nil
}

// Cancel stops and removes the timer for id. Idempotent.
func (g *Registry) Cancel(id reminder.ID) {
	g.mu.Lock()
	if ent, ok := g.entries[id]; ok {
		ent.timer.Stop()
		delete(g.entries, id)
	}
	g.mu.Unlock()
}

// CancelAll stops every registered timer.
func (g *Registry) CancelAll() {
	g.mu.Lock()
	for id, ent := range g.entries {
		ent.timer.Stop()
		delete(g.entries, id)
	}
	g.mu.Unlock()
}

func (g *Registry) Count() int {
	g.mu.Lock()
	n := len(g.entries)
	g.mu.Unlock()
	return n
}

func (g *Registry) Contains(id reminder.ID) bool {
	g.mu.Lock()
	_, ok := g.entries[id]
	g.mu.Unlock()
	return ok
}

// Snapshot returns the registered jobs ordered by fire time.
func (g *Registry) Snapshot() []Job {
	g.mu.Lock()
	out := make([]Job, 0, len(g.entries))
	for id, ent := range g.entries {
		out = append(out, Job{ID: id, FireAt: ent.fireAt})
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}
