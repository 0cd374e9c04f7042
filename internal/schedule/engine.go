// Package schedule hosts the scheduling engine: the timer registry, the alarm
// path that fires, validates and reschedules reminders, the family pause
// controller, and the boot-time recovery pass.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"petminder/internal/eventbus"
	"petminder/internal/family"
	"petminder/internal/notify"
	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

var ErrReminderNotFound = errors.New("schedule: reminder not found")

// Store is the slice of persistence the engine depends on. *storage.Memory
// and the sqlite driver both satisfy it.
type Store interface {
	GetReminder(ctx context.Context, id reminder.ID) (reminder.Reminder, bool, error)
	SaveReminder(ctx context.Context, r reminder.Reminder) error
	DeleteReminder(ctx context.Context, id reminder.ID) error
	LoadEnabledReminders(ctx context.Context) ([]reminder.Reminder, error)
	Family(ctx context.Context, id family.ID) (family.Family, bool, error)
	SaveFamily(ctx context.Context, f family.Family) error
}

// Dispatcher is the push fan-out the alarm path hands fired occurrences to.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notify.Request) error
}

// Config controls the engine.
type Config struct {
	// PastTolerance: a computed fire time older than this fires immediately
	// instead of arming a timer.
	PastTolerance time.Duration

	// RecoveryGrace: at boot, a missed fire older than this is flagged
	// recovered-late so the dispatcher may suppress the push.
	RecoveryGrace time.Duration

	// MaxJobs caps concurrently registered timers. 0 means 10000.
	MaxJobs int

	// Location for weekly/monthly wall-clock computation. Nil means local.
	Location *time.Location
}

// Activity is the bus payload for reminder.* and family.* events.
type Activity struct {
	ReminderID reminder.ID `json:"reminder_id,omitempty"`
	FamilyID   family.ID   `json:"family_id,omitempty"`
	At         time.Time   `json:"at"`
}

// Engine owns the registry and the alarm/pause/recovery state machines.
// Construct once at startup; safe for concurrent use.
type Engine struct {
	cfg        Config
	store      Store
	dispatcher Dispatcher
	registry   *Registry
	bus        eventbus.Bus
	log        logx.Logger
	loc        *time.Location

	wg  sync.WaitGroup
	now func() time.Time // test hook

	// Fires suppressed while the owning family is paused, consumed on unpause.
	pmu     sync.Mutex
	pending map[family.ID]map[reminder.ID]time.Time
}

func New(cfg Config, store Store, dispatcher Dispatcher, log logx.Logger, bus eventbus.Bus) *Engine {
	if cfg.PastTolerance <= 0 {
		cfg.PastTolerance = 5 * time.Second
	}
	if cfg.RecoveryGrace <= 0 {
		cfg.RecoveryGrace = 5 * time.Minute
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 10000
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		registry:   NewRegistry(cfg.PastTolerance, cfg.MaxJobs, log),
		bus:        bus,
		log:        log,
		loc:        loc,
		now:        time.Now,
		pending:    map[family.ID]map[reminder.ID]time.Time{},
	}
}

// Stop cancels every timer and waits for in-flight dispatches.
func (e *Engine) Stop() {
	e.registry.CancelAll()
	e.wg.Wait()
}

// Schedule persists r (with any calculator side effects applied) and
// registers its next fire, replacing any previous timer. A reminder with no
// next fire (disabled, invalid, exhausted) only cancels.
func (e *Engine) Schedule(ctx context.Context, r reminder.Reminder) error {
	snap := r.Clone()
	next, ok := reminder.NextFire(&snap, e.now().In(e.loc))
	if err := e.store.SaveReminder(ctx, snap); err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}
	if !ok {
		e.registry.Cancel(snap.ID)
		return nil
	}
	return e.registry.Schedule(snap.ID, next, e.onFire(snap.ID, false))
}

// Cancel stops the reminder's timer without touching stored state.
func (e *Engine) Cancel(id reminder.ID) {
	e.registry.Cancel(id)
}

// Remove deletes the reminder and its timer.
func (e *Engine) Remove(ctx context.Context, id reminder.ID) error {
	e.registry.Cancel(id)
	if err := e.store.DeleteReminder(ctx, id); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

// TriggerNow fires a reminder immediately on user action ("log now"). The
// triggering actor is excluded from the fan-out, and a countdown reminder's
// execution basis resets to the trigger instant.
func (e *Engine) TriggerNow(ctx context.Context, id reminder.ID, actor family.UserID) error {
	cur, found, err := e.store.GetReminder(ctx, id)
	if err != nil {
		return fmt.Errorf("load reminder: %w", err)
	}
	if !found {
		return ErrReminderNotFound
	}

	now := e.now().In(e.loc)
	e.dispatch(notify.Request{Reminder: cur.Clone(), FiredAt: now, TriggeredBy: &actor})
	e.publish(eventbus.TypeReminderFired, Activity{ReminderID: id, FamilyID: cur.FamilyID, At: now})

	if cur.Kind == reminder.KindCountdown {
		cur.AdvanceBasis(now)
	}
	cur.SnoozeUntil = nil
	cur.Touch(now)
	return e.Schedule(ctx, cur)
}

// Scheduled reports how many timers are live.
func (e *Engine) Scheduled() int { return e.registry.Count() }

// Snapshot returns the live jobs ordered by fire time, for diagnostics.
func (e *Engine) Snapshot() []Job { return e.registry.Snapshot() }

func (e *Engine) onFire(id reminder.ID, recoveredLate bool) func(time.Time) {
	return func(at time.Time) { e.fire(id, at, recoveredLate) }
}

// fire is the alarm body: validate, then suppress or dispatch, then
// reschedule or retire.
func (e *Engine) fire(id reminder.ID, fireAt time.Time, recoveredLate bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cur, found, err := e.store.GetReminder(ctx, id)
	if err != nil {
		e.log.Error("alarm: load reminder failed", logx.String("reminder", id.String()), logx.Err(err))
		return
	}
	if !found || !cur.Enabled {
		// Deleted or disabled since scheduling; retire quietly.
		return
	}

	// Stale-job check: if the current state no longer produces this fire
	// time, an edit superseded us and registered its own timer.
	check := cur.Clone()
	want, ok := reminder.NextFire(&check, fireAt.Add(-time.Millisecond))
	if !ok {
		return
	}
	if diff := want.Sub(fireAt); diff > e.cfg.PastTolerance || diff < -e.cfg.PastTolerance {
		e.log.Debug("alarm: stale job retired",
			logx.String("reminder", id.String()),
			logx.Time("fired_for", fireAt),
			logx.Time("state_wants", want))
		return
	}

	fam, famFound, err := e.store.Family(ctx, cur.FamilyID)
	if err != nil {
		// Pause state unavailable; treat as unpaused rather than dropping the fire.
		e.log.Warn("alarm: load family failed", logx.String("family", string(cur.FamilyID)), logx.Err(err))
	}
	if famFound && fam.Paused {
		e.notePending(cur.FamilyID, id, fireAt)
		e.publish(eventbus.TypeReminderSuppressed, Activity{ReminderID: id, FamilyID: cur.FamilyID, At: fireAt})
		e.log.Debug("alarm: suppressed while paused", logx.String("reminder", id.String()), logx.String("family", string(cur.FamilyID)))
		return
	}

	e.dispatch(notify.Request{Reminder: cur.Clone(), FiredAt: fireAt, RecoveredLate: recoveredLate})
	e.publish(eventbus.TypeReminderFired, Activity{ReminderID: id, FamilyID: cur.FamilyID, At: fireAt})

	// Reschedule against fireAt, not now, so repeated fires don't drift.
	snap := cur.Clone()
	next, ok := reminder.NextFire(&snap, fireAt)
	if ok && !next.After(fireAt) {
		// The calculator returned the occurrence that just fired.
		if snap.Kind == reminder.KindOneTime {
			ok = false
		} else {
			next, ok = reminder.NextFire(&snap, next.Add(time.Minute))
		}
	}
	if err := e.store.SaveReminder(ctx, snap); err != nil {
		e.log.Error("alarm: persist reminder failed", logx.String("reminder", id.String()), logx.Err(err))
	}
	if !ok {
		e.registry.Cancel(id)
		e.publish(eventbus.TypeReminderExhausted, Activity{ReminderID: id, FamilyID: cur.FamilyID, At: fireAt})
		e.log.Info("reminder exhausted", logx.String("reminder", id.String()))
		return
	}
	if err := e.registry.Schedule(id, next, e.onFire(id, false)); err != nil {
		e.log.Error("alarm: reschedule failed", logx.String("reminder", id.String()), logx.Err(err))
	}
}

// dispatch hands the occurrence to the fan-out without blocking the caller's
// reschedule step.
func (e *Engine) dispatch(req notify.Request) {
	if e.dispatcher == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.dispatcher.Dispatch(ctx, req); err != nil && !errors.Is(err, notify.ErrDisabled) {
			e.log.Warn("dispatch failed",
				logx.String("reminder", req.Reminder.ID.String()),
				logx.Err(err))
		}
	}()
}

func (e *Engine) notePending(fid family.ID, id reminder.ID, at time.Time) {
	e.pmu.Lock()
	m := e.pending[fid]
	if m == nil {
		m = map[reminder.ID]time.Time{}
		e.pending[fid] = m
	}
	m[id] = at
	e.pmu.Unlock()
}

func (e *Engine) takePending(fid family.ID) map[reminder.ID]time.Time {
	e.pmu.Lock()
	m := e.pending[fid]
	delete(e.pending, fid)
	e.pmu.Unlock()
	return m
}

func (e *Engine) publish(typ string, a Activity) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: a})
}
