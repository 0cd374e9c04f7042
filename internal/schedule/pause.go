package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petminder/internal/eventbus"
	"petminder/internal/family"
	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

var ErrFamilyNotFound = errors.New("schedule: family not found")

// Pause suspends a family's reminders. Timers stay registered so countdown
// progress is not lost; the alarm path suppresses dispatch while paused.
func (e *Engine) Pause(ctx context.Context, id family.ID) error {
	f, found, err := e.store.Family(ctx, id)
	if err != nil {
		return fmt.Errorf("load family: %w", err)
	}
	if !found {
		return ErrFamilyNotFound
	}
	if f.Paused {
		return nil
	}

	now := e.now()
	f.Paused = true
	f.PausedAt = &now
	if err := e.store.SaveFamily(ctx, f); err != nil {
		return fmt.Errorf("save family: %w", err)
	}
	e.publish(eventbus.TypeFamilyPaused, Activity{FamilyID: id, At: now})
	e.log.Info("family paused", logx.String("family", string(id)))
	return nil
}

// Unpause resumes a family. Every countdown reminder's execution basis is
// shifted forward by the paused duration, so the time that had elapsed before
// the pause is preserved instead of restarting or silently ticking through.
// Weekly/monthly/one-time reminders are absolute-clock based and resume at
// their already-correct times. All of the family's reminders are rescheduled
// against the adjusted state, which also consumes any fires suppressed while
// paused.
func (e *Engine) Unpause(ctx context.Context, id family.ID) error {
	f, found, err := e.store.Family(ctx, id)
	if err != nil {
		return fmt.Errorf("load family: %w", err)
	}
	if !found {
		return ErrFamilyNotFound
	}
	if !f.Paused {
		return nil
	}

	now := e.now()
	var delta time.Duration
	if f.PausedAt != nil {
		delta = now.Sub(*f.PausedAt)
	}
	if delta < 0 {
		delta = 0
	}
	f.Paused = false
	f.UnpausedAt = &now
	if err := e.store.SaveFamily(ctx, f); err != nil {
		return fmt.Errorf("save family: %w", err)
	}

	all, err := e.store.LoadEnabledReminders(ctx)
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}

	suppressed := e.takePending(id)
	var shifted, rescheduled int
	for _, r := range all {
		if r.FamilyID != id {
			continue
		}
		snap := r.Clone()
		if snap.Kind == reminder.KindCountdown {
			snap.AdvanceBasis(snap.Basis.Add(delta))
			snap.Touch(now)
			shifted++
		}
		if err := e.Schedule(ctx, snap); err != nil {
			e.log.Warn("unpause: reschedule failed", logx.String("reminder", snap.ID.String()), logx.Err(err))
			continue
		}
		rescheduled++
	}

	e.publish(eventbus.TypeFamilyUnpaused, Activity{FamilyID: id, At: now})
	e.log.Info("family unpaused",
		logx.String("family", string(id)),
		logx.Duration("paused_for", delta),
		logx.Int("bases_shifted", shifted),
		logx.Int("rescheduled", rescheduled),
		logx.Int("suppressed_fires", len(suppressed)))
	return nil
}
