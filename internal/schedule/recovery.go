package schedule

import (
	"context"
	"fmt"

	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

// RecoverAll rebuilds the registry from the store after a process start.
//
// One-time reminders whose instant passed while the process was down fire
// immediately; when the miss exceeds the recovery grace window they are
// flagged recovered-late so the dispatcher may keep quiet while the schedule
// still advances (missed-downtime notifications are best-effort; future
// scheduling is not). All other kinds recompute against now, which folds
// missed countdown occurrences into the basis instead of firing a backlog.
//
// A store failure propagates: an empty schedule is worse than a delayed boot.
func (e *Engine) RecoverAll(ctx context.Context) (int, error) {
	all, err := e.store.LoadEnabledReminders(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: load enabled reminders: %w", err)
	}

	now := e.now().In(e.loc)
	count := 0
	for _, r := range all {
		if r.Kind == reminder.KindOneTime && r.OneTime != nil && r.OneTime.At.Before(now) {
			late := now.Sub(r.OneTime.At) > e.cfg.RecoveryGrace
			if err := e.registry.Schedule(r.ID, r.OneTime.At, e.onFire(r.ID, late)); err != nil {
				e.log.Warn("recovery: schedule failed", logx.String("reminder", r.ID.String()), logx.Err(err))
				continue
			}
			count++
			continue
		}

		snap := r.Clone()
		next, ok := reminder.NextFire(&snap, now)
		if !ok {
			continue
		}
		if err := e.store.SaveReminder(ctx, snap); err != nil {
			e.log.Error("recovery: persist reminder failed", logx.String("reminder", snap.ID.String()), logx.Err(err))
		}
		if err := e.registry.Schedule(snap.ID, next, e.onFire(snap.ID, false)); err != nil {
			e.log.Warn("recovery: schedule failed", logx.String("reminder", snap.ID.String()), logx.Err(err))
			continue
		}
		count++
	}

	e.log.Info("schedule recovered", logx.Int("scheduled", count), logx.Int("loaded", len(all)))
	return count, nil
}
