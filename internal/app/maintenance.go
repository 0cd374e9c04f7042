package app

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"petminder/internal/config"
	"petminder/internal/schedule"
	"petminder/internal/storage"
	"petminder/pkg/logx"
)

// maintenance runs the periodic housekeeping jobs: pruning expired delivery
// dedup rows and auditing the live schedule against the store.
type maintenance struct {
	cron  *cron.Cron
	store storage.Store
	eng   *schedule.Engine
	log   logx.Logger
}

func newMaintenance(cfg config.MaintenanceConfig, store storage.Store, eng *schedule.Engine, log logx.Logger) *maintenance {
	m := &maintenance{
		cron:  cron.New(),
		store: store,
		eng:   eng,
		log:   log,
	}

	prune := everySpec(cfg.PruneEvery, time.Hour)
	if _, err := m.cron.AddFunc(prune, m.pruneDeliveries); err != nil {
		log.Warn("prune job not scheduled", logx.String("spec", prune), logx.Err(err))
	}
	audit := everySpec(cfg.AuditEvery, 15*time.Minute)
	if _, err := m.cron.AddFunc(audit, m.audit); err != nil {
		log.Warn("audit job not scheduled", logx.String("spec", audit), logx.Err(err))
	}
	return m
}

func (m *maintenance) Start() { m.cron.Start() }

func (m *maintenance) Stop() {
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		m.log.Warn("maintenance jobs still running at stop deadline")
	}
}

func (m *maintenance) pruneDeliveries() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := m.store.PruneDeliveries(ctx)
	if err != nil {
		m.log.Warn("delivery prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("pruned expired deliveries", logx.Int64("rows", n))
	}
}

// audit compares live timers with the store's enabled reminders so a drifting
// registry shows up in the logs instead of as silently missed fires.
func (m *maintenance) audit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	enabled, err := m.store.LoadEnabledReminders(ctx)
	if err != nil {
		m.log.Warn("audit load failed", logx.Err(err))
		return
	}
	live := m.eng.Scheduled()
	if live < len(enabled) {
		// Paused families and exhausted one-time reminders legitimately lower
		// the count, so this is informational, not an alarm.
		m.log.Info("schedule audit", logx.Int("live_timers", live), logx.Int("enabled_reminders", len(enabled)))
		return
	}
	m.log.Debug("schedule audit", logx.Int("live_timers", live), logx.Int("enabled_reminders", len(enabled)))
}

// everySpec turns a duration-ish config value into a cron "@every" spec.
func everySpec(raw string, def time.Duration) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "@every " + def.String()
	}
	if strings.HasPrefix(s, "@") {
		return s
	}
	return "@every " + s
}
