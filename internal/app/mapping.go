package app

import (
	"fmt"
	"strings"
	"time"

	"petminder/internal/config"
	"petminder/internal/notify"
	"petminder/internal/schedule"
	"petminder/internal/storage"
	"petminder/pkg/logx"
)

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorageConfig(c config.StorageConfig) storage.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}
}

func mapNotifyConfig(c config.NotifyConfig) (notify.Config, error) {
	retryBase, err := config.ParseDurationField("notify.retry_base", c.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notify.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notify.dedup_window", c.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	if c.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("notify.retry_max must be >= 0")
	}

	// Missed-downtime pushes stay quiet unless explicitly turned on.
	suppressLate := true
	if c.SuppressRecoveredLate != nil {
		suppressLate = *c.SuppressRecoveredLate
	}

	return notify.Config{
		Enabled:               c.Enabled,
		Workers:               c.Workers,
		QueueSize:             c.QueueSize,
		RatePerSec:            c.RatePerSec,
		RetryMax:              c.RetryMax,
		RetryBase:             retryBase,
		RetryMaxDelay:         retryMaxDelay,
		DedupWindow:           dedupWindow,
		DedupMaxEntries:       c.DedupMaxEntries,
		SuppressRecoveredLate: suppressLate,
	}, nil
}

func mapEngineConfig(c config.EngineConfig) (schedule.Config, error) {
	tolerance, err := config.ParseDurationOrDefault("engine.past_tolerance", c.PastTolerance, 5*time.Second)
	if err != nil {
		return schedule.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("engine.recovery_grace", c.RecoveryGrace, 5*time.Minute)
	if err != nil {
		return schedule.Config{}, err
	}
	if c.MaxJobs < 0 {
		return schedule.Config{}, fmt.Errorf("engine.max_jobs must be >= 0")
	}

	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return schedule.Config{}, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}

	return schedule.Config{
		PastTolerance: tolerance,
		RecoveryGrace: grace,
		MaxJobs:       c.MaxJobs,
		Location:      loc,
	}, nil
}

// validate rejects a config before it is committed or hot-published.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("empty config")
	}
	if _, err := mapNotifyConfig(cfg.Notify); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg.Engine); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("maintenance.prune_every", strings.TrimPrefix(cfg.Maintenance.PruneEvery, "@every ")); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("maintenance.audit_every", strings.TrimPrefix(cfg.Maintenance.AuditEvery, "@every ")); err != nil {
		return err
	}
	return nil
}
