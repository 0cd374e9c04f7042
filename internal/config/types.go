package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine"`
	Notify   NotifyConfig   `json:"notify"`
	Telegram TelegramConfig `json:"telegram"`

	// Maintenance controls periodic housekeeping jobs (delivery-dedup prune,
	// registry/store audit). If omitted, defaults apply.
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./petminder.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the scheduling engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - past_tolerance: "5s"
//   - recovery_grace: "5m"
//   - max_jobs: 10000
//   - timezone: process-local
type EngineConfig struct {
	// PastTolerance: a computed fire time older than this fires immediately
	// instead of arming a timer.
	PastTolerance string `json:"past_tolerance,omitempty"`

	// RecoveryGrace: at boot, reminders whose fire time is further in the past
	// than this still fire immediately but are marked recovered-late so the
	// dispatcher can suppress the push.
	RecoveryGrace string `json:"recovery_grace,omitempty"`

	// MaxJobs caps concurrently registered timers.
	MaxJobs int `json:"max_jobs,omitempty"`

	// Timezone for weekly/monthly wall-clock computation (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

// NotifyConfig controls the async push dispatch pipeline.
//
// All durations are Go duration strings.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`

	// PersistDedup records delivery dedup keys in storage so a restart inside
	// the dedup window does not redeliver the same occurrence.
	PersistDedup bool `json:"persist_dedup,omitempty"`

	// SuppressRecoveredLate drops pushes for occurrences that were missed
	// while the process was down (the schedule still advances).
	// Defaults to true when the whole notify section is present.
	SuppressRecoveredLate *bool `json:"suppress_recovered_late,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type MaintenanceConfig struct {
	// PruneEvery / AuditEvery are @every specs or Go durations ("1h", "15m").
	PruneEvery string `json:"prune_every,omitempty"`
	AuditEvery string `json:"audit_every,omitempty"`
}
