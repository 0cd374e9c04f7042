package notify

import (
	"context"
	"time"

	"petminder/internal/family"
	"petminder/internal/reminder"
)

// Config controls the dispatch pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// SuppressRecoveredLate drops the push (but not the schedule advance) for
	// occurrences missed while the process was down.
	SuppressRecoveredLate bool
}

// Request is one fired reminder occurrence to fan out.
type Request struct {
	Reminder reminder.Reminder
	FiredAt  time.Time

	// TriggeredBy is set when the fire was user-initiated (a manual "log now");
	// that member is excluded from the fan-out.
	TriggeredBy *family.UserID

	// RecoveredLate marks an occurrence that should have fired while the
	// process was down.
	RecoveredLate bool
}

// DeliveryLog persists dedup keys so a restart inside the dedup window does
// not redeliver the same occurrence. Optional; nil disables persistence.
type DeliveryLog interface {
	PutDelivery(ctx context.Context, key string, until time.Time) error
	SeenDelivery(ctx context.Context, key string) (bool, error)
}

// PushEvent is the bus payload for push.* events.
type PushEvent struct {
	ReminderID reminder.ID
	Recipient  family.UserID
	Key        string
	At         time.Time
	Error      string
}

type HistoryItem struct {
	At         time.Time
	ReminderID reminder.ID
	Recipient  family.UserID
	Error      string
}
