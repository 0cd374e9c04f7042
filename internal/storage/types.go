package storage

import (
	"context"
	"errors"
	"time"

	"petminder/internal/family"
	"petminder/internal/reminder"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": volatile in-process store
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the engine and dispatcher depend on.
//
// It also satisfies family.Directory.
type Store interface {
	SaveReminder(ctx context.Context, r reminder.Reminder) error
	GetReminder(ctx context.Context, id reminder.ID) (reminder.Reminder, bool, error)
	DeleteReminder(ctx context.Context, id reminder.ID) error

	// LoadEnabledReminders returns every enabled reminder across all
	// families. Used once at boot by recovery.
	LoadEnabledReminders(ctx context.Context) ([]reminder.Reminder, error)

	SaveFamily(ctx context.Context, f family.Family) error
	Family(ctx context.Context, id family.ID) (family.Family, bool, error)
	SaveMember(ctx context.Context, m family.Member) error
	MembersOf(ctx context.Context, id family.ID) ([]family.Member, error)

	// Delivery dedup: a keyed record that suppresses redelivery of the same
	// occurrence to the same recipient until it expires.
	PutDelivery(ctx context.Context, key string, until time.Time) error
	SeenDelivery(ctx context.Context, key string) (bool, error)
	PruneDeliveries(ctx context.Context) (int64, error)

	Close() error
}
