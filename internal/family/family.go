// Package family holds the household entities the engine references but does
// not own: the family (with its pause switch) and its members.
package family

import (
	"context"
	"time"
)

type ID string

type UserID string

// Family is the household that owns reminders and receives notifications.
//
// PausedAt/UnpausedAt feed the pause controller's execution-basis shift for
// countdown reminders.
type Family struct {
	ID   ID
	Name string

	Paused     bool
	PausedAt   *time.Time
	UnpausedAt *time.Time
}

// Member is a family member with notification eligibility.
//
// PushToken is opaque to the engine; the configured transport decides what it
// means (an APNs device token, a chat id, ...).
type Member struct {
	UserID               UserID
	FamilyID             ID
	NotificationsEnabled bool
	PushToken            string
}

// Directory resolves family membership and pause state.
type Directory interface {
	Family(ctx context.Context, id ID) (Family, bool, error)
	MembersOf(ctx context.Context, id ID) ([]Member, error)
}
