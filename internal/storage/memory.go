package storage

import (
	"context"
	"sync"
	"time"

	"petminder/internal/family"
	"petminder/internal/reminder"
)

// Memory is a volatile Store for tests and throwaway setups.
type Memory struct {
	mu         sync.Mutex
	reminders  map[reminder.ID]reminder.Reminder
	families   map[family.ID]family.Family
	members    map[family.ID][]family.Member
	deliveries map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		reminders:  map[reminder.ID]reminder.Reminder{},
		families:   map[family.ID]family.Family{},
		members:    map[family.ID][]family.Member{},
		deliveries: map[string]time.Time{},
	}
}

func (m *Memory) SaveReminder(_ context.Context, r reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[r.ID] = r.Clone()
	return nil
}

func (m *Memory) GetReminder(_ context.Context, id reminder.ID) (reminder.Reminder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return reminder.Reminder{}, false, nil
	}
	return r.Clone(), true, nil
}

func (m *Memory) DeleteReminder(_ context.Context, id reminder.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reminders, id)
	return nil
}

func (m *Memory) LoadEnabledReminders(_ context.Context) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.Enabled {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *Memory) SaveFamily(_ context.Context, f family.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[f.ID] = f
	return nil
}

func (m *Memory) Family(_ context.Context, id family.ID) (family.Family, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[id]
	return f, ok, nil
}

func (m *Memory) SaveMember(_ context.Context, mem family.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.members[mem.FamilyID]
	for i := range list {
		if list[i].UserID == mem.UserID {
			list[i] = mem
			return nil
		}
	}
	m.members[mem.FamilyID] = append(list, mem)
	return nil
}

func (m *Memory) MembersOf(_ context.Context, id family.ID) ([]family.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]family.Member(nil), m.members[id]...), nil
}

func (m *Memory) PutDelivery(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[key] = until
	return nil
}

func (m *Memory) SeenDelivery(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.deliveries[key]
	return ok && time.Now().Before(until), nil
}

func (m *Memory) PruneDeliveries(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for k, until := range m.deliveries {
		if now.After(until) {
			delete(m.deliveries, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
