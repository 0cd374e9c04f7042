package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"petminder/internal/eventbus"
	"petminder/internal/family"
	"petminder/internal/reminder"
	"petminder/internal/transport"
	"petminder/pkg/logx"
)

type fakeDirectory struct {
	members map[family.ID][]family.Member
}

func (f *fakeDirectory) Family(_ context.Context, id family.ID) (family.Family, bool, error) {
	return family.Family{ID: id}, true, nil
}

func (f *fakeDirectory) MembersOf(_ context.Context, id family.ID) ([]family.Member, error) {
	return f.members[id], nil
}

type sink struct {
	mu     sync.Mutex
	tokens []string
	fail   map[string]error
}

func (s *sink) push(_ context.Context, token string, _ transport.Push) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[token]; ok {
		return err
	}
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *sink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.tokens...)
	sort.Strings(out)
	return out
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    2,
		QueueSize:  64,
		RatePerSec: 1000,
		RetryMax:   0,
		RetryBase:  time.Millisecond,
	}
}

func testReminder(fam family.ID) reminder.Reminder {
	return reminder.Reminder{
		ID:           reminder.NewID(),
		FamilyID:     fam,
		Name:         "Feed Rex",
		Kind:         reminder.KindCountdown,
		Enabled:      true,
		Countdown:    &reminder.Countdown{Interval: time.Hour},
		Basis:        time.Now().Add(-time.Hour),
		LastModified: time.Now(),
	}
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(ctx)
}

func TestDispatchFanOut(t *testing.T) {
	fam := family.ID("fam-1")
	actor := family.UserID("u-actor")
	dir := &fakeDirectory{members: map[family.ID][]family.Member{
		fam: {
			{UserID: actor, FamilyID: fam, NotificationsEnabled: true, PushToken: "tok-actor"},
			{UserID: "u-quiet", FamilyID: fam, NotificationsEnabled: false, PushToken: "tok-quiet"},
			{UserID: "u-bare", FamilyID: fam, NotificationsEnabled: true, PushToken: ""},
			{UserID: "u-one", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok-one"},
			{UserID: "u-two", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok-two"},
		},
	}}
	s := &sink{}
	d := New(testConfig(), transport.Func(s.push), dir, nil, logx.Nop(), nil)
	d.Start(context.Background())

	err := d.Dispatch(context.Background(), Request{
		Reminder:    testReminder(fam),
		FiredAt:     time.Now(),
		TriggeredBy: &actor,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	drain(t, d)

	got := s.sent()
	want := []string{"tok-one", "tok-two"}
	if len(got) != len(want) {
		t.Fatalf("sent to %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent to %v, want %v", got, want)
		}
	}
}

func TestDispatchRecipientFailureIsolated(t *testing.T) {
	fam := family.ID("fam-iso")
	dir := &fakeDirectory{members: map[family.ID][]family.Member{
		fam: {
			{UserID: "u-bad", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok-bad"},
			{UserID: "u-ok", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok-ok"},
		},
	}}
	s := &sink{fail: map[string]error{"tok-bad": errors.New("token expired")}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(testConfig(), transport.Func(s.push), dir, nil, logx.Nop(), bus)
	d.Start(context.Background())

	if err := d.Dispatch(context.Background(), Request{Reminder: testReminder(fam), FiredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	drain(t, d)

	got := s.sent()
	if len(got) != 1 || got[0] != "tok-ok" {
		t.Fatalf("sent to %v, want only tok-ok", got)
	}

	var sawFailed, sawSent bool
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.TypePushFailed:
				sawFailed = true
			case eventbus.TypePushSent:
				sawSent = true
			}
		default:
			if !sawFailed || !sawSent {
				t.Fatalf("events: failed=%v sent=%v, want both", sawFailed, sawSent)
			}
			return
		}
	}
}

func TestDispatchDedupWindow(t *testing.T) {
	fam := family.ID("fam-dedup")
	dir := &fakeDirectory{members: map[family.ID][]family.Member{
		fam: {{UserID: "u", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok"}},
	}}
	s := &sink{}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	d := New(cfg, transport.Func(s.push), dir, nil, logx.Nop(), nil)
	d.Start(context.Background())

	req := Request{Reminder: testReminder(fam), FiredAt: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)}
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), req); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	drain(t, d)

	if got := s.sent(); len(got) != 1 {
		t.Fatalf("sent %d pushes for one occurrence, want 1", len(got))
	}
}

func TestDispatchPersistentDedup(t *testing.T) {
	fam := family.ID("fam-persist")
	dir := &fakeDirectory{members: map[family.ID][]family.Member{
		fam: {{UserID: "u", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok"}},
	}}
	s := &sink{}
	log := &memDeliveryLog{seen: map[string]time.Time{}}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute

	req := Request{Reminder: testReminder(fam), FiredAt: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)}

	// First process instance delivers and records the key.
	d1 := New(cfg, transport.Func(s.push), dir, log, logx.Nop(), nil)
	d1.Start(context.Background())
	if err := d1.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	drain(t, d1)
	if got := s.sent(); len(got) != 1 {
		t.Fatalf("first instance sent %d, want 1", len(got))
	}

	// A fresh instance (empty in-memory cache) must still stay quiet for the
	// same occurrence because the persistent log has seen the key.
	d2 := New(cfg, transport.Func(s.push), dir, log, logx.Nop(), nil)
	d2.Start(context.Background())
	if err := d2.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch after restart: %v", err)
	}
	drain(t, d2)
	if got := s.sent(); len(got) != 1 {
		t.Fatalf("redelivered after restart: %d sends, want 1", len(got))
	}
}

type memDeliveryLog struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (m *memDeliveryLog) PutDelivery(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key] = until
	return nil
}

func (m *memDeliveryLog) SeenDelivery(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.seen[key]
	return ok && time.Now().Before(until), nil
}

func TestDispatchSuppressesRecoveredLate(t *testing.T) {
	fam := family.ID("fam-late")
	dir := &fakeDirectory{members: map[family.ID][]family.Member{
		fam: {{UserID: "u", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok"}},
	}}
	s := &sink{}
	cfg := testConfig()
	cfg.SuppressRecoveredLate = true
	d := New(cfg, transport.Func(s.push), dir, nil, logx.Nop(), nil)
	d.Start(context.Background())

	if err := d.Dispatch(context.Background(), Request{Reminder: testReminder(fam), FiredAt: time.Now(), RecoveredLate: true}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	drain(t, d)

	if got := s.sent(); len(got) != 0 {
		t.Fatalf("recovered-late occurrence sent %d pushes, want 0", len(got))
	}
}

func TestDispatchDisabled(t *testing.T) {
	d := New(Config{Enabled: false}, nil, &fakeDirectory{}, nil, logx.Nop(), nil)
	d.Start(context.Background())
	err := d.Dispatch(context.Background(), Request{Reminder: testReminder("f"), FiredAt: time.Now()})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestDispatchRetriesTransient(t *testing.T) {
	fam := family.ID("fam-retry")
	dir := &fakeDirectory{members: map[family.ID][]family.Member{
		fam: {{UserID: "u", FamilyID: fam, NotificationsEnabled: true, PushToken: "tok"}},
	}}

	var mu sync.Mutex
	calls := 0
	pusher := transport.Func(func(_ context.Context, _ string, _ transport.Push) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})

	cfg := testConfig()
	cfg.RetryMax = 2
	cfg.RetryBase = time.Millisecond
	d := New(cfg, pusher, dir, nil, logx.Nop(), nil)
	d.Start(context.Background())

	if err := d.Dispatch(context.Background(), Request{Reminder: testReminder(fam), FiredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	drain(t, d)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("transport called %d times, want 2 (one failure + one retry)", calls)
	}
}
