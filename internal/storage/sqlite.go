package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"petminder/internal/family"
	"petminder/internal/reminder"
	"petminder/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// kindParams is the JSON shape of the kind-specific reminder configuration.
type kindParams struct {
	Countdown *reminder.Countdown `json:"countdown,omitempty"`
	Weekly    *reminder.Weekly    `json:"weekly,omitempty"`
	Monthly   *reminder.Monthly   `json:"monthly,omitempty"`
	OneTime   *reminder.OneTime   `json:"oneTime,omitempty"`
}

func (s *sqliteStore) SaveReminder(ctx context.Context, r reminder.Reminder) error {
	cfg, err := json.Marshal(kindParams{
		Countdown: r.Countdown,
		Weekly:    r.Weekly,
		Monthly:   r.Monthly,
		OneTime:   r.OneTime,
	})
	if err != nil {
		return err
	}
	var snooze any
	if r.SnoozeUntil != nil {
		snooze = r.SnoozeUntil.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, family_id, group_id, name, kind, enabled, config, basis, snooze_until, skip_next, last_modified)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   family_id=excluded.family_id, group_id=excluded.group_id, name=excluded.name,
		   kind=excluded.kind, enabled=excluded.enabled, config=excluded.config,
		   basis=excluded.basis, snooze_until=excluded.snooze_until,
		   skip_next=excluded.skip_next, last_modified=excluded.last_modified`,
		string(r.ID), string(r.FamilyID), r.GroupID, r.Name, string(r.Kind), boolInt(r.Enabled),
		string(cfg), r.Basis.UnixMilli(), snooze, boolInt(r.SkipNext), r.LastModified.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetReminder(ctx context.Context, id reminder.ID) (reminder.Reminder, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, family_id, group_id, name, kind, enabled, config, basis, snooze_until, skip_next, last_modified
		 FROM reminders WHERE id = ?`, string(id))
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, false, nil
	}
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id reminder.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, string(id))
	return err
}

func (s *sqliteStore) LoadEnabledReminders(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, group_id, name, kind, enabled, config, basis, snooze_until, skip_next, last_modified
		 FROM reminders WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		r        reminder.Reminder
		id, fam  string
		kind     string
		enabled  int
		cfg      string
		basis    int64
		snooze   sql.NullInt64
		skip     int
		modified int64
	)
	err := row.Scan(&id, &fam, &r.GroupID, &r.Name, &kind, &enabled, &cfg, &basis, &snooze, &skip, &modified)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.ID = reminder.ID(id)
	r.FamilyID = family.ID(fam)
	r.Kind = reminder.Kind(kind)
	r.Enabled = enabled != 0
	r.SkipNext = skip != 0
	r.Basis = time.UnixMilli(basis).UTC()
	r.LastModified = time.UnixMilli(modified).UTC()
	if snooze.Valid {
		t := time.UnixMilli(snooze.Int64).UTC()
		r.SnoozeUntil = &t
	}

	var params kindParams
	if err := json.Unmarshal([]byte(cfg), &params); err != nil {
		return reminder.Reminder{}, fmt.Errorf("reminder %s: decode config: %w", id, err)
	}
	r.Countdown = params.Countdown
	r.Weekly = params.Weekly
	r.Monthly = params.Monthly
	r.OneTime = params.OneTime
	return r, nil
}

func (s *sqliteStore) SaveFamily(ctx context.Context, f family.Family) error {
	var pausedAt, unpausedAt any
	if f.PausedAt != nil {
		pausedAt = f.PausedAt.UnixMilli()
	}
	if f.UnpausedAt != nil {
		unpausedAt = f.UnpausedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO families(id, name, paused, paused_at, unpaused_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, paused=excluded.paused,
		   paused_at=excluded.paused_at, unpaused_at=excluded.unpaused_at`,
		string(f.ID), f.Name, boolInt(f.Paused), pausedAt, unpausedAt,
	)
	return err
}

func (s *sqliteStore) Family(ctx context.Context, id family.ID) (family.Family, bool, error) {
	var (
		f                  family.Family
		fid, name          string
		paused             int
		pausedAt, unpaused sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, paused, paused_at, unpaused_at FROM families WHERE id = ?`, string(id)).
		Scan(&fid, &name, &paused, &pausedAt, &unpaused)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Family{}, false, nil
	}
	if err != nil {
		return family.Family{}, false, err
	}
	f.ID = family.ID(fid)
	f.Name = name
	f.Paused = paused != 0
	if pausedAt.Valid {
		t := time.UnixMilli(pausedAt.Int64).UTC()
		f.PausedAt = &t
	}
	if unpaused.Valid {
		t := time.UnixMilli(unpaused.Int64).UTC()
		f.UnpausedAt = &t
	}
	return f, true, nil
}

func (s *sqliteStore) SaveMember(ctx context.Context, m family.Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(user_id, family_id, notifications_enabled, push_token) VALUES(?,?,?,?)
		 ON CONFLICT(user_id, family_id) DO UPDATE SET
		   notifications_enabled=excluded.notifications_enabled, push_token=excluded.push_token`,
		string(m.UserID), string(m.FamilyID), boolInt(m.NotificationsEnabled), m.PushToken,
	)
	return err
}

func (s *sqliteStore) MembersOf(ctx context.Context, id family.ID) ([]family.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, family_id, notifications_enabled, push_token FROM members WHERE family_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []family.Member
	for rows.Next() {
		var (
			m        family.Member
			uid, fid string
			enabled  int
		)
		if err := rows.Scan(&uid, &fid, &enabled, &m.PushToken); err != nil {
			return nil, err
		}
		m.UserID = family.UserID(uid)
		m.FamilyID = family.ID(fid)
		m.NotificationsEnabled = enabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDelivery(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDeliveries(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) SeenDelivery(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM deliveries WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() < ms, nil
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE until < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
