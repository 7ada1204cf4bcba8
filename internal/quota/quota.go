// Package quota enforces per-tenant budgets: daily and monthly event and
// query quotas persisted in SQLite, a per-minute request window kept in
// memory, and idempotency reservations. The quota debit and the idempotency
// reservation for one request commit in a single transaction so a replayed
// request can never be double-billed.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"recalld/internal/config"
	"recalld/internal/memory"
)

// Kind selects which budget a debit draws from.
type Kind string

const (
	KindEvent Kind = "events"
	KindQuery Kind = "queries"
)

// Manager owns the usage counters and the per-minute window. It shares the
// store's database handle so reservations and debits join one transaction.
type Manager struct {
	db     *sql.DB
	cfg    config.QuotaConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	minute map[string]*minuteWindow
}

type minuteWindow struct {
	start time.Time
	count int
}

// New initializes the quota schema on the shared database.
func New(db *sql.DB, cfg config.QuotaConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		minute: make(map[string]*minuteWindow),
	}
	schema := `
	CREATE TABLE IF NOT EXISTS api_account_usage (
		account_key TEXT PRIMARY KEY,
		day_bucket TEXT NOT NULL,
		month_bucket TEXT NOT NULL,
		events_day INTEGER NOT NULL DEFAULT 0,
		events_month INTEGER NOT NULL DEFAULT 0,
		queries_day INTEGER NOT NULL DEFAULT 0,
		queries_month INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS api_idempotency (
		account_key TEXT NOT NULL,
		operation TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		response_body BLOB,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (account_key, operation, idem_key)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create quota schema: %w", err)
	}
	return m, nil
}

// AllowRequest enforces the per-minute fixed window for one tenant. The
// window lives in memory only; a restart forgives the current minute.
func (m *Manager) AllowRequest(accountKey string) error {
	if m.cfg.RequestsPerMinute <= 0 {
		return nil
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.minute[accountKey]
	if w == nil || now.Sub(w.start) >= time.Minute {
		w = &minuteWindow{start: now.Truncate(time.Minute)}
		m.minute[accountKey] = w
	}
	if w.count >= m.cfg.RequestsPerMinute {
		reset := w.start.Add(time.Minute)
		return &memory.RateLimitError{
			Scope:      "requests_per_minute",
			RetryAfter: int64(reset.Sub(now).Seconds()) + 1,
			ResetEpoch: reset.Unix(),
		}
	}
	w.count++
	return nil
}

// Remaining reports the requests left in the tenant's current minute window.
func (m *Manager) Remaining(accountKey string) int {
	if m.cfg.RequestsPerMinute <= 0 {
		return -1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.minute[accountKey]
	if w == nil || m.now().UTC().Sub(w.start) >= time.Minute {
		return m.cfg.RequestsPerMinute
	}
	left := m.cfg.RequestsPerMinute - w.count
	if left < 0 {
		left = 0
	}
	return left
}

// Debit draws n units of kind from the tenant's daily and monthly budgets.
// The check and the increment happen in one transaction; a budget breach
// surfaces as a RateLimitError naming the exhausted scope.
func (m *Manager) Debit(ctx context.Context, accountKey string, kind Kind, n int) error {
	if n <= 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to open quota transaction: %v", memory.ErrServer, err)
	}
	if err := m.debitTx(ctx, tx, accountKey, kind, n); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Manager) debitTx(ctx context.Context, tx *sql.Tx, accountKey string, kind Kind, n int) error {
	now := m.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	var dayBucket, monthBucket string
	var eventsDay, eventsMonth, queriesDay, queriesMonth int
	err := tx.QueryRowContext(ctx, `
		SELECT day_bucket, month_bucket, events_day, events_month, queries_day, queries_month
		FROM api_account_usage WHERE account_key = ?`, accountKey).
		Scan(&dayBucket, &monthBucket, &eventsDay, &eventsMonth, &queriesDay, &queriesMonth)
	switch {
	case err == sql.ErrNoRows:
		dayBucket, monthBucket = day, month
	case err != nil:
		return fmt.Errorf("failed to read usage row: %w", err)
	}

	// Lazy bucket rollover.
	if dayBucket != day {
		eventsDay, queriesDay = 0, 0
		dayBucket = day
	}
	if monthBucket != month {
		eventsMonth, queriesMonth = 0, 0
		monthBucket = month
	}

	switch kind {
	case KindEvent:
		if exceeded(eventsDay+n, m.cfg.EventsPerDay) {
			return m.limitError("events_daily", endOfDay(now))
		}
		if exceeded(eventsMonth+n, m.cfg.EventsPerMonth) {
			return m.limitError("events_monthly", endOfMonth(now))
		}
		eventsDay += n
		eventsMonth += n
	case KindQuery:
		if exceeded(queriesDay+n, m.cfg.QueriesPerDay) {
			return m.limitError("queries_daily", endOfDay(now))
		}
		if exceeded(queriesMonth+n, m.cfg.QueriesPerMonth) {
			return m.limitError("queries_monthly", endOfMonth(now))
		}
		queriesDay += n
		queriesMonth += n
	default:
		return fmt.Errorf("%w: unknown quota kind %q", memory.ErrServer, kind)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_account_usage (account_key, day_bucket, month_bucket,
			events_day, events_month, queries_day, queries_month)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(account_key) DO UPDATE SET
			day_bucket = excluded.day_bucket,
			month_bucket = excluded.month_bucket,
			events_day = excluded.events_day,
			events_month = excluded.events_month,
			queries_day = excluded.queries_day,
			queries_month = excluded.queries_month`,
		accountKey, dayBucket, monthBucket, eventsDay, eventsMonth, queriesDay, queriesMonth)
	if err != nil {
		return fmt.Errorf("failed to write usage row: %w", err)
	}
	return nil
}

func exceeded(next, limit int) bool {
	return limit > 0 && next > limit
}

func (m *Manager) limitError(scope string, reset time.Time) error {
	now := m.now().UTC()
	return &memory.RateLimitError{
		Scope:      scope,
		RetryAfter: int64(reset.Sub(now).Seconds()) + 1,
		ResetEpoch: reset.Unix(),
	}
}

func endOfDay(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func endOfMonth(now time.Time) time.Time {
	y, mo, _ := now.Date()
	return time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// Snapshot is the tenant's current consumption, reported by /v1/status.
type Snapshot struct {
	EventsToday      int   `json:"events_today"`
	EventsThisMonth  int   `json:"events_this_month"`
	QueriesToday     int   `json:"queries_today"`
	QueriesThisMonth int   `json:"queries_this_month"`
	EventsPerDay     int   `json:"events_per_day"`
	EventsPerMonth   int   `json:"events_per_month"`
	QueriesPerDay    int   `json:"queries_per_day"`
	QueriesPerMonth  int   `json:"queries_per_month"`
	DayResetEpoch    int64 `json:"day_reset_epoch"`
	MonthResetEpoch  int64 `json:"month_reset_epoch"`
}

// Usage reads the tenant's consumption, applying bucket rollover to the
// reported values without writing.
func (m *Manager) Usage(ctx context.Context, accountKey string) (Snapshot, error) {
	now := m.now().UTC()
	snap := Snapshot{
		EventsPerDay:    m.cfg.EventsPerDay,
		EventsPerMonth:  m.cfg.EventsPerMonth,
		QueriesPerDay:   m.cfg.QueriesPerDay,
		QueriesPerMonth: m.cfg.QueriesPerMonth,
		DayResetEpoch:   endOfDay(now).Unix(),
		MonthResetEpoch: endOfMonth(now).Unix(),
	}

	var dayBucket, monthBucket string
	err := m.db.QueryRowContext(ctx, `
		SELECT day_bucket, month_bucket, events_day, events_month, queries_day, queries_month
		FROM api_account_usage WHERE account_key = ?`, accountKey).
		Scan(&dayBucket, &monthBucket,
			&snap.EventsToday, &snap.EventsThisMonth, &snap.QueriesToday, &snap.QueriesThisMonth)
	if err == sql.ErrNoRows {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read usage: %w", err)
	}

	if dayBucket != now.Format("2006-01-02") {
		snap.EventsToday, snap.QueriesToday = 0, 0
	}
	if monthBucket != now.Format("2006-01") {
		snap.EventsThisMonth, snap.QueriesThisMonth = 0, 0
	}
	return snap, nil
}
