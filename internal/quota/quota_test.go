package quota

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"recalld/internal/config"
	"recalld/internal/memory"
)

func testQuota(t *testing.T, cfg config.QuotaConfig) *Manager {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	m, err := New(db, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestDebitWithinBudget(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 5, EventsPerMonth: 100})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.Debit(ctx, "t", KindEvent, 1); err != nil {
			t.Fatalf("debit %d failed: %v", i, err)
		}
	}

	err := m.Debit(ctx, "t", KindEvent, 1)
	if !errors.Is(err, memory.ErrRateLimit) {
		t.Fatalf("sixth debit: got %v, want rate limit", err)
	}
	var rle *memory.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error does not carry RateLimitError: %v", err)
	}
	if rle.Scope != "events_daily" {
		t.Errorf("scope = %q, want events_daily", rle.Scope)
	}
	if rle.RetryAfter <= 0 || rle.ResetEpoch <= time.Now().Unix() {
		t.Errorf("retry hints not populated: %+v", rle)
	}
}

func TestDebitMonthlyBudget(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{QueriesPerDay: 100, QueriesPerMonth: 3})
	ctx := context.Background()

	if err := m.Debit(ctx, "t", KindQuery, 3); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	err := m.Debit(ctx, "t", KindQuery, 1)
	var rle *memory.RateLimitError
	if !errors.As(err, &rle) || rle.Scope != "queries_monthly" {
		t.Fatalf("got %v, want queries_monthly limit", err)
	}
}

func TestDebitTenantsIndependent(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 1})
	ctx := context.Background()

	if err := m.Debit(ctx, "a", KindEvent, 1); err != nil {
		t.Fatalf("tenant a debit failed: %v", err)
	}
	if err := m.Debit(ctx, "b", KindEvent, 1); err != nil {
		t.Fatalf("tenant b debit failed: %v", err)
	}
	if err := m.Debit(ctx, "a", KindEvent, 1); !errors.Is(err, memory.ErrRateLimit) {
		t.Errorf("tenant a over budget: got %v", err)
	}
}

func TestDayBucketRollover(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 1, EventsPerMonth: 100})
	ctx := context.Background()

	now := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.Debit(ctx, "t", KindEvent, 1); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if err := m.Debit(ctx, "t", KindEvent, 1); !errors.Is(err, memory.ErrRateLimit) {
		t.Fatalf("expected daily limit, got %v", err)
	}

	// Midnight passes; the daily counter resets but the monthly one holds.
	now = now.Add(2 * time.Hour)
	if err := m.Debit(ctx, "t", KindEvent, 1); err != nil {
		t.Fatalf("debit after rollover failed: %v", err)
	}
	snap, err := m.Usage(ctx, "t")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if snap.EventsToday != 1 {
		t.Errorf("events today = %d, want 1", snap.EventsToday)
	}
	if snap.EventsThisMonth != 2 {
		t.Errorf("events this month = %d, want 2", snap.EventsThisMonth)
	}
}

func TestMonthBucketRollover(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 100, EventsPerMonth: 2})
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.Debit(ctx, "t", KindEvent, 2); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	now = time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)
	if err := m.Debit(ctx, "t", KindEvent, 2); err != nil {
		t.Fatalf("debit after month rollover failed: %v", err)
	}
}

func TestAllowRequestWindow(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{RequestsPerMinute: 2})
	now := time.Date(2026, 8, 25, 10, 0, 30, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.AllowRequest("t"); err != nil {
		t.Fatalf("first request denied: %v", err)
	}
	if err := m.AllowRequest("t"); err != nil {
		t.Fatalf("second request denied: %v", err)
	}
	err := m.AllowRequest("t")
	var rle *memory.RateLimitError
	if !errors.As(err, &rle) || rle.Scope != "requests_per_minute" {
		t.Fatalf("third request: got %v, want per-minute limit", err)
	}

	// Other tenants have their own window.
	if err := m.AllowRequest("u"); err != nil {
		t.Errorf("other tenant denied: %v", err)
	}

	// The next minute admits again.
	now = now.Add(time.Minute)
	if err := m.AllowRequest("t"); err != nil {
		t.Errorf("request after window denied: %v", err)
	}
}

func TestIdempotentReplaySkipsDebit(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 1})
	ctx := context.Background()

	hash := HashRequest([]byte(`{"content":"hello"}`))
	replay, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "key-1", hash)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if replay != nil {
		t.Fatalf("first request produced a replay")
	}
	if err := m.StoreResponse(ctx, "t", "ingest", "key-1", 200, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("StoreResponse failed: %v", err)
	}

	// The budget is exhausted, but the replay must still succeed.
	replay, err = m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "key-1", hash)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay == nil || replay.StatusCode != 200 || string(replay.Body) != `{"ok":true}` {
		t.Fatalf("replay = %+v", replay)
	}

	// A fresh key now trips the budget.
	_, err = m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "key-2", hash)
	if !errors.Is(err, memory.ErrRateLimit) {
		t.Errorf("fresh key over budget: got %v", err)
	}
}

func TestIdempotencyConflicts(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 10})
	ctx := context.Background()

	hashA := HashRequest([]byte("body-a"))
	hashB := HashRequest([]byte("body-b"))

	if _, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "k", hashA); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}

	// Same key while the original is still pending.
	_, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "k", hashA)
	if !errors.Is(err, memory.ErrIdempotencyConflict) {
		t.Errorf("pending replay: got %v, want conflict", err)
	}

	m.StoreResponse(ctx, "t", "ingest", "k", 200, []byte("done"))

	// Same key, different body.
	_, err = m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "k", hashB)
	if !errors.Is(err, memory.ErrIdempotencyConflict) {
		t.Errorf("mismatched body: got %v, want conflict", err)
	}
}

func TestIdempotencyScopedPerOperation(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 10, QueriesPerDay: 10})
	ctx := context.Background()

	hash := HashRequest([]byte("body"))
	if _, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "k", hash); err != nil {
		t.Fatalf("ingest reservation failed: %v", err)
	}
	m.StoreResponse(ctx, "t", "ingest", "k", 201, []byte("stored"))

	// The same key under a different operation is a fresh reservation.
	replay, err := m.DebitWithReservation(ctx, "t", "feedback", KindQuery, 1, "k", hash)
	if err != nil {
		t.Fatalf("feedback reservation failed: %v", err)
	}
	if replay != nil {
		t.Fatalf("feedback reuse of the key replayed an ingest response: %+v", replay)
	}
}

func TestReleaseReservationAllowsRetry(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 10})
	ctx := context.Background()

	hash := HashRequest([]byte("body"))
	if _, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "k", hash); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}
	if err := m.ReleaseReservation(ctx, "t", "ingest", "k"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "k", hash); err != nil {
		t.Errorf("retry after release failed: %v", err)
	}
}

func TestPruneReservations(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 10})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	if _, err := m.DebitWithReservation(ctx, "t", "ingest", KindEvent, 1, "old", HashRequest([]byte("x"))); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}

	m.now = func() time.Time { return base.Add(72 * time.Hour) }
	n, err := m.PruneReservations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

func TestUsageEmptyTenant(t *testing.T) {
	m := testQuota(t, config.QuotaConfig{EventsPerDay: 5, QueriesPerDay: 7})

	snap, err := m.Usage(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if snap.EventsToday != 0 || snap.QueriesToday != 0 {
		t.Errorf("fresh tenant usage = %+v", snap)
	}
	if snap.EventsPerDay != 5 || snap.QueriesPerDay != 7 {
		t.Errorf("limits not echoed: %+v", snap)
	}
}
