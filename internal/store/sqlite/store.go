// Package sqlite implements the entitlements persistence port on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ledgerchat/entitlements/internal/entitlements"
	_ "modernc.org/sqlite"
)

const dbFileName = "entitlements.db"

// Store provides subscription and usage persistence backed by SQLite.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ entitlements.Store = (*Store)(nil)

// Open opens (or creates) the entitlements database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlements db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// newWithDB wraps an existing handle without touching the schema.
func newWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id                  TEXT PRIMARY KEY,
		plan_id                  TEXT NOT NULL,
		plan_name                TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL,
		start_date               INTEGER NOT NULL,
		end_date                 INTEGER,
		payment_id               TEXT NOT NULL DEFAULT '',
		amount                   INTEGER NOT NULL DEFAULT 0,
		currency                 TEXT NOT NULL DEFAULT '',
		auto_renew               INTEGER NOT NULL DEFAULT 0,
		original_plan_id         TEXT NOT NULL DEFAULT '',
		original_plan_name       TEXT NOT NULL DEFAULT '',
		expiration_warning_shown INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_plan_end ON subscriptions(plan_id, end_date);

	CREATE TABLE IF NOT EXISTS token_usage (
		user_id             TEXT PRIMARY KEY,
		total_tokens_used   INTEGER NOT NULL DEFAULT 0,
		monthly_tokens_used INTEGER NOT NULL DEFAULT 0,
		current_month       TEXT NOT NULL,
		last_reset_date     INTEGER NOT NULL,
		last_updated        INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_events (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		tokens         INTEGER NOT NULL,
		chat_id        TEXT NOT NULL DEFAULT '',
		plan_id        TEXT NOT NULL DEFAULT '',
		prompt_excerpt TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlements schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection. Later calls report
// entitlements.ErrUnavailable.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) usable() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return entitlements.ErrUnavailable
	}
	return nil
}

const subscriptionColumns = `
	user_id, plan_id, plan_name, status, start_date, end_date,
	payment_id, amount, currency, auto_renew,
	original_plan_id, original_plan_name, expiration_warning_shown,
	created_at, updated_at`

// GetSubscription retrieves a subscription by user id.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT`+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	rec, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return rec, nil
}

// MutateSubscription reads, transforms and writes a subscription inside one transaction.
func (s *Store) MutateSubscription(ctx context.Context, userID string, fn entitlements.MutateFunc) (*entitlements.SubscriptionRecord, bool, error) {
	if err := s.usable(); err != nil {
		return nil, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin subscription tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT`+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	current, err := scanSubscription(row)
	if err != nil {
		return nil, false, fmt.Errorf("read subscription: %w", err)
	}

	next, err := fn(current.Clone())
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return current, false, nil
	}
	next = next.Clone()
	next.UserID = userID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			plan_name = excluded.plan_name,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			payment_id = excluded.payment_id,
			amount = excluded.amount,
			currency = excluded.currency,
			auto_renew = excluded.auto_renew,
			original_plan_id = excluded.original_plan_id,
			original_plan_name = excluded.original_plan_name,
			expiration_warning_shown = excluded.expiration_warning_shown,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		next.UserID, string(next.PlanID), next.PlanName, string(next.Status),
		next.StartDate.Unix(), nullableTimeUnix(next.EndDate),
		next.PaymentID, next.Amount, next.Currency, boolToInt(next.AutoRenew),
		string(next.OriginalPlanID), next.OriginalPlanName, boolToInt(next.ExpirationWarningShown),
		next.CreatedAt.Unix(), next.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("write subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit subscription: %w", err)
	}
	return truncate(next), true, nil
}

// ListLapsedSubscriptions returns paid subscriptions whose end date is at or before now.
func (s *Store) ListLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]*entitlements.SubscriptionRecord, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE plan_id <> ? AND end_date IS NOT NULL AND end_date <= ?
		ORDER BY end_date ASC LIMIT ?`,
		string(entitlements.PlanFree), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*entitlements.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("list lapsed subscriptions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountSubscriptionsByPlan returns a map of plan -> count.
func (s *Store) CountSubscriptionsByPlan(ctx context.Context) (map[entitlements.PlanID]int, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id, COUNT(*) FROM subscriptions GROUP BY plan_id`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by plan: %w", err)
	}
	defer rows.Close()

	counts := make(map[entitlements.PlanID]int)
	for rows.Next() {
		var plan string
		var count int
		if err := rows.Scan(&plan, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[entitlements.PlanID(plan)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(sc scanner) (*entitlements.SubscriptionRecord, error) {
	var r entitlements.SubscriptionRecord
	var planID, status, originalPlanID string
	var startDate, createdAt, updatedAt int64
	var endDate sql.NullInt64
	var autoRenew, warningShown int

	err := sc.Scan(
		&r.UserID, &planID, &r.PlanName, &status, &startDate, &endDate,
		&r.PaymentID, &r.Amount, &r.Currency, &autoRenew,
		&originalPlanID, &r.OriginalPlanName, &warningShown,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	r.PlanID = entitlements.PlanID(planID)
	r.Status = entitlements.SubscriptionStatus(status)
	r.OriginalPlanID = entitlements.PlanID(originalPlanID)
	r.StartDate = time.Unix(startDate, 0).UTC()
	if endDate.Valid {
		ts := time.Unix(endDate.Int64, 0).UTC()
		r.EndDate = &ts
	}
	r.AutoRenew = autoRenew != 0
	r.ExpirationWarningShown = warningShown != 0
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

// truncate mirrors the second precision of stored timestamps.
func truncate(r *entitlements.SubscriptionRecord) *entitlements.SubscriptionRecord {
	r.StartDate = time.Unix(r.StartDate.Unix(), 0).UTC()
	r.CreatedAt = time.Unix(r.CreatedAt.Unix(), 0).UTC()
	r.UpdatedAt = time.Unix(r.UpdatedAt.Unix(), 0).UTC()
	if r.EndDate != nil {
		ts := time.Unix(r.EndDate.Unix(), 0).UTC()
		r.EndDate = &ts
	}
	return r
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
