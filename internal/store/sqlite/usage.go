package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerchat/entitlements/internal/entitlements"
)

// GetUsage retrieves a user's token ledger.
func (s *Store) GetUsage(ctx context.Context, userID string) (*entitlements.UsageRecord, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	var u entitlements.UsageRecord
	var lastReset, lastUpdated int64
	err := s.db.QueryRowContext(ctx, `SELECT
		user_id, total_tokens_used, monthly_tokens_used, current_month, last_reset_date, last_updated
		FROM token_usage WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.TotalTokensUsed, &u.MonthlyTokensUsed, &u.CurrentMonth, &lastReset, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}
	u.LastResetDate = time.Unix(lastReset, 0).UTC()
	u.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &u, nil
}

// InsertUsageIfAbsent creates a zeroed ledger row when none exists.
func (s *Store) InsertUsageIfAbsent(ctx context.Context, userID, month string, at time.Time) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (user_id, total_tokens_used, monthly_tokens_used, current_month, last_reset_date, last_updated)
		VALUES (?, 0, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, month, at.Unix(), at.Unix())
	if err != nil {
		return false, fmt.Errorf("insert usage: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ResetMonthlyUsage zeroes the monthly counter only if the stored month differs.
func (s *Store) ResetMonthlyUsage(ctx context.Context, userID, month string, at time.Time) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE token_usage SET
			monthly_tokens_used = 0,
			current_month = ?,
			last_reset_date = ?,
			last_updated = ?
		WHERE user_id = ? AND current_month <> ?`,
		month, at.Unix(), at.Unix(), userID, month)
	if err != nil {
		return false, fmt.Errorf("reset monthly usage: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// IncrementUsage adds tokens to both counters in one upsert. A stale stored
// month restarts the monthly counter in the same statement. Counters saturate
// at the int64 maximum; SQLite would otherwise promote the column to REAL.
func (s *Store) IncrementUsage(ctx context.Context, userID string, tokens int64, month string, at time.Time) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (user_id, total_tokens_used, monthly_tokens_used, current_month, last_reset_date, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_tokens_used = MIN(token_usage.total_tokens_used, 9223372036854775807 - excluded.total_tokens_used) + excluded.total_tokens_used,
			monthly_tokens_used = CASE
				WHEN token_usage.current_month = excluded.current_month
				THEN MIN(token_usage.monthly_tokens_used, 9223372036854775807 - excluded.monthly_tokens_used) + excluded.monthly_tokens_used
				ELSE excluded.monthly_tokens_used END,
			last_reset_date = CASE
				WHEN token_usage.current_month = excluded.current_month
				THEN token_usage.last_reset_date
				ELSE excluded.last_reset_date END,
			current_month = excluded.current_month,
			last_updated = excluded.last_updated`,
		userID, tokens, tokens, month, at.Unix(), at.Unix())
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// RecordUsageEvent appends a diagnostics row.
func (s *Store) RecordUsageEvent(ctx context.Context, ev entitlements.UsageEvent) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, tokens, chat_id, plan_id, prompt_excerpt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.Tokens, ev.ChatID, string(ev.PlanID), ev.PromptExcerpt, ev.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}
	return nil
}

// ListUsageEvents returns the most recent diagnostics rows for a user, newest first.
func (s *Store) ListUsageEvents(ctx context.Context, userID string, limit int) ([]entitlements.UsageEvent, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, user_id, tokens, chat_id, plan_id, prompt_excerpt, created_at
		FROM usage_events WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []entitlements.UsageEvent
	for rows.Next() {
		var ev entitlements.UsageEvent
		var plan string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Tokens, &ev.ChatID, &plan, &ev.PromptExcerpt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		ev.PlanID = entitlements.PlanID(plan)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
