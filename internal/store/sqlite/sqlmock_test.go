package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscriptionColumnNames = []string{
	"user_id", "plan_id", "plan_name", "status", "start_date", "end_date",
	"payment_id", "amount", "currency", "auto_renew",
	"original_plan_id", "original_plan_name", "expiration_warning_shown",
	"created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newWithDB(db), mock
}

func upgradeToGold(cur *entitlements.SubscriptionRecord) (*entitlements.SubscriptionRecord, error) {
	return &entitlements.SubscriptionRecord{
		PlanID:    entitlements.PlanGold,
		PlanName:  "Gold Tier",
		Status:    entitlements.StatusActive,
		StartDate: t0,
		CreatedAt: t0,
		UpdatedAt: t0,
	}, nil
}

func TestMutateSubscription_ReadErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("user-1").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, changed, err := s.MutateSubscription(context.Background(), "user-1", upgradeToGold)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Contains(t, err.Error(), "read subscription")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateSubscription_WriteErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, _, err := s.MutateSubscription(context.Background(), "user-1", upgradeToGold)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write subscription")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateSubscription_CommitError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(subscriptionColumnNames).AddRow(
			"user-1", "free_tier", "Free Tier", "active", t0.Unix(), nil,
			"", 0, "", 0,
			"", "", 0,
			t0.Unix(), t0.Unix(),
		))
	mock.ExpectExec("INSERT INTO subscriptions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	_, changed, err := s.MutateSubscription(context.Background(), "user-1", upgradeToGold)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Contains(t, err.Error(), "commit subscription")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateSubscription_BeginError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, _, err := s.MutateSubscription(context.Background(), "user-1", upgradeToGold)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin subscription tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageWriteErrors(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO token_usage").
		WithArgs("user-1", int64(10), int64(10), "2024-05", t0.Unix(), t0.Unix()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectExec("UPDATE token_usage SET").
		WillReturnError(errors.New("disk full"))
	mock.ExpectExec("INSERT INTO usage_events").
		WillReturnError(errors.New("disk full"))

	assert.ErrorContains(t, s.IncrementUsage(ctx, "user-1", 10, "2024-05", t0), "increment usage")
	_, err := s.ResetMonthlyUsage(ctx, "user-1", "2024-06", t0)
	assert.ErrorContains(t, err, "reset monthly usage")
	assert.ErrorContains(t, s.RecordUsageEvent(ctx, entitlements.UsageEvent{ID: "x", UserID: "user-1", CreatedAt: t0}), "record usage event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineRetriesTransientReads(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("user-1").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery("SELECT (.+) FROM subscriptions").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(subscriptionColumnNames).AddRow(
			"user-1", "gold_tier", "Gold Tier", "active", t0.Unix(), t0.Add(entitlements.SubscriptionPeriod).Unix(),
			"pay_1", 999, "usd", 1,
			"", "", 0,
			t0.Unix(), t0.Unix(),
		))

	clock := &fakeClock{now: t0}
	eng, err := entitlements.New(s, entitlements.WithClock(clock.Now), entitlements.WithReadRetry(3, 1, 1))
	require.NoError(t, err)

	ent, err := eng.Resolver.Resolve(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanGold, ent.Plan)
	assert.Equal(t, 30, ent.DaysUntilExpiration)
	assert.NoError(t, mock.ExpectationsWereMet())
}
