package entitlements

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAddUsage_ConcurrentIncrementsAreNotLost(t *testing.T) {
	eng := newTestEngine(t, NewMemoryStore(), newTestClock(day0))
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Usage.AddUsage(gctx, "user-1", 100, UsageContext{}) })
	g.Go(func() error { return eng.Usage.AddUsage(gctx, "user-1", 50, UsageContext{}) })
	require.NoError(t, g.Wait())

	rec, err := eng.Usage.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), rec.MonthlyTokensUsed)
	assert.Equal(t, int64(150), rec.TotalTokensUsed)
	assert.Equal(t, "2024-05", rec.CurrentMonth)
}

func TestAddUsage_ManyWriters(t *testing.T) {
	eng := newTestEngine(t, NewMemoryStore(), newTestClock(day0))
	ctx := context.Background()

	const writers, perWriter = 32, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := eng.Usage.AddUsage(ctx, "user-1", 3, UsageContext{}); err != nil {
					t.Errorf("AddUsage: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	rec, err := eng.Usage.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter*3), rec.MonthlyTokensUsed)
}

func TestUsage_MonthRolloverResetsMonthlyOnly(t *testing.T) {
	clock := newTestClock(time.Date(2024, time.May, 31, 23, 0, 0, 0, time.UTC))
	eng := newTestEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 1200, UsageContext{}))

	clock.Set(time.Date(2024, time.June, 1, 0, 30, 0, 0, time.UTC))
	rec, err := eng.Usage.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-06", rec.CurrentMonth)
	assert.Zero(t, rec.MonthlyTokensUsed)
	assert.Equal(t, int64(1200), rec.TotalTokensUsed)
	assert.Equal(t, clock.Now(), rec.LastResetDate)

	reset, err := eng.Usage.ResetIfNewMonth(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, reset, "second reset in the same month is a no-op")
}

func TestAddUsage_FirstIncrementOfNewMonthStartsFresh(t *testing.T) {
	clock := newTestClock(time.Date(2024, time.May, 20, 9, 0, 0, 0, time.UTC))
	eng := newTestEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 4000, UsageContext{}))

	// No read happens between the month change and the next increment.
	clock.Set(time.Date(2024, time.June, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 10, UsageContext{}))

	rec, err := eng.Usage.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.MonthlyTokensUsed)
	assert.Equal(t, int64(4010), rec.TotalTokensUsed)
}

func TestUsage_MonthKeyUsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	clock := newTestClock(time.Date(2024, time.May, 31, 20, 0, 0, 0, time.UTC))
	eng := newTestEngine(t, NewMemoryStore(), clock, WithLocation(tokyo))

	assert.Equal(t, "2024-06", eng.Usage.CurrentMonthKey())
}

func TestAddUsage_Validation(t *testing.T) {
	store := NewMemoryStore()
	eng := newTestEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	err := eng.Usage.AddUsage(ctx, "user-1", -5, UsageContext{})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.ErrorIs(t, err, ErrInvalidTokens)

	err = eng.Usage.AddUsage(ctx, "bad/user", 5, UsageContext{})
	assert.ErrorIs(t, err, ErrInvalidUserID)

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAddUsage_RejectsOversizedCounts(t *testing.T) {
	store := NewMemoryStore()
	eng := newTestEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 100, UsageContext{}))
	err := eng.Usage.AddUsage(ctx, "user-1", math.MaxInt64, UsageContext{})
	require.ErrorIs(t, err, ErrInvalidTokens)
	assert.True(t, IsValidation(err))

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.TotalTokensUsed)
}

func TestMemoryStore_IncrementSaturates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.IncrementUsage(ctx, "user-1", 100, "2024-05", day0))
	require.NoError(t, store.IncrementUsage(ctx, "user-1", math.MaxInt64, "2024-05", day0))

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), rec.TotalTokensUsed)
	assert.Equal(t, int64(math.MaxInt64), rec.MonthlyTokensUsed)
}

func TestUsage_EmptyUserIsInert(t *testing.T) {
	store := newFaultyStore()
	eng := newTestEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	require.NoError(t, eng.Usage.AddUsage(ctx, "", 500, UsageContext{}))
	require.NoError(t, eng.Usage.EnsureDocument(ctx, ""))

	rec, err := eng.Usage.Usage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, rec.MonthlyTokensUsed)
	assert.Zero(t, store.usageCalls.Load())
}

func TestUsage_MissingLedgerIsZeroed(t *testing.T) {
	eng := newTestEngine(t, NewMemoryStore(), newTestClock(day0))

	rec, err := eng.Usage.Usage(context.Background(), "new-user")
	require.NoError(t, err)
	assert.Equal(t, "new-user", rec.UserID)
	assert.Equal(t, "2024-05", rec.CurrentMonth)
	assert.Zero(t, rec.TotalTokensUsed)
}

func TestEnsureDocument_DoesNotOverwrite(t *testing.T) {
	store := NewMemoryStore()
	eng := newTestEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 42, UsageContext{}))
	require.NoError(t, eng.Usage.EnsureDocument(ctx, "user-1"))

	rec, err := store.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.MonthlyTokensUsed)
}

func TestAddUsage_RecordsUsageEvent(t *testing.T) {
	store := NewMemoryStore()
	eng := newTestEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	prompt := strings.Repeat("é", 150)
	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 77, UsageContext{ChatID: "chat-9", Plan: "GOLD_TIER", Prompt: prompt}))
	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 1, UsageContext{}))

	events, err := eng.RecentUsageEvents(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[1]
	assert.Equal(t, int64(77), first.Tokens)
	assert.Equal(t, "chat-9", first.ChatID)
	assert.Equal(t, PlanGold, first.PlanID)
	assert.Equal(t, strings.Repeat("é", maxExcerptRunes), first.PromptExcerpt)
	assert.Equal(t, day0, first.CreatedAt)
	_, err = ulid.Parse(first.ID)
	assert.NoError(t, err)
}

func TestAddUsage_EventFailureDoesNotFailIncrement(t *testing.T) {
	store := newFaultyStore()
	store.eventErr = errStoreDown
	eng := newTestEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	require.NoError(t, eng.Usage.AddUsage(ctx, "user-1", 10, UsageContext{}))
	rec, err := eng.Usage.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.MonthlyTokensUsed)
}

func TestAddUsage_IncrementFailureIsTransientWrite(t *testing.T) {
	store := newFaultyStore()
	store.incrErr = errStoreDown
	eng := newTestEngine(t, store, newTestClock(day0))

	err := eng.Usage.AddUsage(context.Background(), "user-1", 10, UsageContext{})
	require.Error(t, err)
	kind, ok := kindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransientWrite, kind)
}

func TestEstimateTokens(t *testing.T) {
	eng := newTestEngine(t, NewMemoryStore(), newTestClock(day0))

	assert.Equal(t, int64(0), eng.Usage.EstimateTokens(""))
	assert.Equal(t, int64(1), eng.Usage.EstimateTokens("abc"))
	assert.Equal(t, int64(2), eng.Usage.EstimateTokens("abcdefgh"))
	assert.Equal(t, int64(3), eng.Usage.EstimateTokens("abcdefghi"))

	fixed := newTestEngine(t, NewMemoryStore(), newTestClock(day0), WithTokenEstimator(fixedEstimator(9)))
	assert.Equal(t, int64(9), fixed.Usage.EstimateTokens("anything"))
}

type fixedEstimator int64

func (f fixedEstimator) EstimateTokens(string) int64 { return int64(f) }
