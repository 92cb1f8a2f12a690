package entitlements

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// gatedStore holds GetSubscription calls after the read until released.
type gatedStore struct {
	*MemoryStore

	gateFirstOnly bool
	calls         atomic.Int64
	entered       chan struct{}
	release       chan struct{}
}

func newGatedStore(firstOnly bool) *gatedStore {
	return &gatedStore{
		MemoryStore:   NewMemoryStore(),
		gateFirstOnly: firstOnly,
		entered:       make(chan struct{}, 16),
		release:       make(chan struct{}),
	}
}

func (g *gatedStore) GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	rec, err := g.MemoryStore.GetSubscription(ctx, userID)
	n := g.calls.Add(1)
	if g.gateFirstOnly && n > 1 {
		return rec, err
	}
	g.entered <- struct{}{}
	<-g.release
	return rec, err
}

func newRefreshEngine(t *testing.T, store Store, clock *testClock) *Engine {
	t.Helper()
	return newTestEngine(t, store, clock, WithRefreshConfig(RefreshConfig{
		PollInterval:     time.Hour,
		MinCheckInterval: time.Minute,
	}))
}

func TestRefresh_MountSurfacesExpiringNoticeOnce(t *testing.T) {
	clock := newTestClock(day0)
	eng := newRefreshEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanGold, "", PaymentDetails{})
	require.NoError(t, err)
	clock.Advance(25 * 24 * time.Hour)

	rec := &noticeRecorder{}
	c, err := eng.NewRefreshController("user-1", rec)
	require.NoError(t, err)
	assert.Equal(t, StateUnchecked, c.State())

	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool { return c.Snapshot().WarningShown }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateFresh, c.State())

	notices := rec.all()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeExpiringSoon, notices[0].Kind)
	assert.Equal(t, 5, notices[0].DaysRemaining)
	assert.Equal(t, "Your Gold Tier subscription expires in 5 days.", notices[0].Message)

	stored, err := eng.Subscriptions.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, stored.ExpirationWarningShown, "flag is persisted")

	// A forced refresh or a fresh session does not repeat the notice.
	_, err = c.ForceRefresh(ctx)
	require.NoError(t, err)

	other, err := eng.NewRefreshController("user-1", rec)
	require.NoError(t, err)
	_, err = other.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)
}

func TestRefresh_PollIsSilentDailyIsNot(t *testing.T) {
	clock := newTestClock(day0)
	eng := newRefreshEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanGold, "", PaymentDetails{})
	require.NoError(t, err)
	clock.Advance(29 * 24 * time.Hour)

	rec := &noticeRecorder{}
	c, err := eng.NewRefreshController("user-1", rec)
	require.NoError(t, err)

	ent, err := c.check(ctx, TriggerPoll)
	require.NoError(t, err)
	assert.True(t, ent.ExpiringSoon)
	assert.Empty(t, rec.all())

	// The daily boundary can land right after a poll.
	clock.Advance(30 * time.Second)
	_, err = c.check(ctx, TriggerDaily)
	require.NoError(t, err)
	notices := rec.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "Your Gold Tier subscription expires in 1 day.", notices[0].Message)
}

func TestRefresh_ExpiredNotice(t *testing.T) {
	clock := newTestClock(day0)
	eng := newRefreshEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanGold, "", PaymentDetails{})
	require.NoError(t, err)
	clock.Advance(31 * 24 * time.Hour)

	rec := &noticeRecorder{}
	c, err := eng.NewRefreshController("user-1", rec)
	require.NoError(t, err)

	ent, err := c.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlanFree, ent.Plan)
	assert.True(t, ent.JustDowngraded)
	assert.True(t, ent.WarningShown)

	notices := rec.all()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeExpired, notices[0].Kind)
	assert.Equal(t, "Your Gold Tier subscription has expired. You are now on the Free Tier.", notices[0].Message)
}

func TestRefresh_ConcurrentChecksNotifyOnce(t *testing.T) {
	clock := newTestClock(day0)
	eng := newRefreshEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanDiamond, "", PaymentDetails{})
	require.NoError(t, err)
	clock.Advance(27 * 24 * time.Hour)

	rec := &noticeRecorder{}
	c, err := eng.NewRefreshController("user-1", rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ForceRefresh(ctx); err != nil {
				t.Errorf("ForceRefresh: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, rec.all(), 1)
}

func TestRefresh_MinCheckIntervalSkipsOnlyPolls(t *testing.T) {
	clock := newTestClock(day0)
	store := newFaultyStore()
	eng := newRefreshEngine(t, store, clock)
	ctx := context.Background()

	c, err := eng.NewRefreshController("user-1", nil)
	require.NoError(t, err)

	_, err = c.ForceRefresh(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), store.getSubCalls.Load())

	_, err = c.check(ctx, TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.getSubCalls.Load(), "fresh snapshot short-circuits polls")

	_, err = c.check(ctx, TriggerDaily)
	require.NoError(t, err)
	_, err = c.check(ctx, TriggerMount)
	require.NoError(t, err)
	_, err = c.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), store.getSubCalls.Load(), "notice-capable triggers always read")

	clock.Advance(2 * time.Minute)
	_, err = c.check(ctx, TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, int64(5), store.getSubCalls.Load())
}

func TestRefresh_StopDiscardsInFlightCheck(t *testing.T) {
	clock := newTestClock(day0)
	store := newGatedStore(false)
	eng := newRefreshEngine(t, store, clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanGold, "", PaymentDetails{})
	require.NoError(t, err)

	c, err := eng.NewRefreshController("user-1", nil)
	require.NoError(t, err)
	var changes atomic.Int64
	c.OnChange(func(Entitlement) { changes.Add(1) })

	before := testutil.ToFloat64(metrics.RefreshChecksTotal.WithLabelValues(string(TriggerMount), "discarded"))

	c.Start(ctx)
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("mount check never reached the store")
	}
	c.Stop()
	close(store.release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RefreshChecksTotal.WithLabelValues(string(TriggerMount), "discarded"))-before == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, changes.Load())
	assert.Equal(t, PlanFree, c.Snapshot().Plan, "stale result was not applied")
}

func TestRefresh_OlderResultDoesNotOverwriteNewer(t *testing.T) {
	clock := newTestClock(day0)
	store := newGatedStore(true)
	eng := newRefreshEngine(t, store, clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanGold, "", PaymentDetails{})
	require.NoError(t, err)

	c, err := eng.NewRefreshController("user-1", nil)
	require.NoError(t, err)

	firstDone := make(chan Entitlement, 1)
	go func() {
		ent, _ := c.ForceRefresh(ctx)
		firstDone <- ent
	}()
	<-store.entered

	_, err = eng.Subscriptions.Save(ctx, "user-1", PlanDiamond, "", PaymentDetails{})
	require.NoError(t, err)
	second, err := c.ForceRefresh(ctx)
	require.NoError(t, err)
	require.Equal(t, PlanDiamond, second.Plan)

	close(store.release)
	first := <-firstDone
	assert.Equal(t, PlanGold, first.Plan)
	assert.Equal(t, PlanDiamond, c.Snapshot().Plan, "older check must not overwrite the newer snapshot")
}

func TestRefresh_ErrorMarksStale(t *testing.T) {
	clock := newTestClock(day0)
	store := newFaultyStore()
	eng := newRefreshEngine(t, store, clock)
	ctx := context.Background()

	c, err := eng.NewRefreshController("user-1", nil)
	require.NoError(t, err)

	store.getSubErr = errStoreDown
	_, err = c.ForceRefresh(ctx)
	require.Error(t, err)
	assert.Equal(t, StateStale, c.State())
	assert.ErrorIs(t, c.LastError(), errStoreDown)

	store.getSubErr = nil
	_, err = c.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, c.State())
	assert.NoError(t, c.LastError())
}

func TestRefresh_InertController(t *testing.T) {
	store := newFaultyStore()
	eng := newRefreshEngine(t, store, newTestClock(day0))
	ctx := context.Background()

	c, err := eng.NewRefreshController("", &noticeRecorder{})
	require.NoError(t, err)
	c.Start(ctx)
	defer c.Stop()

	assert.Equal(t, StateFresh, c.State())
	ent, err := c.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlanFree, ent.Plan)
	assert.Zero(t, store.getSubCalls.Load())

	_, err = eng.NewRefreshController("a/b", nil)
	assert.True(t, IsValidation(err))
}

func TestRefresh_OnChangeReceivesSnapshots(t *testing.T) {
	clock := newTestClock(day0)
	eng := newRefreshEngine(t, NewMemoryStore(), clock)
	ctx := context.Background()

	_, err := eng.Subscriptions.Save(ctx, "user-1", PlanGold, "", PaymentDetails{})
	require.NoError(t, err)

	c, err := eng.NewRefreshController("user-1", nil)
	require.NoError(t, err)
	got := make(chan Entitlement, 4)
	c.OnChange(func(ent Entitlement) { got <- ent })

	_, err = c.ForceRefresh(ctx)
	require.NoError(t, err)

	select {
	case ent := <-got:
		assert.Equal(t, PlanGold, ent.Plan)
		assert.Equal(t, "user-1", ent.UserID)
	default:
		t.Fatal("OnChange was not called")
	}
}
