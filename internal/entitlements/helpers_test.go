package entitlements

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errStoreDown = errors.New("store down")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestEngine(t *testing.T, store Store, clock *testClock, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(clock.Now),
		WithLocation(time.UTC),
		withSleep(noSleep),
	}
	eng, err := New(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

// day0 is a fixed reference instant used across tests.
var day0 = time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC)

// faultyStore wraps a MemoryStore and fails selected operations.
type faultyStore struct {
	*MemoryStore

	getSubErr   error
	mutateErr   error
	getUsageErr error
	resetErr    error
	incrErr     error
	eventErr    error

	getSubCalls atomic.Int64
	usageCalls  atomic.Int64
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore()}
}

func (f *faultyStore) GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	f.getSubCalls.Add(1)
	if f.getSubErr != nil {
		return nil, f.getSubErr
	}
	return f.MemoryStore.GetSubscription(ctx, userID)
}

func (f *faultyStore) MutateSubscription(ctx context.Context, userID string, fn MutateFunc) (*SubscriptionRecord, bool, error) {
	if f.mutateErr != nil {
		return nil, false, f.mutateErr
	}
	return f.MemoryStore.MutateSubscription(ctx, userID, fn)
}

func (f *faultyStore) GetUsage(ctx context.Context, userID string) (*UsageRecord, error) {
	f.usageCalls.Add(1)
	if f.getUsageErr != nil {
		return nil, f.getUsageErr
	}
	return f.MemoryStore.GetUsage(ctx, userID)
}

func (f *faultyStore) ResetMonthlyUsage(ctx context.Context, userID, month string, at time.Time) (bool, error) {
	if f.resetErr != nil {
		return false, f.resetErr
	}
	return f.MemoryStore.ResetMonthlyUsage(ctx, userID, month, at)
}

func (f *faultyStore) IncrementUsage(ctx context.Context, userID string, tokens int64, month string, at time.Time) error {
	if f.incrErr != nil {
		return f.incrErr
	}
	return f.MemoryStore.IncrementUsage(ctx, userID, tokens, month, at)
}

func (f *faultyStore) RecordUsageEvent(ctx context.Context, ev UsageEvent) error {
	if f.eventErr != nil {
		return f.eventErr
	}
	return f.MemoryStore.RecordUsageEvent(ctx, ev)
}

// putSubscription writes rec directly, bypassing SubscriptionStore rules.
func putSubscription(t *testing.T, store Store, rec *SubscriptionRecord) {
	t.Helper()
	_, _, err := store.MutateSubscription(context.Background(), rec.UserID, func(*SubscriptionRecord) (*SubscriptionRecord, error) {
		return rec, nil
	})
	if err != nil {
		t.Fatalf("put subscription: %v", err)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
