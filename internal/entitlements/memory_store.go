package entitlements

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*SubscriptionRecord
	usage         map[string]*UsageRecord
	events        []UsageEvent
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*SubscriptionRecord),
		usage:         make(map[string]*UsageRecord),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[userID].Clone(), nil
}

func (m *MemoryStore) MutateSubscription(ctx context.Context, userID string, fn MutateFunc) (*SubscriptionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.subscriptions[userID]
	next, err := fn(current.Clone())
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return current.Clone(), false, nil
	}
	next = next.Clone()
	next.UserID = userID
	m.subscriptions[userID] = next
	return next.Clone(), true, nil
}

func (m *MemoryStore) ListLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]*SubscriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SubscriptionRecord
	for _, rec := range m.subscriptions {
		if rec.PlanID == PlanFree || rec.EndDate == nil || rec.EndDate.After(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(*out[j].EndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountSubscriptionsByPlan(ctx context.Context) (map[PlanID]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[PlanID]int)
	for _, rec := range m.subscriptions {
		counts[rec.PlanID]++
	}
	return counts, nil
}

func (m *MemoryStore) GetUsage(ctx context.Context, userID string) (*UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[userID].Clone(), nil
}

func (m *MemoryStore) InsertUsageIfAbsent(ctx context.Context, userID, month string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usage[userID]; ok {
		return false, nil
	}
	m.usage[userID] = &UsageRecord{
		UserID:        userID,
		CurrentMonth:  month,
		LastResetDate: at,
		LastUpdated:   at,
	}
	return true, nil
}

func (m *MemoryStore) ResetMonthlyUsage(ctx context.Context, userID, month string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.usage[userID]
	if !ok || rec.CurrentMonth == month {
		return false, nil
	}
	rec.MonthlyTokensUsed = 0
	rec.CurrentMonth = month
	rec.LastResetDate = at
	rec.LastUpdated = at
	return true, nil
}

func (m *MemoryStore) IncrementUsage(ctx context.Context, userID string, tokens int64, month string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.usage[userID]
	if !ok {
		rec = &UsageRecord{UserID: userID, CurrentMonth: month, LastResetDate: at}
		m.usage[userID] = rec
	}
	if rec.CurrentMonth != month {
		rec.MonthlyTokensUsed = 0
		rec.CurrentMonth = month
		rec.LastResetDate = at
	}
	rec.TotalTokensUsed = addSaturating(rec.TotalTokensUsed, tokens)
	rec.MonthlyTokensUsed = addSaturating(rec.MonthlyTokensUsed, tokens)
	rec.LastUpdated = at
	return nil
}

func (m *MemoryStore) RecordUsageEvent(ctx context.Context, ev UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// ListUsageEvents returns the user's diagnostics rows, newest first.
func (m *MemoryStore) ListUsageEvents(ctx context.Context, userID string, limit int) ([]UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []UsageEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].UserID != userID {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// addSaturating adds a non-negative delta, pinning at math.MaxInt64.
func addSaturating(total, delta int64) int64 {
	if delta > math.MaxInt64-total {
		return math.MaxInt64
	}
	return total + delta
}
