package entitlements

import (
	"context"
	"time"
)

// MutateFunc receives a copy of the current record (nil when absent) and
// returns the record to persist. Returning nil leaves storage untouched.
type MutateFunc func(current *SubscriptionRecord) (*SubscriptionRecord, error)

// SubscriptionStorage persists subscription documents.
type SubscriptionStorage interface {
	// GetSubscription returns nil, nil when the user has no record.
	GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error)

	// MutateSubscription runs fn and writes its result atomically with
	// respect to other mutations of the same user. It returns the record
	// as stored afterwards and whether a write happened.
	MutateSubscription(ctx context.Context, userID string, fn MutateFunc) (*SubscriptionRecord, bool, error)

	// ListLapsedSubscriptions returns paid records whose end date is at or before now.
	ListLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]*SubscriptionRecord, error)

	// CountSubscriptionsByPlan returns the number of stored records per plan id.
	CountSubscriptionsByPlan(ctx context.Context) (map[PlanID]int, error)
}

// UsageStorage persists token ledgers. Every counter write must be atomic at
// the storage layer; callers never read-modify-write.
type UsageStorage interface {
	// GetUsage returns nil, nil when the user has no ledger.
	GetUsage(ctx context.Context, userID string) (*UsageRecord, error)

	// InsertUsageIfAbsent creates a zeroed ledger for month. Reports whether a row was created.
	InsertUsageIfAbsent(ctx context.Context, userID, month string, at time.Time) (bool, error)

	// ResetMonthlyUsage zeroes the monthly counter only when the stored month
	// differs from month. Reports whether a reset happened.
	ResetMonthlyUsage(ctx context.Context, userID, month string, at time.Time) (bool, error)

	// IncrementUsage adds tokens to both counters in a single statement. When the
	// stored month differs from month the monthly counter restarts at tokens.
	IncrementUsage(ctx context.Context, userID string, tokens int64, month string, at time.Time) error

	// RecordUsageEvent appends a diagnostics row.
	RecordUsageEvent(ctx context.Context, ev UsageEvent) error
}

// Store is the persistence port the engine is constructed with.
type Store interface {
	SubscriptionStorage
	UsageStorage
	Ping(ctx context.Context) error
}

// UsageEventLister is implemented by stores that can return diagnostics rows.
type UsageEventLister interface {
	ListUsageEvents(ctx context.Context, userID string, limit int) ([]UsageEvent, error)
}
