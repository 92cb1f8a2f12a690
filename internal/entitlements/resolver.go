package entitlements

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entitlement is the resolved view of a user's plan at a point in time.
type Entitlement struct {
	UserID                string             `json:"user_id,omitempty"`
	Plan                  PlanID             `json:"plan_id"`
	PlanName              string             `json:"plan_name"`
	Status                SubscriptionStatus `json:"status,omitempty"`
	Limits                Limits             `json:"limits"`
	EndDate               *time.Time         `json:"end_date,omitempty"`
	DaysUntilExpiration   int                `json:"days_until_expiration"`
	ExpiringSoon          bool               `json:"is_expiring_soon"`
	Expired               bool               `json:"is_expired"`
	WasDowngraded         bool               `json:"was_downgraded"`
	OriginalPlanID        PlanID             `json:"original_plan_id,omitempty"`
	OriginalPlanName      string             `json:"original_plan_name,omitempty"`
	HasActiveSubscription bool               `json:"has_active_subscription"`
	WarningShown          bool               `json:"expiration_warning_shown"`

	// JustDowngraded is set when this resolution performed the downgrade.
	JustDowngraded bool      `json:"just_downgraded,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Resolver derives the effective plan, applying the expiration downgrade
// as a side effect of reading.
type Resolver struct {
	subs        *SubscriptionStore
	policy      ExpirationPolicy
	clock       Clock
	warningDays int

	// Concurrent resolutions of the same lapsed user share one downgrade.
	expiring singleflight.Group
}

type expireResult struct {
	rec     *SubscriptionRecord
	changed bool
}

// Resolve returns the full entitlement snapshot for userID.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Entitlement, error) {
	rec, err := r.subs.Get(ctx, userID)
	if err != nil {
		return Entitlement{}, err
	}

	justDowngraded := false
	if rec != nil && NormalizePlanID(string(rec.PlanID)) != PlanFree && r.policy.IsExpired(rec.EndDate) {
		// Callers that join the flight share this downgrade, so it must not
		// inherit the first caller's cancellation. The call timeout still applies.
		shared := context.WithoutCancel(ctx)
		v, err, _ := r.expiring.Do(userID, func() (any, error) {
			rec, changed, err := r.subs.expire(shared, userID, true)
			return expireResult{rec: rec, changed: changed}, err
		})
		if err != nil {
			return Entitlement{}, err
		}
		res := v.(expireResult)
		rec = res.rec
		justDowngraded = res.changed
	}
	return r.snapshot(userID, rec, justDowngraded), nil
}

// EffectivePlan returns the plan enforced right now.
func (r *Resolver) EffectivePlan(ctx context.Context, userID string) (PlanID, error) {
	ent, err := r.Resolve(ctx, userID)
	if err != nil {
		return PlanFree, err
	}
	return ent.Plan, nil
}

// HasActiveSubscription reports an active, unexpired subscription. A stale
// active status on a lapsed plan is corrected by the read.
func (r *Resolver) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	ent, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return ent.HasActiveSubscription, nil
}

// LimitsFor returns the static limits for plan. Unknown plans get free tier limits.
func (r *Resolver) LimitsFor(plan PlanID) Limits {
	return LimitsFor(plan)
}

func (r *Resolver) snapshot(userID string, rec *SubscriptionRecord, justDowngraded bool) Entitlement {
	ent := Entitlement{
		UserID:              userID,
		Plan:                PlanFree,
		PlanName:            PlanFree.DisplayName(),
		Limits:              LimitsFor(PlanFree),
		DaysUntilExpiration: -1,
		JustDowngraded:      justDowngraded,
		CheckedAt:           r.clock(),
	}
	if rec == nil {
		return ent
	}

	plan := NormalizePlanID(string(rec.PlanID))
	ent.Plan = plan
	ent.PlanName = plan.DisplayName()
	if plan == rec.PlanID && rec.PlanName != "" {
		ent.PlanName = rec.PlanName
	}
	ent.Status = rec.Status
	ent.Limits = LimitsFor(plan)
	ent.Expired = rec.Status == StatusExpired
	// Unknown plan ids read as free, which has no end date.
	if plan != PlanFree {
		ent.EndDate = rec.EndDate
		ent.DaysUntilExpiration = r.policy.DaysUntilExpiration(rec.EndDate)
		ent.ExpiringSoon = r.policy.IsExpiringSoon(rec.EndDate, r.warningDays)
		ent.Expired = ent.Expired || r.policy.IsExpired(rec.EndDate)
	}
	ent.WasDowngraded = rec.HasOriginalPlan()
	ent.OriginalPlanID = rec.OriginalPlanID
	ent.OriginalPlanName = rec.OriginalPlanName
	ent.HasActiveSubscription = rec.Status == StatusActive && !ent.Expired
	ent.WarningShown = rec.ExpirationWarningShown
	return ent
}
