package entitlements

import (
	"context"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/rs/zerolog/log"
)

// SubscriptionStore owns reads and writes of subscription records.
type SubscriptionStore struct {
	port   SubscriptionStorage
	calls  callPolicy
	clock  Clock
	policy ExpirationPolicy
}

// Save upserts the user's subscription after a plan selection or payment.
//
// The previous plan is stashed as the original plan whenever the plan id
// changes and no original plan is recorded yet. This fires on upgrades as
// well as downgrades.
func (s *SubscriptionStore) Save(ctx context.Context, userID string, planID PlanID, planName string, payment PaymentDetails) (*SubscriptionRecord, error) {
	const op = "save_subscription"
	inert, err := checkUserID(userID)
	if err != nil {
		return nil, newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil, nil
	}
	if !planID.Valid() {
		return nil, newError(KindValidation, op, userID, ErrInvalidPlan)
	}
	canonical := planID.DisplayName()
	if planName != "" && planName != canonical {
		log.Warn().
			Str("user_id", userID).
			Str("plan_id", string(planID)).
			Str("plan_name", planName).
			Msg("Plan name does not match plan id, using canonical name")
	}

	now := s.clock().UTC()
	var saved *SubscriptionRecord
	err = s.calls.write(ctx, func(ctx context.Context) error {
		rec, _, err := s.port.MutateSubscription(ctx, userID, func(cur *SubscriptionRecord) (*SubscriptionRecord, error) {
			next := &SubscriptionRecord{
				UserID:    userID,
				PlanID:    planID,
				PlanName:  canonical,
				Status:    StatusActive,
				StartDate: now,
				PaymentID: payment.PaymentID,
				Amount:    payment.Amount,
				Currency:  payment.Currency,
				AutoRenew: planID != PlanFree,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if planID != PlanFree {
				end := now.Add(SubscriptionPeriod)
				next.EndDate = &end
			}
			if cur != nil {
				if !cur.CreatedAt.IsZero() {
					next.CreatedAt = cur.CreatedAt
				}
				switch {
				case cur.HasOriginalPlan():
					next.OriginalPlanID = cur.OriginalPlanID
					next.OriginalPlanName = cur.OriginalPlanName
				case cur.PlanID != planID:
					next.OriginalPlanID = cur.PlanID
					next.OriginalPlanName = storedPlanName(cur)
				}
			}
			return next, nil
		})
		saved = rec
		return err
	})
	if err != nil {
		return nil, storeFailure(KindTransientWrite, op, userID, err)
	}

	log.Info().
		Str("user_id", userID).
		Str("plan_id", string(planID)).
		Str("payment_id", payment.PaymentID).
		Msg("Subscription saved")
	return saved, nil
}

// Get returns the stored record, or nil when the user has none.
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	const op = "get_subscription"
	inert, err := checkUserID(userID)
	if err != nil {
		return nil, newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil, nil
	}

	var rec *SubscriptionRecord
	err = s.calls.read(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.port.GetSubscription(ctx, userID)
		return err
	})
	if err != nil {
		metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
		return nil, storeFailure(KindTransientRead, op, userID, err)
	}
	return rec, nil
}

// UpdateStatus sets the status of an existing record. Missing records are left alone.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, userID string, status SubscriptionStatus) (*SubscriptionRecord, error) {
	const op = "update_subscription_status"
	inert, err := checkUserID(userID)
	if err != nil {
		return nil, newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil, nil
	}
	if !status.Valid() {
		return nil, newError(KindValidation, op, userID, ErrInvalidStatus)
	}

	now := s.clock().UTC()
	var updated *SubscriptionRecord
	err = s.calls.write(ctx, func(ctx context.Context) error {
		rec, _, err := s.port.MutateSubscription(ctx, userID, func(cur *SubscriptionRecord) (*SubscriptionRecord, error) {
			if cur == nil || cur.Status == status {
				return nil, nil
			}
			cur.Status = status
			cur.UpdatedAt = now
			return cur, nil
		})
		updated = rec
		return err
	})
	if err != nil {
		return nil, storeFailure(KindTransientWrite, op, userID, err)
	}
	return updated, nil
}

// Expire downgrades a paid plan to the free tier. It is idempotent: a record
// that is absent or already free is left untouched. Reports whether a
// transition happened.
func (s *SubscriptionStore) Expire(ctx context.Context, userID string) (bool, error) {
	_, changed, err := s.expire(ctx, userID, false)
	return changed, err
}

// expire performs the downgrade inside one atomic mutation. With
// onlyIfLapsed the end date is re-checked against the clock under the same
// mutation, so a renewal that lands between detection and downgrade wins.
func (s *SubscriptionStore) expire(ctx context.Context, userID string, onlyIfLapsed bool) (*SubscriptionRecord, bool, error) {
	const op = "expire_subscription"
	inert, err := checkUserID(userID)
	if err != nil {
		return nil, false, newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil, false, nil
	}

	now := s.clock().UTC()
	var (
		rec      *SubscriptionRecord
		changed  bool
		previous PlanID
	)
	err = s.calls.write(ctx, func(ctx context.Context) error {
		var err error
		rec, changed, err = s.port.MutateSubscription(ctx, userID, func(cur *SubscriptionRecord) (*SubscriptionRecord, error) {
			if cur == nil || NormalizePlanID(string(cur.PlanID)) == PlanFree {
				return nil, nil
			}
			if onlyIfLapsed && !s.policy.IsExpired(cur.EndDate) {
				return nil, nil
			}
			previous = cur.PlanID
			if !cur.HasOriginalPlan() {
				cur.OriginalPlanID = cur.PlanID
				cur.OriginalPlanName = storedPlanName(cur)
			}
			cur.PlanID = PlanFree
			cur.PlanName = PlanFree.DisplayName()
			cur.Status = StatusExpired
			cur.AutoRenew = false
			cur.EndDate = nil
			cur.UpdatedAt = now
			return cur, nil
		})
		return err
	})
	if err != nil {
		return nil, false, storeFailure(KindTransientWrite, op, userID, err)
	}

	if changed {
		metrics.DowngradesTotal.WithLabelValues(string(NormalizePlanID(string(previous)))).Inc()
		log.Info().
			Str("user_id", userID).
			Str("previous_plan_id", string(previous)).
			Msg("Subscription expired, downgraded to free tier")
	}
	return rec, changed, nil
}

// MarkWarningShown records that the user has seen the expiration notice.
// Only Save clears the flag again.
func (s *SubscriptionStore) MarkWarningShown(ctx context.Context, userID string) error {
	const op = "mark_warning_shown"
	inert, err := checkUserID(userID)
	if err != nil {
		return newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil
	}

	now := s.clock().UTC()
	err = s.calls.write(ctx, func(ctx context.Context) error {
		_, _, err := s.port.MutateSubscription(ctx, userID, func(cur *SubscriptionRecord) (*SubscriptionRecord, error) {
			if cur == nil || cur.ExpirationWarningShown {
				return nil, nil
			}
			cur.ExpirationWarningShown = true
			cur.UpdatedAt = now
			return cur, nil
		})
		return err
	})
	if err != nil {
		return storeFailure(KindTransientWrite, op, userID, err)
	}
	return nil
}

// ListLapsed returns paid subscriptions whose end date has passed.
func (s *SubscriptionStore) ListLapsed(ctx context.Context, limit int) ([]*SubscriptionRecord, error) {
	const op = "list_lapsed_subscriptions"
	var recs []*SubscriptionRecord
	err := s.calls.read(ctx, func(ctx context.Context) error {
		var err error
		recs, err = s.port.ListLapsedSubscriptions(ctx, s.clock().UTC(), limit)
		return err
	})
	if err != nil {
		metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
		return nil, storeFailure(KindTransientRead, op, "", err)
	}
	return recs, nil
}

// CountByPlan returns the number of stored subscriptions per plan.
func (s *SubscriptionStore) CountByPlan(ctx context.Context) (map[PlanID]int, error) {
	const op = "count_subscriptions"
	var counts map[PlanID]int
	err := s.calls.read(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.port.CountSubscriptionsByPlan(ctx)
		return err
	})
	if err != nil {
		metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
		return nil, storeFailure(KindTransientRead, op, "", err)
	}
	return counts, nil
}

func storedPlanName(rec *SubscriptionRecord) string {
	if rec.PlanName != "" {
		return rec.PlanName
	}
	return rec.PlanID.DisplayName()
}
