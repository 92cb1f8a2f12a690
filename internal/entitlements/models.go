package entitlements

import (
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus is the stored lifecycle status of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusInactive  SubscriptionStatus = "inactive"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// Valid reports whether s is a recognized status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ParseStatus is the strict status parser used on write paths.
func ParseStatus(raw string) (SubscriptionStatus, error) {
	s := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// PaymentDetails is opaque payment metadata copied onto the subscription.
// Amount is in minor currency units.
type PaymentDetails struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// SubscriptionRecord is the one-per-user subscription document.
type SubscriptionRecord struct {
	UserID    string             `json:"user_id"`
	PlanID    PlanID             `json:"plan_id"`
	PlanName  string             `json:"plan_name"`
	Status    SubscriptionStatus `json:"status"`
	StartDate time.Time          `json:"start_date"`
	EndDate   *time.Time         `json:"end_date,omitempty"` // nil iff PlanID is the free tier

	PaymentID string `json:"payment_id,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	AutoRenew bool   `json:"auto_renew"`

	// Empty unless a plan change or expiration stashed the previous plan.
	OriginalPlanID   PlanID `json:"original_plan_id,omitempty"`
	OriginalPlanName string `json:"original_plan_name,omitempty"`

	ExpirationWarningShown bool      `json:"expiration_warning_shown"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// HasOriginalPlan reports whether a previous plan has been stashed.
func (r *SubscriptionRecord) HasOriginalPlan() bool {
	return r != nil && r.OriginalPlanID != ""
}

// Clone returns a deep copy.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.EndDate != nil {
		end := *r.EndDate
		cp.EndDate = &end
	}
	return &cp
}

// UsageRecord is the one-per-user token ledger document.
type UsageRecord struct {
	UserID            string    `json:"user_id"`
	TotalTokensUsed   int64     `json:"total_tokens_used"`
	MonthlyTokensUsed int64     `json:"monthly_tokens_used"`
	CurrentMonth      string    `json:"current_month"` // YYYY-MM
	LastResetDate     time.Time `json:"last_reset_date"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Clone returns a copy.
func (u *UsageRecord) Clone() *UsageRecord {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// UsageEvent is a diagnostics row written for every ledger increment.
// It never feeds quota decisions.
type UsageEvent struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Tokens        int64     `json:"tokens"`
	ChatID        string    `json:"chat_id,omitempty"`
	PlanID        PlanID    `json:"plan_id,omitempty"`
	PromptExcerpt string    `json:"prompt_excerpt,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
