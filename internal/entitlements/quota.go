package entitlements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ReadFailurePolicy decides a quota check's outcome when usage cannot be read.
type ReadFailurePolicy string

const (
	// FailOpen allows the action so a transient outage does not block paying users.
	FailOpen ReadFailurePolicy = "fail_open"
	// FailClosed denies the action and returns the read error.
	FailClosed ReadFailurePolicy = "fail_closed"
)

// Valid reports whether p is a recognized policy.
func (p ReadFailurePolicy) Valid() bool {
	return p == FailOpen || p == FailClosed
}

// ParseReadFailurePolicy accepts "fail_open"/"open" and "fail_closed"/"closed".
func ParseReadFailurePolicy(raw string) (ReadFailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fail_open", "open":
		return FailOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown read failure policy %q", raw)
	}
}

// QuotaDecision is the outcome of a token quota check.
type QuotaDecision struct {
	CanUse       bool  `json:"can_use"`
	CurrentUsage int64 `json:"current_usage"`
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	IsUnlimited  bool  `json:"is_unlimited"`
	// FailedOpen is set when usage could not be read and the policy allowed the call.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// Err returns a QuotaExceededError for a denied decision, nil otherwise.
func (d QuotaDecision) Err(plan PlanID, requested int64) error {
	if d.CanUse {
		return nil
	}
	return &QuotaExceededError{
		Plan:      NormalizePlanID(string(plan)),
		Limit:     d.Limit,
		Current:   d.CurrentUsage,
		Requested: requested,
	}
}

// UsageSummary is the display view of a user's monthly consumption.
type UsageSummary struct {
	Plan            PlanID    `json:"plan_id"`
	CurrentUsage    int64     `json:"current_usage"`
	Limit           int64     `json:"limit"`
	Remaining       int64     `json:"remaining"`
	IsUnlimited     bool      `json:"is_unlimited"`
	Percentage      float64   `json:"percentage"`
	ResetDate       time.Time `json:"reset_date"`
	CurrentMonth    string    `json:"current_month"`
	TotalTokensUsed int64     `json:"total_tokens_used"`
}

// QuotaGate decides whether a user may spend more tokens this month.
type QuotaGate struct {
	ledger        *UsageLedger
	clock         Clock
	location      *time.Location
	onReadFailure ReadFailurePolicy
}

// CanUseTokens checks requested tokens against the plan's monthly limit.
// The month is reconciled before usage is read.
func (g *QuotaGate) CanUseTokens(ctx context.Context, userID string, plan PlanID, requested int64) (QuotaDecision, error) {
	const op = "can_use_tokens"
	plan = NormalizePlanID(string(plan))
	limits := LimitsFor(plan)

	if requested < 0 || requested > MaxTokensPerRequest {
		return QuotaDecision{}, newError(KindValidation, op, userID, ErrInvalidTokens)
	}
	if limits.UnlimitedTokens() {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), "unlimited").Inc()
		return QuotaDecision{CanUse: true, Limit: Unlimited, Remaining: Unlimited, IsUnlimited: true}, nil
	}

	usage, err := g.ledger.Usage(ctx, userID)
	if err != nil {
		if IsValidation(err) {
			return QuotaDecision{}, err
		}
		return g.readFailure(userID, plan, limits.TokenLimit, err)
	}

	current := usage.MonthlyTokensUsed
	decision := QuotaDecision{
		// Compared without adding so a large current or request cannot wrap.
		CanUse:       requested <= limits.TokenLimit-current,
		CurrentUsage: current,
		Limit:        limits.TokenLimit,
		Remaining:    max(0, limits.TokenLimit-current),
	}
	outcome := "allowed"
	if !decision.CanUse {
		outcome = "denied"
		log.Info().
			Str("user_id", userID).
			Str("plan_id", string(plan)).
			Int64("current_usage", current).
			Int64("requested", requested).
			Int64("limit", limits.TokenLimit).
			Msg("Token quota exceeded")
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), outcome).Inc()
	return decision, nil
}

func (g *QuotaGate) readFailure(userID string, plan PlanID, limit int64, err error) (QuotaDecision, error) {
	if g.onReadFailure == FailClosed {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), "failed_closed").Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Quota check failed, denying (fail-closed)")
		return QuotaDecision{Limit: limit}, err
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), "failed_open").Inc()
	log.Warn().Err(err).Str("user_id", userID).Msg("Quota check failed, allowing (fail-open)")
	return QuotaDecision{CanUse: true, Limit: limit, Remaining: limit, FailedOpen: true}, nil
}

// UsageSummary returns the display view of the user's consumption under plan.
func (g *QuotaGate) UsageSummary(ctx context.Context, userID string, plan PlanID) (UsageSummary, error) {
	plan = NormalizePlanID(string(plan))
	limits := LimitsFor(plan)

	usage, err := g.ledger.Usage(ctx, userID)
	if err != nil {
		return UsageSummary{}, err
	}

	summary := UsageSummary{
		Plan:            plan,
		CurrentUsage:    usage.MonthlyTokensUsed,
		Limit:           limits.TokenLimit,
		IsUnlimited:     limits.UnlimitedTokens(),
		ResetDate:       nextMonthStart(g.clock(), g.location),
		CurrentMonth:    usage.CurrentMonth,
		TotalTokensUsed: usage.TotalTokensUsed,
	}
	if summary.IsUnlimited {
		summary.Remaining = Unlimited
		return summary, nil
	}
	summary.Remaining = max(0, limits.TokenLimit-usage.MonthlyTokensUsed)
	if limits.TokenLimit > 0 {
		summary.Percentage = float64(usage.MonthlyTokensUsed) / float64(limits.TokenLimit) * 100
	}
	return summary, nil
}

// nextMonthStart returns midnight on the first day of the month after now.
func nextMonthStart(now time.Time, loc *time.Location) time.Time {
	if loc != nil {
		now = now.In(loc)
	}
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
}
