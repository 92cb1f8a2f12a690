package entitlements

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const (
	monthKeyLayout   = "2006-01"
	maxExcerptRunes  = 100
	charsPerTokenEst = 4
)

// TokenEstimator approximates the token count of text when the AI provider
// did not report an exact figure.
type TokenEstimator interface {
	EstimateTokens(text string) int64
}

// HeuristicEstimator assumes roughly four characters per token.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateTokens(text string) int64 {
	n := int64(len(text))
	if n == 0 {
		return 0
	}
	return (n + charsPerTokenEst - 1) / charsPerTokenEst
}

// UsageContext is diagnostics metadata attached to a ledger increment.
type UsageContext struct {
	ChatID string
	Plan   PlanID
	Prompt string // only a short excerpt is kept
}

// UsageLedger maintains the per-user token counters.
type UsageLedger struct {
	port      UsageStorage
	calls     callPolicy
	clock     Clock
	location  *time.Location
	estimator TokenEstimator
}

// CurrentMonthKey returns the YYYY-MM key for the current month.
func (l *UsageLedger) CurrentMonthKey() string {
	return monthKey(l.clock(), l.location)
}

func monthKey(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(monthKeyLayout)
}

// EnsureDocument creates a zeroed ledger for the user if none exists.
func (l *UsageLedger) EnsureDocument(ctx context.Context, userID string) error {
	const op = "ensure_usage"
	inert, err := checkUserID(userID)
	if err != nil {
		return newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil
	}

	now := l.clock().UTC()
	err = l.calls.write(ctx, func(ctx context.Context) error {
		_, err := l.port.InsertUsageIfAbsent(ctx, userID, l.CurrentMonthKey(), now)
		return err
	})
	if err != nil {
		return storeFailure(KindTransientWrite, op, userID, err)
	}
	return nil
}

// ResetIfNewMonth zeroes the monthly counter when the stored month is not the
// current one. The reset is conditional on the stored month, so an increment
// that already rolled the month over is never discarded.
func (l *UsageLedger) ResetIfNewMonth(ctx context.Context, userID string) (bool, error) {
	const op = "reset_monthly_usage"
	inert, err := checkUserID(userID)
	if err != nil {
		return false, newError(KindValidation, op, userID, err)
	}
	if inert {
		return false, nil
	}

	month := l.CurrentMonthKey()
	now := l.clock().UTC()
	var reset bool
	err = l.calls.write(ctx, func(ctx context.Context) error {
		var err error
		reset, err = l.port.ResetMonthlyUsage(ctx, userID, month, now)
		return err
	})
	if err != nil {
		return false, storeFailure(KindTransientWrite, op, userID, err)
	}
	if reset {
		log.Debug().Str("user_id", userID).Str("month", month).Msg("Monthly token usage reset")
	}
	return reset, nil
}

// AddUsage adds tokens to both counters with a single storage-level increment.
// The ledger is created on first use. The diagnostics event is best effort.
func (l *UsageLedger) AddUsage(ctx context.Context, userID string, tokens int64, uc UsageContext) error {
	const op = "add_usage"
	inert, err := checkUserID(userID)
	if err != nil {
		return newError(KindValidation, op, userID, err)
	}
	if inert {
		return nil
	}
	if tokens < 0 || tokens > MaxTokensPerRequest {
		return newError(KindValidation, op, userID, ErrInvalidTokens)
	}

	now := l.clock().UTC()
	month := l.CurrentMonthKey()
	err = l.calls.write(ctx, func(ctx context.Context) error {
		return l.port.IncrementUsage(ctx, userID, tokens, month, now)
	})
	if err != nil {
		return storeFailure(KindTransientWrite, op, userID, err)
	}

	plan := uc.Plan
	if plan != "" {
		plan = NormalizePlanID(string(plan))
	}
	metrics.TokensRecordedTotal.WithLabelValues(string(planLabel(plan))).Add(float64(tokens))

	ev := UsageEvent{
		ID:            ulid.Make().String(),
		UserID:        userID,
		Tokens:        tokens,
		ChatID:        uc.ChatID,
		PlanID:        plan,
		PromptExcerpt: excerpt(uc.Prompt),
		CreatedAt:     now,
	}
	if err := l.calls.write(ctx, func(ctx context.Context) error {
		return l.port.RecordUsageEvent(ctx, ev)
	}); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record usage event")
	}
	return nil
}

// Usage returns the user's ledger after reconciling the month. Users without
// a ledger get a zeroed record for the current month.
func (l *UsageLedger) Usage(ctx context.Context, userID string) (*UsageRecord, error) {
	const op = "get_usage"
	inert, err := checkUserID(userID)
	if err != nil {
		return nil, newError(KindValidation, op, userID, err)
	}
	if inert {
		return l.emptyRecord(userID), nil
	}

	if _, err := l.ResetIfNewMonth(ctx, userID); err != nil {
		return nil, err
	}
	var rec *UsageRecord
	err = l.calls.read(ctx, func(ctx context.Context) error {
		var err error
		rec, err = l.port.GetUsage(ctx, userID)
		return err
	})
	if err != nil {
		metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
		return nil, storeFailure(KindTransientRead, op, userID, err)
	}
	if rec == nil {
		return l.emptyRecord(userID), nil
	}
	return rec, nil
}

// EstimateTokens approximates the token count of text.
func (l *UsageLedger) EstimateTokens(text string) int64 {
	if l.estimator == nil {
		return HeuristicEstimator{}.EstimateTokens(text)
	}
	return l.estimator.EstimateTokens(text)
}

func (l *UsageLedger) emptyRecord(userID string) *UsageRecord {
	now := l.clock().UTC()
	return &UsageRecord{
		UserID:        userID,
		CurrentMonth:  l.CurrentMonthKey(),
		LastResetDate: now,
		LastUpdated:   now,
	}
}

func excerpt(prompt string) string {
	if utf8.RuneCountInString(prompt) <= maxExcerptRunes {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:maxExcerptRunes])
}

func planLabel(p PlanID) PlanID {
	if p == "" {
		return "unknown"
	}
	return p
}
