package entitlements

import (
	"fmt"
	"strings"
)

// PlanID identifies a subscription tier.
type PlanID string

const (
	PlanFree    PlanID = "free_tier"
	PlanGold    PlanID = "gold_tier"
	PlanDiamond PlanID = "diamond_tier"
)

// Unlimited is the sentinel used for every count and token limit that has no cap.
const Unlimited int64 = -1

// MaxTokensPerRequest bounds a single quota check or usage write. Larger
// counts are rejected with ErrInvalidTokens.
const MaxTokensPerRequest int64 = 1 << 32

// Limits describes what a plan allows.
type Limits struct {
	MaxChats            int64 `json:"max_chats"`
	MaxQuestionsPerChat int64 `json:"max_questions_per_chat"`
	TokenLimit          int64 `json:"token_limit"`
}

// UnlimitedTokens reports whether the token limit is uncapped.
func (l Limits) UnlimitedTokens() bool {
	return l.TokenLimit == Unlimited
}

var planLimits = map[PlanID]Limits{
	PlanFree: {
		MaxChats:            4,
		MaxQuestionsPerChat: 10,
		TokenLimit:          5_000,
	},
	PlanGold: {
		MaxChats:            100,
		MaxQuestionsPerChat: Unlimited,
		TokenLimit:          2_000_000,
	},
	PlanDiamond: {
		MaxChats:            Unlimited,
		MaxQuestionsPerChat: Unlimited,
		TokenLimit:          Unlimited,
	},
}

var planNames = map[PlanID]string{
	PlanFree:    "Free Tier",
	PlanGold:    "Gold Tier",
	PlanDiamond: "Diamond Tier",
}

// KnownPlans returns every recognized plan, cheapest first.
func KnownPlans() []PlanID {
	return []PlanID{PlanFree, PlanGold, PlanDiamond}
}

// Valid reports whether p is a recognized plan.
func (p PlanID) Valid() bool {
	_, ok := planLimits[p]
	return ok
}

// IsPaid reports whether p is a recognized plan other than the free tier.
func (p PlanID) IsPaid() bool {
	return p.Valid() && p != PlanFree
}

// DisplayName returns the canonical display name. Unknown plans report the free tier name.
func (p PlanID) DisplayName() string {
	if name, ok := planNames[p]; ok {
		return name
	}
	return planNames[PlanFree]
}

// NormalizePlanID maps stored values onto a known plan. Anything unrecognized
// becomes the free tier so reads never fail on bad data.
func NormalizePlanID(raw string) PlanID {
	p := PlanID(strings.ToLower(strings.TrimSpace(raw)))
	if p.Valid() {
		return p
	}
	return PlanFree
}

// ParsePlanID is the strict variant used on write paths.
func ParsePlanID(raw string) (PlanID, error) {
	p := PlanID(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
	return p, nil
}

// LimitsFor returns the static limits for plan, falling back to the free tier.
func LimitsFor(plan PlanID) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[PlanFree]
}
