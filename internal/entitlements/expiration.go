package entitlements

import (
	"math"
	"time"
)

// Clock returns the current wall-clock time.
type Clock func() time.Time

const (
	// DefaultWarningDays is how close to the end date a plan counts as expiring soon.
	DefaultWarningDays = 7

	// SubscriptionPeriod is the length of every paid plan purchase.
	SubscriptionPeriod = 30 * 24 * time.Hour

	day = 24 * time.Hour
)

// ExpirationPolicy derives expiration state purely from an end date and the clock.
type ExpirationPolicy struct {
	now Clock
}

// NewExpirationPolicy returns a policy reading time from now (time.Now when nil).
func NewExpirationPolicy(now Clock) ExpirationPolicy {
	if now == nil {
		now = time.Now
	}
	return ExpirationPolicy{now: now}
}

// DaysUntilExpiration returns the whole days left before endDate, rounded up.
// A nil end date (free tier) reports -1. Past dates report zero or less.
func (p ExpirationPolicy) DaysUntilExpiration(endDate *time.Time) int {
	if endDate == nil {
		return -1
	}
	remaining := endDate.Sub(p.clock()())
	return int(math.Ceil(float64(remaining) / float64(day)))
}

// IsExpiringSoon reports 0 < days <= warningDays. Non-positive warningDays
// uses DefaultWarningDays.
func (p ExpirationPolicy) IsExpiringSoon(endDate *time.Time, warningDays int) bool {
	if endDate == nil {
		return false
	}
	if warningDays <= 0 {
		warningDays = DefaultWarningDays
	}
	days := p.DaysUntilExpiration(endDate)
	return days > 0 && days <= warningDays
}

// IsExpired reports whether endDate has been reached. The free tier never expires.
func (p ExpirationPolicy) IsExpired(endDate *time.Time) bool {
	if endDate == nil {
		return false
	}
	return p.DaysUntilExpiration(endDate) <= 0
}

func (p ExpirationPolicy) clock() Clock {
	if p.now == nil {
		return time.Now
	}
	return p.now
}
