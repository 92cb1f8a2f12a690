// Package entitlements implements subscription lifecycle management and
// token quota metering for chat accounts.
//
// Every component reads time from an injected Clock and persists through
// the Store port, so the engine can run against SQLite in production and
// an in-memory store in tests.
package entitlements

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const maxUserIDLength = 128

type settings struct {
	clock       Clock
	location    *time.Location
	warningDays int
	readFailure ReadFailurePolicy
	calls       callPolicy
	estimator   TokenEstimator
	refresh     RefreshConfig
}

// Option configures an Engine.
type Option func(*settings)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLocation sets the zone used for month keys and midnight boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *settings) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithWarningDays sets the expiring-soon window.
func WithWarningDays(days int) Option {
	return func(s *settings) {
		if days > 0 {
			s.warningDays = days
		}
	}
}

// WithReadFailurePolicy selects how quota checks behave when usage cannot be read.
func WithReadFailurePolicy(p ReadFailurePolicy) Option {
	return func(s *settings) {
		if p.Valid() {
			s.readFailure = p
		}
	}
}

// WithRequestTimeout bounds every individual store call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.calls.timeout = d
		}
	}
}

// WithReadRetry sets how many times a failed read is attempted and the
// backoff between attempts.
func WithReadRetry(attempts int, initial, maxDelay time.Duration) Option {
	return func(s *settings) {
		if attempts > 0 {
			s.calls.attempts = attempts
		}
		if initial > 0 {
			s.calls.backoff.Initial = initial
		}
		if maxDelay > 0 {
			s.calls.backoff.Max = maxDelay
		}
	}
}

// WithTokenEstimator replaces the length-based token heuristic.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(s *settings) {
		if est != nil {
			s.estimator = est
		}
	}
}

// WithRefreshConfig sets the defaults for refresh controllers built by the engine.
func WithRefreshConfig(cfg RefreshConfig) Option {
	return func(s *settings) {
		s.refresh = cfg.withDefaults()
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) {
		s.calls.sleep = sleep
	}
}

// Engine wires the entitlement components over a single Store.
type Engine struct {
	store    Store
	settings settings

	Policy        ExpirationPolicy
	Subscriptions *SubscriptionStore
	Usage         *UsageLedger
	Resolver      *Resolver
	Quota         *QuotaGate
}

// New builds an Engine. A nil store is an initialization error.
func New(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, newError(KindInitialization, "new_engine", "", ErrUnavailable)
	}

	s := settings{
		clock:       time.Now,
		location:    time.Local,
		warningDays: DefaultWarningDays,
		readFailure: FailOpen,
		calls:       defaultCallPolicy(),
		estimator:   HeuristicEstimator{},
		refresh:     RefreshConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	policy := NewExpirationPolicy(s.clock)
	subs := &SubscriptionStore{port: store, calls: s.calls, clock: s.clock, policy: policy}
	ledger := &UsageLedger{port: store, calls: s.calls, clock: s.clock, location: s.location, estimator: s.estimator}

	return &Engine{
		store:         store,
		settings:      s,
		Policy:        policy,
		Subscriptions: subs,
		Usage:         ledger,
		Resolver:      &Resolver{subs: subs, policy: policy, clock: s.clock, warningDays: s.warningDays},
		Quota:         &QuotaGate{ledger: ledger, clock: s.clock, location: s.location, onReadFailure: s.readFailure},
	}, nil
}

// Ping reports whether the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.settings.calls.once(ctx, e.store.Ping); err != nil {
		return newError(KindInitialization, "ping", "", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

// Store returns the persistence port the engine was built with.
func (e *Engine) Store() Store {
	return e.store
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.settings.clock()
}

// ReadFailurePolicy reports the configured quota read-failure policy.
func (e *Engine) ReadFailurePolicy() ReadFailurePolicy {
	return e.settings.readFailure
}

// checkUserID returns inert=true for the empty id (no signed-in user).
// Any other id must be a trimmed, printable string without path separators.
func checkUserID(userID string) (inert bool, err error) {
	if userID == "" {
		return true, nil
	}
	if len(userID) > maxUserIDLength {
		return false, fmt.Errorf("%w: longer than %d bytes", ErrInvalidUserID, maxUserIDLength)
	}
	if strings.TrimSpace(userID) != userID {
		return false, fmt.Errorf("%w: surrounding whitespace", ErrInvalidUserID)
	}
	for _, r := range userID {
		if r == '/' || !unicode.IsPrint(r) {
			return false, fmt.Errorf("%w: contains %q", ErrInvalidUserID, r)
		}
	}
	return false, nil
}

func storeFailure(kind ErrorKind, op, userID string, err error) error {
	if IsUnavailable(err) {
		kind = KindInitialization
	}
	return newError(kind, op, userID, err)
}

// RecentUsageEvents returns the user's latest diagnostics rows when the store
// supports listing them.
func (e *Engine) RecentUsageEvents(ctx context.Context, userID string, limit int) ([]UsageEvent, error) {
	const op = "list_usage_events"
	inert, err := checkUserID(userID)
	if err != nil {
		return nil, newError(KindValidation, op, userID, err)
	}
	lister, ok := e.store.(UsageEventLister)
	if inert || !ok {
		return nil, nil
	}
	var events []UsageEvent
	err = e.settings.calls.read(ctx, func(ctx context.Context) error {
		var err error
		events, err = lister.ListUsageEvents(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, storeFailure(KindTransientRead, op, userID, err)
	}
	return events, nil
}
