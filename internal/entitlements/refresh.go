package entitlements

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultMinCheckInterval = time.Minute

// RefreshState is the lifecycle state of a session's entitlement snapshot.
type RefreshState string

const (
	StateUnchecked RefreshState = "unchecked"
	StateChecking  RefreshState = "checking"
	StateFresh     RefreshState = "fresh"
	StateStale     RefreshState = "stale"
)

// Trigger names what started a status check.
type Trigger string

const (
	TriggerMount  Trigger = "mount"
	TriggerPoll   Trigger = "poll"
	TriggerDaily  Trigger = "daily"
	TriggerForced Trigger = "forced"
)

// allowsNotices reports whether checks from this trigger may surface notices.
// Periodic polls update state silently.
func (t Trigger) allowsNotices() bool {
	return t != TriggerPoll
}

// NoticeKind distinguishes user-facing expiration notices.
type NoticeKind string

const (
	NoticeExpired      NoticeKind = "expired"
	NoticeExpiringSoon NoticeKind = "expiring_soon"
)

// Notice is a one-time user-facing expiration message.
type Notice struct {
	Kind          NoticeKind `json:"kind"`
	UserID        string     `json:"user_id"`
	Plan          PlanID     `json:"plan_id"`
	PlanName      string     `json:"plan_name"`
	DaysRemaining int        `json:"days_remaining"`
	Message       string     `json:"message"`
	At            time.Time  `json:"at"`
}

// Notifier delivers notices to the user's session.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// RefreshConfig tunes refresh controllers.
type RefreshConfig struct {
	PollInterval time.Duration
	// MinCheckInterval skips silent polls while a fresh snapshot is younger than this.
	MinCheckInterval time.Duration
}

func (c RefreshConfig) withDefaults() RefreshConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MinCheckInterval < 0 {
		c.MinCheckInterval = 0
	}
	if c.MinCheckInterval == 0 {
		c.MinCheckInterval = defaultMinCheckInterval
	}
	return c
}

// RefreshController keeps one session's entitlement snapshot current. It
// reconciles the mount check, the periodic poll, the daily-boundary check
// and forced refreshes so that each notice is surfaced at most once.
type RefreshController struct {
	userID   string
	resolver *Resolver
	subs     *SubscriptionStore
	notifier Notifier
	clock    Clock
	cfg      RefreshConfig
	sched    *Scheduler

	mu         sync.Mutex
	state      RefreshState
	snapshot   Entitlement
	checkedAt  time.Time
	lastErr    error
	generation uint64
	issued     uint64
	applied    uint64
	running    bool
	cancel     context.CancelFunc
	warned     bool
	onChange   func(Entitlement)
}

// NewRefreshController builds a stopped controller for userID. An empty
// userID yields an inert controller that always reports free tier defaults.
func (e *Engine) NewRefreshController(userID string, notifier Notifier) (*RefreshController, error) {
	if _, err := checkUserID(userID); err != nil {
		return nil, newError(KindValidation, "new_refresh_controller", userID, err)
	}
	c := &RefreshController{
		userID:   userID,
		resolver: e.Resolver,
		subs:     e.Subscriptions,
		notifier: notifier,
		clock:    e.settings.clock,
		cfg:      e.settings.refresh,
		state:    StateUnchecked,
	}
	c.snapshot = e.Resolver.snapshot(userID, nil, false)
	c.sched = NewScheduler(SchedulerConfig{
		Interval: c.cfg.PollInterval,
		OnTick:   func(ctx context.Context) { c.runCheck(ctx, TriggerPoll) },
		OnDaily:  func(ctx context.Context) { c.runCheck(ctx, TriggerDaily) },
		Clock:    e.settings.clock,
		Location: e.settings.location,
	})
	return c, nil
}

// OnChange registers fn to receive every applied snapshot. Call before Start.
func (c *RefreshController) OnChange(fn func(Entitlement)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Start runs the mount check and starts the poll and daily timers.
func (c *RefreshController) Start(ctx context.Context) {
	if c.userID == "" {
		c.mu.Lock()
		c.state = StateFresh
		c.checkedAt = c.clock()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.generation++
	c.mu.Unlock()

	c.sched.Start(ctx)
	go c.runCheck(ctx, TriggerMount)
}

// Stop cancels both timers. Results of checks still in flight are discarded.
func (c *RefreshController) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.generation++
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.sched.Stop()
}

// ForceRefresh bypasses the cached snapshot and re-resolves the entitlement.
func (c *RefreshController) ForceRefresh(ctx context.Context) (Entitlement, error) {
	return c.check(ctx, TriggerForced)
}

// Snapshot returns the latest applied entitlement.
func (c *RefreshController) Snapshot() Entitlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// State returns the controller's current state.
func (c *RefreshController) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error from the most recent failed check, if the
// snapshot is stale.
func (c *RefreshController) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *RefreshController) runCheck(ctx context.Context, trigger Trigger) {
	if _, err := c.check(ctx, trigger); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("user_id", c.userID).Str("trigger", string(trigger)).Msg("Entitlement check failed")
	}
}

func (c *RefreshController) check(ctx context.Context, trigger Trigger) (Entitlement, error) {
	if c.userID == "" {
		return c.Snapshot(), nil
	}

	c.mu.Lock()
	now := c.clock()
	if !trigger.allowsNotices() && c.state == StateFresh && now.Sub(c.checkedAt) < c.cfg.MinCheckInterval {
		snap := c.snapshot
		c.mu.Unlock()
		metrics.RefreshChecksTotal.WithLabelValues(string(trigger), "skipped").Inc()
		return snap, nil
	}
	c.issued++
	seq := c.issued
	gen := c.generation
	c.state = StateChecking
	c.mu.Unlock()

	ent, err := c.resolver.Resolve(ctx, c.userID)

	c.mu.Lock()
	if gen != c.generation || seq < c.applied {
		c.mu.Unlock()
		metrics.RefreshChecksTotal.WithLabelValues(string(trigger), "discarded").Inc()
		return ent, err
	}
	c.applied = seq
	if err != nil {
		c.state = StateStale
		c.lastErr = err
		c.mu.Unlock()
		metrics.RefreshChecksTotal.WithLabelValues(string(trigger), "error").Inc()
		return Entitlement{}, err
	}
	c.snapshot = ent
	c.state = StateFresh
	c.checkedAt = c.clock()
	c.lastErr = nil
	notice := c.claimNoticeLocked(ent, trigger)
	onChange := c.onChange
	c.mu.Unlock()

	metrics.RefreshChecksTotal.WithLabelValues(string(trigger), "ok").Inc()
	if onChange != nil {
		onChange(ent)
	}
	if notice != nil {
		c.deliver(ctx, *notice)
		ent = c.Snapshot()
	}
	return ent, nil
}

// claimNoticeLocked decides whether ent warrants a notice and, if so,
// reserves it for this session so concurrent checks cannot surface it twice.
func (c *RefreshController) claimNoticeLocked(ent Entitlement, trigger Trigger) *Notice {
	if !trigger.allowsNotices() || ent.WarningShown || c.warned || c.notifier == nil {
		return nil
	}

	n := Notice{
		UserID:        c.userID,
		Plan:          ent.Plan,
		PlanName:      ent.PlanName,
		DaysRemaining: ent.DaysUntilExpiration,
		At:            ent.CheckedAt,
	}
	switch {
	case ent.Expired:
		n.Kind = NoticeExpired
		previous := ent.OriginalPlanName
		if previous == "" {
			previous = "paid"
		}
		n.Message = fmt.Sprintf("Your %s subscription has expired. You are now on the %s.", previous, PlanFree.DisplayName())
	case ent.ExpiringSoon:
		n.Kind = NoticeExpiringSoon
		n.Message = fmt.Sprintf("Your %s subscription expires in %d %s.", ent.PlanName, ent.DaysUntilExpiration, pluralDays(ent.DaysUntilExpiration))
	default:
		return nil
	}
	c.warned = true
	return &n
}

func (c *RefreshController) deliver(ctx context.Context, n Notice) {
	c.notifier.Notify(ctx, n)
	metrics.NoticesTotal.WithLabelValues(string(n.Kind)).Inc()

	if err := c.subs.MarkWarningShown(ctx, c.userID); err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Msg("Failed to persist expiration warning flag")
		return
	}
	c.mu.Lock()
	c.snapshot.WarningShown = true
	c.mu.Unlock()
}

func pluralDays(n int) string {
	if n == 1 {
		return "day"
	}
	return "days"
}
