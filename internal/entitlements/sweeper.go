package entitlements

import (
	"context"
	"time"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval = time.Hour
	sweepBatchSize       = 500
	sweepConcurrency     = 4
)

// ExpirySweeper periodically downgrades lapsed paid subscriptions so accounts
// are corrected even when the user never opens a session.
type ExpirySweeper struct {
	subs     *SubscriptionStore
	interval time.Duration
}

// NewExpirySweeper returns a sweeper running every interval (hourly when zero).
func (e *Engine) NewExpirySweeper(interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &ExpirySweeper{subs: e.Subscriptions, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many subscriptions were downgraded.
func (s *ExpirySweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	lapsed, err := s.subs.ListLapsed(ctx, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweeper: failed to list lapsed subscriptions")
		return 0
	}

	results := make([]bool, len(lapsed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, rec := range lapsed {
		if rec == nil {
			continue
		}
		g.Go(func() error {
			_, changed, err := s.subs.expire(gctx, rec.UserID, true)
			if err != nil {
				log.Error().Err(err).Str("user_id", rec.UserID).Msg("Expiry sweeper: failed to expire subscription")
				return nil
			}
			results[i] = changed
			return nil
		})
	}
	_ = g.Wait()

	expired := 0
	for _, changed := range results {
		if changed {
			expired++
		}
	}
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if expired > 0 {
		log.Info().Int("expired", expired).Int("lapsed", len(lapsed)).Msg("Expiry sweep complete")
	}
	return expired
}

// RunPlanGauge keeps the subscriptions-by-plan gauge current until ctx is cancelled.
func (e *Engine) RunPlanGauge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.UpdatePlanGauge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.UpdatePlanGauge(ctx)
		}
	}
}

// UpdatePlanGauge refreshes the subscriptions-by-plan gauge once.
func (e *Engine) UpdatePlanGauge(ctx context.Context) {
	counts, err := e.Subscriptions.CountByPlan(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription plan metrics")
		return
	}

	seen := make(map[PlanID]struct{}, len(counts))
	for _, plan := range KnownPlans() {
		seen[plan] = struct{}{}
		metrics.SubscriptionsByPlan.WithLabelValues(string(plan)).Set(float64(counts[plan]))
	}
	for plan, c := range counts {
		if _, ok := seen[plan]; ok {
			continue
		}
		metrics.SubscriptionsByPlan.WithLabelValues(string(plan)).Set(float64(c))
	}
}
