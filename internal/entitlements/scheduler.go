package entitlements

import (
	"context"
	"sync"
	"time"
)

const (
	defaultPollInterval = 5 * time.Minute
	dailyPeriod         = 24 * time.Hour
)

// SchedulerConfig configures a Scheduler. Either task may be nil.
type SchedulerConfig struct {
	Interval time.Duration
	OnTick   func(ctx context.Context)

	// OnDaily fires at the next local midnight and every 24h after.
	OnDaily  func(ctx context.Context)
	Clock    Clock
	Location *time.Location

	// firstDaily and dailyEvery override the daily timing in tests.
	firstDaily func(now time.Time) time.Duration
	dailyEvery time.Duration
}

// Scheduler owns a periodic task and a daily-boundary task behind one
// Start/Stop pair. Stop cancels both timers and waits for running tasks.
type Scheduler struct {
	cfg SchedulerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.dailyEvery <= 0 {
		cfg.dailyEvery = dailyPeriod
	}
	if cfg.firstDaily == nil {
		loc := cfg.Location
		cfg.firstDaily = func(now time.Time) time.Duration { return untilNextMidnight(now, loc) }
	}
	return &Scheduler{cfg: cfg}
}

// Start launches the timers. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	if s.cfg.OnTick != nil {
		s.wg.Add(1)
		go s.runPeriodic(ctx)
	}
	if s.cfg.OnDaily != nil {
		s.wg.Add(1)
		go s.runDaily(ctx)
	}
}

// Stop cancels both timers and blocks until in-progress tasks return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runPeriodic(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cfg.OnTick(ctx)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.firstDaily(s.cfg.Clock()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.cfg.OnDaily(ctx)
			timer.Reset(s.cfg.dailyEvery)
		}
	}
}

// untilNextMidnight returns the delay from now to the next midnight in loc.
func untilNextMidnight(now time.Time, loc *time.Location) time.Duration {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.Sub(now)
}
