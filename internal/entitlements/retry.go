package entitlements

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadAttempts   = 3
)

type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

var defaultReadBackoff = backoffConfig{
	Initial:    200 * time.Millisecond,
	Multiplier: 2,
	Jitter:     0.2,
	Max:        2 * time.Second,
}

func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(defaultReadBackoff.Initial)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// callPolicy bounds every store call with a timeout. Reads are retried with
// backoff; writes run once and surface their error to the caller.
type callPolicy struct {
	timeout  time.Duration
	attempts int
	backoff  backoffConfig
	rng      func() float64
	sleep    func(ctx context.Context, d time.Duration) error
}

func defaultCallPolicy() callPolicy {
	return callPolicy{
		timeout:  defaultRequestTimeout,
		attempts: defaultReadAttempts,
		backoff:  defaultReadBackoff,
		rng:      rand.Float64,
		sleep:    sleepContext,
	}
}

func (p callPolicy) read(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = p.once(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || IsUnavailable(err) || attempt == attempts-1 {
			break
		}
		if serr := p.wait(ctx, p.backoff.nextDelay(attempt, p.random())); serr != nil {
			break
		}
	}
	return err
}

func (p callPolicy) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.once(ctx, fn)
}

func (p callPolicy) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return fn(callCtx)
}

func (p callPolicy) random() float64 {
	if p.rng == nil {
		return rand.Float64()
	}
	return p.rng()
}

func (p callPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep == nil {
		return sleepContext(ctx, d)
	}
	return p.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
