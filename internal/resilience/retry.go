// Package resilience provides the retry and error-classification machinery
// used when talking to downstream registries and upstream package indexes.
package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Policy defines exponential backoff between attempts. The retry loop itself
// is bounded by the caller's context deadline, not an attempt count: the
// initializer hands every probe a budget-scoped context and keeps trying
// until it expires.
type Policy struct {
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Factor multiplies the delay after each failed attempt.
	Factor float64

	// Jitter adds up to 10% randomness to each delay to avoid synchronised
	// retries across downstreams.
	Jitter bool

	// Logger for per-attempt events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultPolicy matches the bridge's startup defaults: 1s initial delay,
// 10s cap, factor 2.0.
func DefaultPolicy() *Policy {
	return &Policy{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff delay after the given zero-based attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	delay := time.Duration(d)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}

// Retry runs op until it succeeds or ctx is done, backing off between
// attempts per the policy. Returns nil on success; otherwise the last
// operation error, or ctx.Err() if no attempt completed.
func Retry(ctx context.Context, p *Policy, name string, op func(ctx context.Context) error) error {
	if p == nil {
		p = DefaultPolicy()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					"operation", name,
					"attempts", attempt+1,
				)
			}
			return nil
		}
		lastErr = err

		delay := p.Delay(attempt)
		logger.Warn("operation failed, backing off",
			"operation", name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}
