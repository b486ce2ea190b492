// Package retry runs operations under a bounded attempt policy.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first (min 1).
	MaxAttempts int

	// Retriable lists the error kinds worth retrying, matched with errors.Is.
	// When empty, errors flagged retryable in the error taxonomy are retried.
	Retriable []error

	// Delay is the wait before the second attempt. Zero retries immediately.
	Delay time.Duration

	// Multiplier grows the delay after every failed attempt (values < 1 mean 1).
	Multiplier float64

	// MaxDelay caps the grown delay when positive.
	MaxDelay time.Duration

	// Clock is the time source for waits. Nil means the real clock.
	Clock clockwork.Clock

	// OnRetry, when set, is called before every retry.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy retries transient network failures three times in total
// without waiting.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Retriable:   []error{nerrors.ErrTransientNetwork},
	}
}

// ShouldRetry reports whether err belongs to one of the retriable kinds.
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if len(p.Retriable) == 0 {
		return nerrors.IsRetryable(err)
	}
	for _, kind := range p.Retriable {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retriable error, or the
// attempts are exhausted. The last error is returned unchanged. Each retry
// is logged at warning level under name.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, name string, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	delay := p.Delay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(lastErr) || attempt == attempts {
			return lastErr
		}

		if logger != nil {
			logger.Warn("retrying operation",
				"operation", name,
				"attempt", attempt,
				"max_attempts", attempts,
				"delay", delay,
				"error", lastErr,
			)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-clock.After(delay):
			}
			delay = p.next(delay)
		}
	}
	return lastErr
}

func (p Policy) next(d time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d = time.Duration(float64(d) * m)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
