package core

import (
	"context"
	"time"
)

const (
	defaultRefreshMaxAttempts    = 3
	defaultRefreshInitialBackoff = 500 * time.Millisecond
	defaultRefreshMaxBackoff     = 10 * time.Second
)

// ExponentialBackoffScheduler doubles the delay per attempt, capped at Max.
type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultRefreshInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultRefreshMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// RetryDelay picks the scheduler delay, raised to the provider hint when
// the error carries one.
func RetryDelay(scheduler BackoffScheduler, attempt int, err error) time.Duration {
	var delay time.Duration
	if scheduler != nil {
		delay = scheduler.NextDelay(attempt)
	}
	if hint := RetryAfter(err); hint > delay {
		delay = hint
	}
	return delay
}

// BoundedRetryDelay is RetryDelay capped at ceiling. It reports false when
// the provider asked for a longer wait than ceiling allows, or no wait fits.
func BoundedRetryDelay(scheduler BackoffScheduler, attempt int, err error, ceiling time.Duration) (time.Duration, bool) {
	if ceiling <= 0 {
		return 0, false
	}
	if RetryAfter(err) > ceiling {
		return ceiling, false
	}
	delay := RetryDelay(scheduler, attempt, err)
	if delay > ceiling {
		delay = ceiling
	}
	return delay, true
}

func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
