package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retryer runs an attempt a fixed number of times. Each attempt gets its own
// timeout and attempt starts are spaced one interval apart.
type Retryer struct {
	attempt  func(ctx context.Context) error
	attempts int
	timeout  time.Duration
	interval time.Duration
}

func NewRetryer(attempt func(ctx context.Context) error, attempts int, timeout, interval time.Duration) *Retryer {
	if attempts < 1 {
		attempts = 1
	}
	return &Retryer{
		attempt:  attempt,
		attempts: attempts,
		timeout:  timeout,
		interval: interval,
	}
}

// Run returns nil on the first successful attempt, the parent context error
// when it is canceled, or the last attempt error once all attempts failed.
func (r *Retryer) Run(ctx context.Context) error {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.attempt(actx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if i == r.attempts-1 {
			break
		}

		wait := r.interval - time.Since(start)
		slog.Debug("attempt failed, retrying",
			"attempt", i+1,
			"of", r.attempts,
			"wait", wait,
			"error", err,
		)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %d attempts failed: %v", ErrReplication, r.attempts, lastErr)
}
