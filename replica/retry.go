// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"time"
)

// RetryPolicy bounds repeated attempts with doubling backoff. It drives the
// authority snapshot fetch at the start of a pull cycle and the realtime
// reconnect loop.
type RetryPolicy struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryPolicy returns the policy used when the config leaves one zero:
// 4 attempts, 1s initial backoff doubling up to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BackoffMin:  1 * time.Second,
		BackoffMax:  8 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-based), doubling
// from BackoffMin and capped at BackoffMax.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BackoffMin
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Do invokes fn up to MaxAttempts times, sleeping between attempts. The last
// error is returned when all attempts fail; a canceled context short-circuits
// the wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if werr := sleepWithContext(ctx, p.Delay(attempt-1)); werr != nil {
				return werr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

// sleepWithContext sleeps for the given duration or until the context is
// cancelled, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
