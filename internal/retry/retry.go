// Package retry holds the backoff policy shared by metric fetching and
// notification delivery.
package retry

import (
	"context"
	"time"
)

// Policy is a fixed schedule of delays. Attempt n (0-based) that fails waits
// Delays[n] before attempt n+1; once the schedule is exhausted the failure is final.
type Policy struct {
	delays []time.Duration
}

// NewPolicy copies the schedule so later mutation by the caller has no effect.
func NewPolicy(delays ...time.Duration) Policy {
	cp := make([]time.Duration, 0, len(delays))
	for _, d := range delays {
		if d > 0 {
			cp = append(cp, d)
		}
	}
	return Policy{delays: cp}
}

// MaxAttempts is the total number of attempts including the first.
func (p Policy) MaxAttempts() int {
	return len(p.delays) + 1
}

// Next reports how long to wait after the given failed attempt, and whether another attempt is allowed.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(p.delays) {
		return 0, false
	}
	return p.delays[attempt], true
}

// Do runs op until it succeeds, the schedule is exhausted, ctx ends, or
// retryable reports false for the returned error. A nil retryable retries everything.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay, ok := p.Next(attempt)
		if !ok {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
