// ABOUTME: Exponential backoff with a cap and proportional jitter
// ABOUTME: Shared by the authentication retry loop and gateway process restarts

package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter is the fraction of the computed wait that is randomized, in [0, 1].
	Jitter float64
}

// Default returns the schedule used for gateway logins: 2s base, 60s cap, 20% jitter.
func Default() Backoff {
	return Backoff{
		Base:   2 * time.Second,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the wait before retry number attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	limit := b.Max
	if limit <= 0 {
		limit = 60 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > limit {
			wait = limit
			break
		}
		wait = next
	}
	if wait > limit {
		wait = limit
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := min(b.Jitter, 1)
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
