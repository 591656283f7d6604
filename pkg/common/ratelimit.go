package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles calls to a downstream service. Its limits can be
// adjusted at runtime. A nil *RateLimiter never blocks.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing rps events per second with
// the given burst. A non-positive rps means unlimited.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(toLimit(rps), max(burst, 1))}
}

// Wait blocks until an event is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitN(ctx, 1)
}

// WaitN blocks until n events are allowed or ctx is done. n larger than the
// burst is waited for in burst-sized chunks.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	if rl == nil {
		return ctx.Err()
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	burst := rl.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := rl.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// UpdateLimits adjusts the rate and burst.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(toLimit(rps))
	rl.limiter.SetBurst(max(burst, 1))
}

// Limit returns the current events-per-second limit.
func (rl *RateLimiter) Limit() rate.Limit {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Limit()
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
