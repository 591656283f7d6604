package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	assert.Equal(t, rate.Inf, rl.Limit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl.WaitN(ctx, 1000))
}

func TestRateLimiter_NilNeverBlocks(t *testing.T) {
	t.Parallel()

	var rl *RateLimiter
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.Canceled)
}

func TestRateLimiter_WaitNBeyondBurst(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl.WaitN(ctx, 5))
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(10, 1)
	rl.UpdateLimits(50, 5)
	assert.Equal(t, rate.Limit(50), rl.Limit())

	rl.UpdateLimits(-1, 5)
	assert.Equal(t, rate.Inf, rl.Limit())
}

func TestRateLimiter_CancelledWait(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}
