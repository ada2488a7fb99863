package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/config"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return f.counts[key], window, nil
}

func newLimiter(t *testing.T, counter Counter, failOpen bool) (*Limiter, *clock.FakeClock) {
	t.Helper()

	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	return &Limiter{
		counter: counter,
		log:     zap.NewNop(),
		clock:   fake,
		limits: config.NewStaticLimitsHolder(config.LimitsConfig{
			Plans: []config.PlanLimit{
				{Plan: "free", Limit: 2, Window: time.Minute},
				{Plan: "pro", Limit: 5, Window: time.Minute},
			},
		}),
		failOpen: failOpen,
	}, fake
}

func TestAllowAdmitsUpToLimit(t *testing.T) {
	limiter, _ := newLimiter(t, &fakeCounter{}, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "acct-1", "clean", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		require.Equal(t, int64(3-i-1), decision.Remaining)
	}

	decision, err := limiter.Allow(ctx, "acct-1", "clean", 3, time.Minute)
	require.ErrorIs(t, err, ErrRateLimited)
	require.False(t, decision.Allowed)
	require.Equal(t, int64(0), decision.Remaining)
	require.Equal(t, time.Minute, decision.RetryAfter)
}

func TestAllowKeysWindowsByTruncatedTime(t *testing.T) {
	counter := &fakeCounter{}
	limiter, fake := newLimiter(t, counter, false)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "acct-1", "clean", 1, time.Minute)
	require.NoError(t, err)

	_, err = limiter.Allow(ctx, "acct-1", "clean", 1, time.Minute)
	require.ErrorIs(t, err, ErrRateLimited)

	// Next window admits again.
	fake.Advance(time.Minute)
	decision, err := limiter.Allow(ctx, "acct-1", "clean", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Len(t, counter.counts, 2)
}

func TestAllowIsolatesIdentifiersAndEndpoints(t *testing.T) {
	limiter, _ := newLimiter(t, &fakeCounter{}, false)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "acct-1", "clean", 1, time.Minute)
	require.NoError(t, err)

	decision, err := limiter.Allow(ctx, "acct-2", "clean", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "acct-1", "enrich", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestAllowPlanFallsBackToFreeTier(t *testing.T) {
	limiter, _ := newLimiter(t, &fakeCounter{}, false)
	ctx := context.Background()

	decision, err := limiter.AllowPlan(ctx, "acct-1", "pro", "clean")
	require.NoError(t, err)
	require.Equal(t, int64(5), decision.Limit)

	// A plan with no configured limit gets the free tier's.
	decision, err = limiter.AllowPlan(ctx, "acct-2", "enterprise", "clean")
	require.NoError(t, err)
	require.Equal(t, int64(2), decision.Limit)
}

func TestAllowFailPolicy(t *testing.T) {
	broken := &fakeCounter{err: errors.New("connection refused")}
	ctx := context.Background()

	open, _ := newLimiter(t, broken, true)
	decision, err := open.Allow(ctx, "acct-1", "clean", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	closed, _ := newLimiter(t, broken, false)
	decision, err = closed.Allow(ctx, "acct-1", "clean", 3, time.Minute)
	require.ErrorIs(t, err, ErrRateLimited)
	require.False(t, decision.Allowed)
}

func TestAllowValidation(t *testing.T) {
	limiter, _ := newLimiter(t, &fakeCounter{}, false)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "  ", "clean", 3, time.Minute)
	require.Error(t, err)

	_, err = limiter.Allow(ctx, "acct-1", "clean", 0, time.Minute)
	require.Error(t, err)

	_, err = limiter.Allow(ctx, "acct-1", "clean", 3, 0)
	require.Error(t, err)
}
