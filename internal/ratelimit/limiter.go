package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/config"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
)

// ErrRateLimited tells the caller to back off and retry after the window turns.
var ErrRateLimited = errors.New("rate_limited")

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Params struct {
	fx.In

	Client     *redis.Client
	Log        *zap.Logger
	Config     config.Config
	Limits     *config.LimitsConfigHolder
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Limiter bounds request rates per (identifier, endpoint) pair with fixed
// windows keyed by time truncation. When the shared store is unreachable it
// fails open or closed per configuration, never by crashing the caller.
type Limiter struct {
	counter    Counter
	log        *zap.Logger
	clock      clock.Clock
	limits     *config.LimitsConfigHolder
	failOpen   bool
	obsMetrics *obsmetrics.Metrics
}

func NewLimiter(p Params) *Limiter {
	return &Limiter{
		counter:    NewWindowCounter(p.Client),
		log:        p.Log.Named("ratelimit"),
		clock:      p.Clock,
		limits:     p.Limits,
		failOpen:   p.Config.RateLimitFailOpen,
		obsMetrics: p.ObsMetrics,
	}
}

// Allow admits the request if the post-increment count for the current
// window is within limit.
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string, limit int64, window time.Duration) (*Decision, error) {
	return l.allow(ctx, identifier, endpoint, "custom", limit, window)
}

// AllowPlan resolves the account's plan limit from the hot-reloaded limits
// config and applies it. Unknown plans fall back to the free tier.
func (l *Limiter) AllowPlan(ctx context.Context, identifier, plan, endpoint string) (*Decision, error) {
	planLimit, exact := l.limits.ForPlan(plan)
	if planLimit.Plan == "" {
		l.log.Warn("no rate limit configured for plan, denying", zap.String("plan", plan))
		l.recordDenied(ctx, plan, endpoint, "unknown_plan")
		return &Decision{Allowed: false}, ErrRateLimited
	}
	if !exact {
		l.log.Debug("unknown plan, applying free tier limit", zap.String("plan", plan))
	}
	return l.allow(ctx, identifier, endpoint, planLimit.Plan, planLimit.Limit, planLimit.Window)
}

func (l *Limiter) allow(ctx context.Context, identifier, endpoint, plan string, limit int64, window time.Duration) (*Decision, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, errors.New("rate limit identifier is empty")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limit and window must be positive")
	}

	now := l.clock.Now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", identifier, endpoint, windowStart.Unix())

	count, resetIn, err := l.counter.Incr(ctx, key, window)
	if err != nil {
		if l.failOpen {
			l.log.Warn("rate limit store unreachable, failing open",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			l.recordAllowed(ctx, plan, endpoint)
			return &Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
		}
		l.log.Error("rate limit store unreachable, failing closed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		l.recordDenied(ctx, plan, endpoint, "store_unavailable")
		return &Decision{Allowed: false, Limit: limit}, ErrRateLimited
	}

	decision := &Decision{
		Allowed: count <= limit,
		Limit:   limit,
		ResetAt: now.Add(resetIn),
	}
	if remaining := limit - count; remaining > 0 {
		decision.Remaining = remaining
	}
	if !decision.Allowed {
		decision.RetryAfter = resetIn
		l.recordDenied(ctx, plan, endpoint, "limit_exceeded")
		return decision, ErrRateLimited
	}

	l.recordAllowed(ctx, plan, endpoint)
	return decision, nil
}

func (l *Limiter) recordAllowed(ctx context.Context, plan, endpoint string) {
	if l.obsMetrics != nil {
		l.obsMetrics.RecordRateLimitAllowed(ctx, plan, endpoint)
	}
}

func (l *Limiter) recordDenied(ctx context.Context, plan, endpoint, reason string) {
	if l.obsMetrics != nil {
		l.obsMetrics.RecordRateLimitDenied(ctx, plan, endpoint, reason)
	}
}
