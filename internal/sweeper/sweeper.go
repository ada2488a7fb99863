package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/datacleanup/tally/internal/clock"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
	"github.com/datacleanup/tally/internal/ratelimit"
	reservationdomain "github.com/datacleanup/tally/internal/reservation/domain"
)

const (
	jobExpireReservations = "expire_reservations"
	leaderLockKey         = "tally:sweeper:lock"
)

var ErrInvalidConfig = errors.New("sweeper: invalid configuration")

type Params struct {
	fx.In

	Log            *zap.Logger
	ReservationSvc reservationdomain.Service
	Clock          clock.Clock
	Locker         *ratelimit.Locker `optional:"true"`
	Config         Config            `optional:"true"`
}

// Sweeper periodically releases pending reservations past their expiry so a
// crashed caller that never confirms does not permanently lock credits.
type Sweeper struct {
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	reservationSvc reservationdomain.Service
	locker         *ratelimit.Locker
}

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.ReservationSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		log:            p.Log.Named("sweeper").With(zap.String("component", "sweeper")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		reservationSvc: p.ReservationSvc,
		locker:         p.Locker,
	}, nil
}

func (s *Sweeper) RunOnce(parent context.Context) error {
	metrics := obsmetrics.Sweeper()

	// Only one instance sweeps at a time. A lost or unreachable lock store
	// is not fatal: concurrent sweeps skip each other's rows.
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, leaderLockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("sweeper lock unavailable, sweeping without it", zap.Error(err))
		} else if !ok {
			metrics.IncBatchDeferred(jobExpireReservations, "lock_held")
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(parent, leaderLockKey, token); err != nil {
					s.log.Warn("failed to release sweeper lock", zap.Error(err))
				}
			}()
		}
	}

	return s.runJob(parent, jobExpireReservations, s.cfg.JobTimeout, s.expireReservationsJob)
}

func (s *Sweeper) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	metrics := obsmetrics.Sweeper()
	metrics.IncJobRun(name)

	err := fn(ctx)
	metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: whatever was not reached stays for the next run.
		s.log.Warn("sweep timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Sweeper) expireReservationsJob(ctx context.Context) error {
	metrics := obsmetrics.Sweeper()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		count, err := s.reservationSvc.SweepExpired(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		metrics.AddBatchProcessed(jobExpireReservations, "reservations", count)
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	metrics := obsmetrics.Sweeper()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
