package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/cloudmetrics"
	"github.com/datacleanup/tally/internal/config"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
	reservationdomain "github.com/datacleanup/tally/internal/reservation/domain"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	LedgerSvc  ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	defaultTTL time.Duration
	ledgerSvc  ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reservationdomain.Service {
	ttl := p.Config.ReservationTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reservation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		defaultTTL: ttl,
		ledgerSvc:  p.LedgerSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Reserve(ctx context.Context, req reservationdomain.ReserveRequest) (*reservationdomain.Reservation, error) {
	if req.Amount <= 0 {
		return nil, reservationdomain.ErrInvalidAmount
	}
	operation := slug.Make(req.Operation)
	if operation == "" {
		return nil, reservationdomain.ErrInvalidOperation
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.clock.Now()
	reservation := &reservationdomain.Reservation{
		ID:        s.genID.Generate(),
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Status:    reservationdomain.StatusPending,
		Operation: operation,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.ledgerSvc.LockAccountTx(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if account.Available() < req.Amount {
			return ledgerdomain.ErrInsufficientCredits
		}
		if err := tx.Create(reservation).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET reserved = reserved + ?, updated_at = ?
			 WHERE id = ?`,
			req.Amount,
			now,
			req.AccountID,
		).Error
	})
	if err != nil {
		s.recordOutcome(ctx, "rejected")
		return nil, err
	}

	s.recordOutcome(ctx, "reserved")
	s.log.Debug("credits reserved",
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("operation", operation),
	)
	return reservation, nil
}

func (s *Service) Confirm(ctx context.Context, id snowflake.ID, req reservationdomain.ConfirmRequest) (*reservationdomain.Reservation, error) {
	var reservation *reservationdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, err = s.lockReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if reservation.Status.Finalized() {
			return reservationdomain.ErrAlreadyFinalized
		}

		final := reservation.Amount
		if req.FinalAmount != nil {
			final = *req.FinalAmount
		}
		if final < 0 || final > reservation.Amount {
			return reservationdomain.ErrInvalidAmount
		}

		if _, err := s.ledgerSvc.LockAccountTx(ctx, tx, reservation.AccountID); err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET reserved = reserved - ?, updated_at = ?
			 WHERE id = ?`,
			reservation.Amount,
			now,
			reservation.AccountID,
		).Error; err != nil {
			return err
		}

		if final > 0 {
			if _, err := s.ledgerSvc.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
				AccountID: reservation.AccountID,
				EntryType: ledgerdomain.EntryTypeCharge,
				Reference: reservation.ID.String(),
				Amount:    -final,
			}); err != nil {
				return err
			}
		}

		reservation.Status = reservationdomain.StatusConfirmed
		reservation.FinalAmount = &final
		reservation.UpdatedAt = now
		return tx.WithContext(ctx).Exec(
			`UPDATE reservations
			 SET status = ?, final_amount = ?, updated_at = ?
			 WHERE id = ?`,
			string(reservationdomain.StatusConfirmed),
			final,
			now,
			reservation.ID,
		).Error
	})
	if err != nil {
		return nil, err
	}

	s.recordOutcome(ctx, "confirmed")
	if reservation.FinalAmount != nil {
		cloudmetrics.RecordCreditsCharged(reservation.AccountID.String(), reservation.Operation, *reservation.FinalAmount)
	}
	return reservation, nil
}

func (s *Service) Release(ctx context.Context, id snowflake.ID) (*reservationdomain.Reservation, error) {
	var reservation *reservationdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, err = s.lockReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch reservation.Status {
		case reservationdomain.StatusReleased, reservationdomain.StatusExpired:
			// Repeat releases are a no-op; the hold is already gone.
			return nil
		case reservationdomain.StatusConfirmed:
			return reservationdomain.ErrAlreadyFinalized
		}

		if _, err := s.ledgerSvc.LockAccountTx(ctx, tx, reservation.AccountID); err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET reserved = reserved - ?, updated_at = ?
			 WHERE id = ?`,
			reservation.Amount,
			now,
			reservation.AccountID,
		).Error; err != nil {
			return err
		}

		reservation.Status = reservationdomain.StatusReleased
		reservation.UpdatedAt = now
		return tx.WithContext(ctx).Exec(
			`UPDATE reservations
			 SET status = ?, updated_at = ?
			 WHERE id = ?`,
			string(reservationdomain.StatusReleased),
			now,
			reservation.ID,
		).Error
	})
	if err != nil {
		return nil, err
	}

	s.recordOutcome(ctx, "released")
	return reservation, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*reservationdomain.Reservation, error) {
	var reservation reservationdomain.Reservation
	err := s.db.WithContext(ctx).First(&reservation, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, reservationdomain.ErrReservationNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

func (s *Service) SweepExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	now := s.clock.Now()
	expired := 0
	var expiredAccounts []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []reservationdomain.Reservation
		if err := tx.WithContext(ctx).Raw(
			`SELECT id, account_id, amount, status, operation, expires_at
			 FROM reservations
			 WHERE status = ? AND expires_at <= ?
			 ORDER BY expires_at
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			string(reservationdomain.StatusPending),
			now,
			batchSize,
		).Scan(&stale).Error; err != nil {
			return err
		}

		for _, reservation := range stale {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE accounts
				 SET reserved = reserved - ?, updated_at = ?
				 WHERE id = ?`,
				reservation.Amount,
				now,
				reservation.AccountID,
			).Error; err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Exec(
				`UPDATE reservations
				 SET status = ?, updated_at = ?
				 WHERE id = ?`,
				string(reservationdomain.StatusExpired),
				now,
				reservation.ID,
			).Error; err != nil {
				return err
			}
			expiredAccounts = append(expiredAccounts, reservation.AccountID)
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		s.recordOutcome(ctx, "expired")
		for _, accountID := range expiredAccounts {
			cloudmetrics.RecordReservationExpired(accountID.String())
		}
		s.log.Info("expired stale reservations", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) lockReservationTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*reservationdomain.Reservation, error) {
	var reservation reservationdomain.Reservation
	err := tx.WithContext(ctx).Raw(
		`SELECT id, account_id, amount, final_amount, status, operation, expires_at, created_at, updated_at
		 FROM reservations
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&reservation).Error
	if err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, reservationdomain.ErrReservationNotFound
	}
	return &reservation, nil
}

func (s *Service) recordOutcome(ctx context.Context, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservation(ctx, outcome)
	}
}
