package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/cloudmetrics"
	"github.com/datacleanup/tally/internal/config"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
	"github.com/datacleanup/tally/internal/payment/adapters"
	paymentdomain "github.com/datacleanup/tally/internal/payment/domain"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Registry   *adapters.Registry
	LedgerSvc  ledgerdomain.Service
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	secrets    map[string]string
	registry   *adapters.Registry
	ledgerSvc  ledgerdomain.Service
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		secrets:    p.Config.WebhookSecrets,
		registry:   p.Registry,
		ledgerSvc:  p.LedgerSvc,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// HandleWebhook verifies, parses and applies one provider delivery. The
// check-and-insert of the processed-event record and the ledger write share
// one transaction, so a crash mid-apply leaves the event retryable.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.registry.ProviderExists(provider) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.registry.NewAdapter(provider, paymentdomain.AdapterConfig{
		Secret: s.secrets[provider],
	})
	if err != nil {
		return nil, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Error("webhook verification failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if err == paymentdomain.ErrEventIgnored {
			s.log.Debug("unhandled event type acknowledged", zap.String("provider", provider))
			return &paymentdomain.Result{Outcome: paymentdomain.OutcomeIgnored}, nil
		}
		return nil, err
	}

	return s.processEvent(ctx, event)
}

func (s *Service) processEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (*paymentdomain.Result, error) {
	account, err := s.ledgerSvc.GetAccountByExternalID(ctx, event.AccountExternalID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	dedupeKey := event.DedupeKey()
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		AccountID:       account.ID,
		Provider:        event.Provider,
		ProviderEventID: dedupeKey,
		EventType:       event.Type,
		Credits:         event.Credits,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	}

	duplicate := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}

		if err := s.applyEffect(ctx, tx, account.ID, dedupeKey, event); err != nil {
			return err
		}
		return s.repo.MarkProcessed(ctx, tx, record.ID, now)
	})
	if err != nil {
		return nil, err
	}

	if duplicate {
		s.log.Debug("duplicate payment event",
			zap.String("provider", event.Provider),
			zap.String("reference", event.PaymentReference),
		)
		return &paymentdomain.Result{
			Outcome:   paymentdomain.OutcomeDuplicate,
			EventType: event.Type,
			Reference: event.PaymentReference,
		}, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}
	if event.Type == paymentdomain.EventTypePaymentSucceeded {
		cloudmetrics.RecordPaymentSettled(account.ID.String(), event.Provider, event.Credits)
	}
	s.log.Info("payment event applied",
		zap.String("provider", event.Provider),
		zap.String("event_type", event.Type),
		zap.String("reference", event.PaymentReference),
		zap.Int64("credits", event.Credits),
	)
	return &paymentdomain.Result{
		Outcome:   paymentdomain.OutcomeAccepted,
		EventType: event.Type,
		Reference: event.PaymentReference,
	}, nil
}

func (s *Service) applyEffect(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, reference string, event *paymentdomain.PaymentEvent) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.appendEntry(ctx, tx, accountID, ledgerdomain.EntryTypePayment, reference, event.Credits)
	case paymentdomain.EventTypeRefunded:
		return s.appendEntry(ctx, tx, accountID, ledgerdomain.EntryTypeRefund, reference, -event.Credits)
	case paymentdomain.EventTypePaymentFailed:
		// Recorded for dedupe and audit; no balance effect.
		s.log.Warn("payment failed",
			zap.String("provider", event.Provider),
			zap.String("reference", event.PaymentReference),
		)
		return nil
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, entryType ledgerdomain.LedgerEntryType, reference string, amount int64) error {
	if _, err := s.ledgerSvc.LockAccountTx(ctx, tx, accountID); err != nil {
		return err
	}
	_, err := s.ledgerSvc.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
		AccountID: accountID,
		EntryType: entryType,
		Reference: reference,
		Amount:    amount,
	})
	return err
}
