package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/cloudmetrics"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
	"github.com/datacleanup/tally/pkg/db"
	"github.com/datacleanup/tally/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateAccount(ctx context.Context, req ledgerdomain.CreateAccountRequest) (*ledgerdomain.Account, error) {
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return nil, ledgerdomain.ErrInvalidExternalID
	}
	if req.InitialCredits < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	plan := strings.ToLower(strings.TrimSpace(req.Plan))
	if plan == "" {
		plan = "free"
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.clock.Now()
	account := &ledgerdomain.Account{
		ID:         s.genID.Generate(),
		ExternalID: externalID,
		Plan:       plan,
		Currency:   currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ledgerdomain.ErrAccountExists
			}
			return err
		}
		if req.InitialCredits > 0 {
			inserted, err := s.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
				AccountID: account.ID,
				EntryType: ledgerdomain.EntryTypeGrant,
				Reference: "initial",
				Amount:    req.InitialCredits,
			})
			if err != nil {
				return err
			}
			if inserted {
				account.Balance = req.InitialCredits
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("external_id", externalID),
		zap.String("plan", plan),
	)
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrUnknownAccount
		}
		return nil, err
	}
	return &account, nil
}

func (s *Service) GetAccountByExternalID(ctx context.Context, externalID string) (*ledgerdomain.Account, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ledgerdomain.ErrInvalidExternalID
	}
	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).First(&account, "external_id = ?", externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrUnknownAccount
		}
		return nil, err
	}
	return &account, nil
}

func (s *Service) GetBalance(ctx context.Context, id snowflake.ID) (*ledgerdomain.BalanceSnapshot, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	cloudmetrics.UpdateReservedCredits(account.ID.String(), account.Reserved)
	return &ledgerdomain.BalanceSnapshot{
		AccountID: account.ID,
		Balance:   account.Balance,
		Reserved:  account.Reserved,
		Available: account.Available(),
		Currency:  account.Currency,
		AsOf:      s.clock.Now(),
	}, nil
}

func (s *Service) Grant(ctx context.Context, accountID snowflake.ID, req ledgerdomain.GrantRequest) error {
	if req.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return ledgerdomain.ErrInvalidReference
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return err
		}
		metadata = datatypes.JSON(raw)
	}

	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.LockAccountTx(ctx, tx, accountID); err != nil {
			return err
		}
		var err error
		inserted, err = s.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
			AccountID: accountID,
			EntryType: ledgerdomain.EntryTypeGrant,
			Reference: reference,
			Amount:    req.Amount,
			Metadata:  metadata,
		})
		return err
	})
	if err != nil {
		return err
	}

	if !inserted {
		s.log.Debug("grant already applied",
			zap.String("account_id", accountID.String()),
			zap.String("reference", reference),
		)
	}
	return nil
}

func (s *Service) ListEntries(ctx context.Context, accountID snowflake.ID, p pagination.Pagination) ([]*ledgerdomain.LedgerEntry, *pagination.PageInfo, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, nil, err
	}

	size := p.PageSize
	if size <= 0 {
		size = 50
	}
	if size > 250 {
		size = 250
	}

	query := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(size + 1)

	if token := strings.TrimSpace(p.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, nil, err
		}
		if cursor.ID != "" {
			lastID, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				return nil, nil, err
			}
			query = query.Where("id < ?", lastID)
		}
	}

	var entries []*ledgerdomain.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(entries, int32(size), func(entry *ledgerdomain.LedgerEntry) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: entry.ID.String()})
		return token
	})
	if len(entries) > size {
		entries = entries[:size]
	}
	return entries, pageInfo, nil
}

func (s *Service) Replay(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.ReplayResult, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var agg struct {
		Total int64
		Count int64
	}
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
		 FROM ledger_entries
		 WHERE account_id = ?`,
		accountID,
	).Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	result := &ledgerdomain.ReplayResult{
		AccountID:      accountID,
		StoredBalance:  account.Balance,
		DerivedBalance: agg.Total,
		EntryCount:     agg.Count,
		Consistent:     account.Balance == agg.Total,
	}
	if !result.Consistent {
		s.log.Error("ledger replay mismatch",
			zap.String("account_id", accountID.String()),
			zap.Int64("stored", result.StoredBalance),
			zap.Int64("derived", result.DerivedBalance),
		)
	}
	return result, nil
}

func (s *Service) LockAccountTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := tx.WithContext(ctx).Raw(
		`SELECT id, external_id, plan, currency, balance, reserved, created_at, updated_at
		 FROM accounts
		 WHERE id = ?
		 FOR UPDATE`,
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, ledgerdomain.ErrUnknownAccount
	}
	return &account, nil
}

func (s *Service) AppendEntryTx(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.LedgerEntry) (bool, error) {
	if entry == nil || entry.AccountID == 0 {
		return false, ledgerdomain.ErrUnknownAccount
	}
	if entry.Amount == 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	entry.Reference = strings.TrimSpace(entry.Reference)
	if entry.Reference == "" {
		return false, ledgerdomain.ErrInvalidReference
	}
	switch entry.EntryType {
	case ledgerdomain.EntryTypeGrant, ledgerdomain.EntryTypePayment,
		ledgerdomain.EntryTypeCharge, ledgerdomain.EntryTypeRefund,
		ledgerdomain.EntryTypeAdjustment:
	default:
		return false, ledgerdomain.ErrInvalidEntryType
	}

	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	now := s.clock.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, account_id, entry_type, reference, amount, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, entry_type, reference) DO NOTHING`,
		entry.ID,
		entry.AccountID,
		string(entry.EntryType),
		entry.Reference,
		entry.Amount,
		entry.Metadata,
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET balance = balance + ?, updated_at = ?
		 WHERE id = ?`,
		entry.Amount,
		now,
		entry.AccountID,
	).Error; err != nil {
		return false, err
	}

	// Debits re-check the resulting balance under the account row lock.
	// Reserve admission is the primary gate; this keeps a buggy or
	// out-of-band caller from driving the balance negative.
	if entry.Amount < 0 {
		var balance int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT balance FROM accounts WHERE id = ?`,
			entry.AccountID,
		).Scan(&balance).Error; err != nil {
			return false, err
		}
		if balance < 0 {
			return false, ledgerdomain.ErrInsufficientCredits
		}
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.EntryType))
	}
	return true, nil
}
