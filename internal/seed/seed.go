package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
)

const (
	devAccountExternalID = "dev"
	devAccountPlan       = "free"
	devStartingCredits   = 1000
	devGrantReference    = "seed:dev-starting-credits"
)

// EnsureDevAccount seeds a local development account with starting credits
// so the API is exercisable immediately after first boot. Reruns are no-ops:
// both the account and its grant are keyed.
func EnsureDevAccount(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := ensureDevAccountTx(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureStartingGrantTx(ctx, tx, node, account)
	})
}

func ensureDevAccountTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := tx.WithContext(ctx).Where("external_id = ?", devAccountExternalID).First(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return account, err
	}

	now := time.Now().UTC()
	account = ledgerdomain.Account{
		ID:         node.Generate(),
		ExternalID: devAccountExternalID,
		Plan:       devAccountPlan,
		Currency:   "USD",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
		return account, err
	}
	return account, nil
}

func ensureStartingGrantTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, account ledgerdomain.Account) error {
	var entry ledgerdomain.LedgerEntry
	err := tx.WithContext(ctx).
		Where("account_id = ? AND entry_type = ? AND reference = ?",
			account.ID, ledgerdomain.EntryTypeGrant, devGrantReference).
		First(&entry).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	entry = ledgerdomain.LedgerEntry{
		ID:        node.Generate(),
		AccountID: account.ID,
		EntryType: ledgerdomain.EntryTypeGrant,
		Reference: devGrantReference,
		Amount:    devStartingCredits,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return err
	}

	return tx.WithContext(ctx).Model(&ledgerdomain.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", int64(devStartingCredits)),
			"updated_at": time.Now().UTC(),
		}).Error
}
