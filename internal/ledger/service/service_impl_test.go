package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/clock"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	"github.com/datacleanup/tally/pkg/db/pagination"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&ledgerdomain.Account{}, &ledgerdomain.LedgerEntry{}))
	return db
}

func newService(t *testing.T, db *gorm.DB) (*Service, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc.(*Service), fake
}

func TestCreateAccount(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{
		ExternalID:     "team-42",
		Plan:           "Pro",
		InitialCredits: 500,
	})
	require.NoError(t, err)
	require.Equal(t, "pro", account.Plan)
	require.Equal(t, int64(500), account.Balance)

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, db.Where("account_id = ?", account.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, ledgerdomain.EntryTypeGrant, entries[0].EntryType)
	require.Equal(t, "initial", entries[0].Reference)

	_, err = svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-42"})
	require.ErrorIs(t, err, ledgerdomain.ErrAccountExists)

	_, err = svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "   "})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidExternalID)
}

func TestGrantIsIdempotentByReference(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-1"})
	require.NoError(t, err)

	grant := ledgerdomain.GrantRequest{Amount: 100, Reference: "promo-feb"}
	require.NoError(t, svc.Grant(ctx, account.ID, grant))
	require.NoError(t, svc.Grant(ctx, account.ID, grant))

	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Balance)
	require.Equal(t, int64(100), balance.Available)
}

func TestGrantValidation(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-1"})
	require.NoError(t, err)

	err = svc.Grant(ctx, account.ID, ledgerdomain.GrantRequest{Amount: 0, Reference: "x"})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	err = svc.Grant(ctx, account.ID, ledgerdomain.GrantRequest{Amount: -5, Reference: "x"})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	err = svc.Grant(ctx, account.ID, ledgerdomain.GrantRequest{Amount: 10, Reference: "  "})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidReference)

	err = svc.Grant(ctx, snowflake.ID(999), ledgerdomain.GrantRequest{Amount: 10, Reference: "x"})
	require.ErrorIs(t, err, ledgerdomain.ErrUnknownAccount)
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)

	_, err := svc.GetBalance(context.Background(), snowflake.ID(12345))
	require.ErrorIs(t, err, ledgerdomain.ErrUnknownAccount)
}

func TestReplayDetectsDrift(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-1", InitialCredits: 200})
	require.NoError(t, err)
	require.NoError(t, svc.Grant(ctx, account.ID, ledgerdomain.GrantRequest{Amount: 50, Reference: "bonus"}))

	result, err := svc.Replay(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, result.Consistent)
	require.Equal(t, int64(250), result.DerivedBalance)
	require.Equal(t, int64(2), result.EntryCount)

	require.NoError(t, db.Exec("UPDATE accounts SET balance = balance + 7 WHERE id = ?", account.ID).Error)

	result, err = svc.Replay(ctx, account.ID)
	require.NoError(t, err)
	require.False(t, result.Consistent)
	require.Equal(t, int64(257), result.StoredBalance)
	require.Equal(t, int64(250), result.DerivedBalance)
}

func TestListEntriesPaginates(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-1"})
	require.NoError(t, err)
	for _, ref := range []string{"a", "b", "c"} {
		require.NoError(t, svc.Grant(ctx, account.ID, ledgerdomain.GrantRequest{Amount: 10, Reference: ref}))
	}

	entries, pageInfo, err := svc.ListEntries(ctx, account.ID, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, pageInfo.HasMore)
	require.NotEmpty(t, pageInfo.NextPageToken)

	rest, pageInfo, err := svc.ListEntries(ctx, account.ID, pagination.Pagination{
		PageSize:  2,
		PageToken: pageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, pageInfo.HasMore)

	// Newest first, no overlap between pages.
	require.Greater(t, int64(entries[0].ID), int64(entries[1].ID))
	require.Greater(t, int64(entries[1].ID), int64(rest[0].ID))
}

func TestAppendEntryTxRejectsOverdraftCharge(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-1", InitialCredits: 5})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
			AccountID: account.ID,
			EntryType: ledgerdomain.EntryTypeCharge,
			Reference: "job:overdraft",
			Amount:    -100,
		})
		return err
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	// Rolled back: balance untouched, no entry recorded.
	balance, err := svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.Balance)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ? AND entry_type = ?", account.ID, ledgerdomain.EntryTypeCharge).
		Count(&count).Error)
	require.Zero(t, count)

	// A charge the balance can cover still lands.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
			AccountID: account.ID,
			EntryType: ledgerdomain.EntryTypeCharge,
			Reference: "job:fits",
			Amount:    -5,
		})
		return err
	})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Zero(t, balance.Balance)
}

func TestAppendEntryTxRejectsBadEntries(t *testing.T) {
	db := setupDB(t)
	svc, _ := newService(t, db)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-1"})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
			AccountID: account.ID,
			EntryType: "mystery",
			Reference: "r",
			Amount:    5,
		})
		return err
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidEntryType)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.AppendEntryTx(ctx, tx, &ledgerdomain.LedgerEntry{
			AccountID: account.ID,
			EntryType: ledgerdomain.EntryTypeGrant,
			Reference: "r",
			Amount:    0,
		})
		return err
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}
