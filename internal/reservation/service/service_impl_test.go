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
	"github.com/datacleanup/tally/internal/config"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	ledgerservice "github.com/datacleanup/tally/internal/ledger/service"
	reservationdomain "github.com/datacleanup/tally/internal/reservation/domain"
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

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&reservationdomain.Reservation{},
	))
	return db
}

func newServices(t *testing.T, db *gorm.DB) (reservationdomain.Service, ledgerdomain.Service, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Config:    config.Config{ReservationTTL: 15 * time.Minute},
		LedgerSvc: ledgerSvc,
	})
	return svc, ledgerSvc, fake
}

func newAccount(t *testing.T, ledgerSvc ledgerdomain.Service, credits int64) *ledgerdomain.Account {
	t.Helper()

	account, err := ledgerSvc.CreateAccount(context.Background(), ledgerdomain.CreateAccountRequest{
		ExternalID:     "team-1",
		InitialCredits: credits,
	})
	require.NoError(t, err)
	return account
}

func TestReserveHoldsCredits(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    3,
		Operation: "Clean Dataset",
	})
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusPending, reservation.Status)
	require.Equal(t, "clean-dataset", reservation.Operation)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Balance)
	require.Equal(t, int64(3), balance.Reserved)
	require.Equal(t, int64(7), balance.Available)
}

func TestReserveInsufficientCredits(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 5)

	// A pending hold counts against availability.
	_, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    5,
		Operation: "op",
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    1,
		Operation: "op",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	var count int64
	require.NoError(t, db.Model(&reservationdomain.Reservation{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestReserveAdmitsExactlyOneHoldForLastCredits(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 1)

	// A burst of reserve calls all racing for the last credit. The
	// admission check and hold creation run under the account row lock,
	// so exactly one wins and the rest see the hold already in place.
	const attempts = 8
	var winners []*reservationdomain.Reservation
	for i := 0; i < attempts; i++ {
		reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
			AccountID: account.ID,
			Amount:    1,
			Operation: "op",
		})
		if err != nil {
			require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
			continue
		}
		winners = append(winners, reservation)
	}
	require.Len(t, winners, 1)

	var held int64
	require.NoError(t, db.Model(&reservationdomain.Reservation{}).
		Where("account_id = ? AND status = ?", account.ID, reservationdomain.StatusPending).
		Count(&held).Error)
	require.Equal(t, int64(1), held)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), balance.Reserved)
	require.Zero(t, balance.Available)

	// Settling the winning hold spends the last credit.
	_, err = svc.Confirm(ctx, winners[0].ID, reservationdomain.ConfirmRequest{})
	require.NoError(t, err)

	balance, err = ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Zero(t, balance.Balance)
	require.Zero(t, balance.Reserved)
}

func TestReserveValidation(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 5)

	_, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{AccountID: account.ID, Amount: 0, Operation: "op"})
	require.ErrorIs(t, err, reservationdomain.ErrInvalidAmount)

	_, err = svc.Reserve(ctx, reservationdomain.ReserveRequest{AccountID: account.ID, Amount: 1, Operation: "  "})
	require.ErrorIs(t, err, reservationdomain.ErrInvalidOperation)

	_, err = svc.Reserve(ctx, reservationdomain.ReserveRequest{AccountID: snowflake.ID(999), Amount: 1, Operation: "op"})
	require.ErrorIs(t, err, ledgerdomain.ErrUnknownAccount)
}

func TestConfirmChargesHeldAmount(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    4,
		Operation: "op",
	})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(ctx, reservation.ID, reservationdomain.ConfirmRequest{})
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.FinalAmount)
	require.Equal(t, int64(4), *confirmed.FinalAmount)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), balance.Balance)
	require.Equal(t, int64(0), balance.Reserved)
	require.Equal(t, int64(6), balance.Available)

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, db.Where("account_id = ? AND entry_type = ?", account.ID, ledgerdomain.EntryTypeCharge).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, int64(-4), entries[0].Amount)
	require.Equal(t, reservation.ID.String(), entries[0].Reference)
}

func TestConfirmRevisesDownward(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    5,
		Operation: "op",
	})
	require.NoError(t, err)

	final := int64(2)
	confirmed, err := svc.Confirm(ctx, reservation.ID, reservationdomain.ConfirmRequest{FinalAmount: &final})
	require.NoError(t, err)
	require.Equal(t, int64(2), *confirmed.FinalAmount)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), balance.Balance)
	require.Equal(t, int64(8), balance.Available)

	// The final amount can only shrink the hold, never grow it.
	other, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{AccountID: account.ID, Amount: 3, Operation: "op"})
	require.NoError(t, err)
	tooBig := int64(4)
	_, err = svc.Confirm(ctx, other.ID, reservationdomain.ConfirmRequest{FinalAmount: &tooBig})
	require.ErrorIs(t, err, reservationdomain.ErrInvalidAmount)
}

func TestConfirmIsExactlyOnce(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    4,
		Operation: "op",
	})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, reservation.ID, reservationdomain.ConfirmRequest{})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, reservation.ID, reservationdomain.ConfirmRequest{})
	require.ErrorIs(t, err, reservationdomain.ErrAlreadyFinalized)

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, db.Where("entry_type = ?", ledgerdomain.EntryTypeCharge).Find(&entries).Error)
	require.Len(t, entries, 1)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), balance.Balance)
}

func TestReleaseReturnsHoldWithoutLedgerEntry(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    2,
		Operation: "op",
	})
	require.NoError(t, err)

	released, err := svc.Release(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusReleased, released.Status)

	// Releasing again is a no-op, not an error.
	_, err = svc.Release(ctx, reservation.ID)
	require.NoError(t, err)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Balance)
	require.Equal(t, int64(0), balance.Reserved)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).
		Where("entry_type = ?", ledgerdomain.EntryTypeCharge).
		Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestReleaseAfterConfirmFails(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, _ := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	reservation, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    2,
		Operation: "op",
	})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, reservation.ID, reservationdomain.ConfirmRequest{})
	require.NoError(t, err)

	_, err = svc.Release(ctx, reservation.ID)
	require.ErrorIs(t, err, reservationdomain.ErrAlreadyFinalized)
}

func TestSweepExpiredReturnsCredits(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc, fake := newServices(t, db)
	ctx := context.Background()
	account := newAccount(t, ledgerSvc, 10)

	stale, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    3,
		Operation: "op",
		TTL:       time.Minute,
	})
	require.NoError(t, err)

	fresh, err := svc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    2,
		Operation: "op",
		TTL:       time.Hour,
	})
	require.NoError(t, err)

	fake.Advance(5 * time.Minute)

	count, err := svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusExpired, got.Status)

	got, err = svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusPending, got.Status)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Balance)
	require.Equal(t, int64(2), balance.Reserved)
	require.Equal(t, int64(8), balance.Available)

	// Nothing left to sweep.
	count, err = svc.SweepExpired(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestGetUnknownReservation(t *testing.T) {
	db := setupDB(t)
	svc, _, _ := newServices(t, db)

	_, err := svc.Get(context.Background(), snowflake.ID(777))
	require.ErrorIs(t, err, reservationdomain.ErrReservationNotFound)
}
