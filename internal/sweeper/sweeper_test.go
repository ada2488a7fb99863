package sweeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/config"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	ledgerservice "github.com/datacleanup/tally/internal/ledger/service"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
	reservationdomain "github.com/datacleanup/tally/internal/reservation/domain"
	reservationservice "github.com/datacleanup/tally/internal/reservation/service"
)

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSweeperMetricsForTest()
	}
}

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

type env struct {
	db             *gorm.DB
	sweeper        *Sweeper
	reservationSvc reservationdomain.Service
	ledgerSvc      ledgerdomain.Service
	clock          *clock.FakeClock
}

func newEnv(t *testing.T, ttl time.Duration) *env {
	t.Helper()

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSweeperMetricsForTest()
	obsmetrics.SweeperWithConfig(obsmetrics.Config{ServiceName: "tally", Environment: "test"})

	db := setupDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	reservationSvc := reservationservice.NewService(reservationservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Config:    config.Config{ReservationTTL: ttl},
		LedgerSvc: ledgerSvc,
	})
	sw, err := New(Params{
		Log:            zap.NewNop(),
		ReservationSvc: reservationSvc,
		Clock:          fake,
		Config:         Config{BatchSize: 2},
	})
	require.NoError(t, err)

	return &env{
		db:             db,
		sweeper:        sw,
		reservationSvc: reservationSvc,
		ledgerSvc:      ledgerSvc,
		clock:          fake,
	}
}

func (e *env) newAccount(t *testing.T, credits int64) *ledgerdomain.Account {
	t.Helper()

	account, err := e.ledgerSvc.CreateAccount(context.Background(), ledgerdomain.CreateAccountRequest{
		ExternalID:     "team-1",
		InitialCredits: credits,
	})
	require.NoError(t, err)
	return account
}

func TestRunOnceExpiresOverdueReservations(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	account := e.newAccount(t, 10)

	reservation, err := e.reservationSvc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    4,
		Operation: "clean",
	})
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	require.NoError(t, e.sweeper.RunOnce(ctx))

	got, err := e.reservationSvc.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusExpired, got.Status)

	balance, err := e.ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Balance)
	require.Equal(t, int64(0), balance.Reserved)
}

func TestRunOnceDrainsBacklogsLargerThanOneBatch(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	account := e.newAccount(t, 100)

	for i := 0; i < 5; i++ {
		_, err := e.reservationSvc.Reserve(ctx, reservationdomain.ReserveRequest{
			AccountID: account.ID,
			Amount:    1,
			Operation: "clean",
		})
		require.NoError(t, err)
	}

	e.clock.Advance(5 * time.Minute)
	require.NoError(t, e.sweeper.RunOnce(ctx))

	balance, err := e.ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Reserved)

	var pending int64
	require.NoError(t, e.db.Model(&reservationdomain.Reservation{}).
		Where("status = ?", reservationdomain.StatusPending).
		Count(&pending).Error)
	require.Equal(t, int64(0), pending)
}

func TestRunOnceLeavesFreshReservationsAlone(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()
	account := e.newAccount(t, 10)

	reservation, err := e.reservationSvc.Reserve(ctx, reservationdomain.ReserveRequest{
		AccountID: account.ID,
		Amount:    4,
		Operation: "clean",
	})
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	require.NoError(t, e.sweeper.RunOnce(ctx))

	got, err := e.reservationSvc.Get(ctx, reservation.ID)
	require.NoError(t, err)
	require.Equal(t, reservationdomain.StatusPending, got.Status)
}
