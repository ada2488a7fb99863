package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
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
	"github.com/datacleanup/tally/internal/payment/adapters"
	"github.com/datacleanup/tally/internal/payment/adapters/stripe"
	paymentdomain "github.com/datacleanup/tally/internal/payment/domain"
	"github.com/datacleanup/tally/internal/payment/repository"
)

const webhookSecret = "whsec_test"

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
		&paymentdomain.EventRecord{},
	))
	return db
}

func newServices(t *testing.T, db *gorm.DB) (paymentdomain.Service, ledgerdomain.Service) {
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
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Config: config.Config{
			WebhookSecrets: map[string]string{"stripe": webhookSecret},
		},
		Registry:  adapters.NewRegistry(stripe.NewFactory()),
		LedgerSvc: ledgerSvc,
		Repo:      repository.Provide(),
	})
	return svc, ledgerSvc
}

func signedHeaders(payload []byte) http.Header {
	timestamp := time.Now().Unix()
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return header
}

func checkoutPayload(deliveryID, paymentIntent string, credits int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": 1770000000,
		"data": {"object": {
			"id": "cs_1",
			"payment_intent": %q,
			"amount_total": 2500,
			"currency": "usd",
			"created": 1770000000,
			"metadata": {"account_id": "team-42", "credits": "%d"}
		}}
	}`, deliveryID, paymentIntent, credits))
}

func refundPayload(deliveryID, paymentIntent string, credits int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "charge.refunded",
		"created": 1770000000,
		"data": {"object": {
			"id": "ch_1",
			"payment_intent": %q,
			"amount": 2500,
			"amount_refunded": 2500,
			"currency": "usd",
			"created": 1770000000,
			"metadata": {"account_id": "team-42", "credits": "%d"}
		}}
	}`, deliveryID, paymentIntent, credits))
}

func TestWebhookAppliesPaymentExactlyOnce(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc := newServices(t, db)
	ctx := context.Background()

	account, err := ledgerSvc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-42"})
	require.NoError(t, err)

	payload := checkoutPayload("evt_1", "pi_123", 100)
	result, err := svc.HandleWebhook(ctx, "stripe", payload, signedHeaders(payload))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeAccepted, result.Outcome)
	require.Equal(t, "pi_123", result.Reference)

	// Redelivery with a different delivery ID still dedupes on the
	// payment reference.
	redelivery := checkoutPayload("evt_2", "pi_123", 100)
	result, err = svc.HandleWebhook(ctx, "stripe", redelivery, signedHeaders(redelivery))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeDuplicate, result.Outcome)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Balance)

	var entries int64
	require.NoError(t, db.Model(&ledgerdomain.LedgerEntry{}).
		Where("entry_type = ?", ledgerdomain.EntryTypePayment).
		Count(&entries).Error)
	require.Equal(t, int64(1), entries)

	var events int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&events).Error)
	require.Equal(t, int64(1), events)
}

func TestWebhookRefund(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc := newServices(t, db)
	ctx := context.Background()

	account, err := ledgerSvc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-42"})
	require.NoError(t, err)

	payment := checkoutPayload("evt_1", "pi_123", 100)
	_, err = svc.HandleWebhook(ctx, "stripe", payment, signedHeaders(payment))
	require.NoError(t, err)

	refund := refundPayload("evt_2", "pi_123", 40)
	result, err := svc.HandleWebhook(ctx, "stripe", refund, signedHeaders(refund))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeAccepted, result.Outcome)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60), balance.Balance)

	// The refund dedupes independently of the payment.
	refundAgain := refundPayload("evt_3", "pi_123", 40)
	result, err = svc.HandleWebhook(ctx, "stripe", refundAgain, signedHeaders(refundAgain))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeDuplicate, result.Outcome)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc := newServices(t, db)
	ctx := context.Background()

	_, err := ledgerSvc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-42"})
	require.NoError(t, err)

	payload := checkoutPayload("evt_1", "pi_123", 100)
	header := http.Header{}
	header.Set("Stripe-Signature", "t=1770000000,v1=deadbeef")

	_, err = svc.HandleWebhook(ctx, "stripe", payload, header)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	var events int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&events).Error)
	require.Equal(t, int64(0), events)
}

func TestWebhookAcknowledgesUnhandledEventTypes(t *testing.T) {
	db := setupDB(t)
	svc, _ := newServices(t, db)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{}}}`)
	result, err := svc.HandleWebhook(ctx, "stripe", payload, signedHeaders(payload))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeIgnored, result.Outcome)

	var events int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&events).Error)
	require.Equal(t, int64(0), events)
}

func TestWebhookUnknownProvider(t *testing.T) {
	db := setupDB(t)
	svc, _ := newServices(t, db)

	_, err := svc.HandleWebhook(context.Background(), "square", []byte(`{}`), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestWebhookUnknownAccount(t *testing.T) {
	db := setupDB(t)
	svc, _ := newServices(t, db)
	ctx := context.Background()

	payload := checkoutPayload("evt_1", "pi_123", 100)
	_, err := svc.HandleWebhook(ctx, "stripe", payload, signedHeaders(payload))
	require.ErrorIs(t, err, ledgerdomain.ErrUnknownAccount)
}

func TestWebhookPaymentFailedHasNoBalanceEffect(t *testing.T) {
	db := setupDB(t)
	svc, ledgerSvc := newServices(t, db)
	ctx := context.Background()

	account, err := ledgerSvc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ExternalID: "team-42", InitialCredits: 10})
	require.NoError(t, err)

	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.payment_failed",
		"created": 1770000000,
		"data": {"object": {
			"id": "pi_9",
			"amount": 2500,
			"currency": "usd",
			"created": 1770000000,
			"metadata": {"account_id": "team-42", "credits": "100"}
		}}
	}`)
	result, err := svc.HandleWebhook(ctx, "stripe", payload, signedHeaders(payload))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.OutcomeAccepted, result.Outcome)

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Balance)

	// Still recorded for dedupe.
	var events int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&events).Error)
	require.Equal(t, int64(1), events)
}
