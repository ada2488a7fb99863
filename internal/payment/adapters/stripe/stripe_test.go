package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	paymentdomain "github.com/datacleanup/tally/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"checkout.session.completed","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	header := buildStripeSignatureHeader(secret, payload, timestamp)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := &Adapter{webhookSecret: secret}
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err == nil {
		t.Fatalf("expected invalid signature error")
	}

	reqHeader.Del("Stripe-Signature")
	if err := adapter.Verify(context.Background(), payload, reqHeader); err == nil {
		t.Fatalf("expected missing signature error")
	}
}

func TestParsePaymentEvent(t *testing.T) {
	created := time.Now().UTC().Unix()

	tests := []struct {
		name      string
		event     any
		wantType  string
		reference string
		credits   int64
	}{{
		name: "checkout.session.completed",
		event: map[string]any{
			"id":      "evt_cs",
			"type":    "checkout.session.completed",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":             "cs_1",
					"payment_intent": "pi_1",
					"amount_total":   2500,
					"currency":       "usd",
					"created":        created,
					"metadata": map[string]any{
						"account_id": "team-42",
						"credits":    "100",
					},
				},
			},
		},
		wantType:  paymentdomain.EventTypePaymentSucceeded,
		reference: "pi_1",
		credits:   100,
	}, {
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_2",
					"amount":          2500,
					"amount_received": 2500,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"account_id": "team-42",
						"credits":    "250",
					},
				},
			},
		},
		wantType:  paymentdomain.EventTypePaymentSucceeded,
		reference: "pi_2",
		credits:   250,
	}, {
		name: "charge.refunded",
		event: map[string]any{
			"id":      "evt_charge",
			"type":    "charge.refunded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "ch_1",
					"payment_intent":  "pi_3",
					"amount":          5000,
					"amount_refunded": 1200,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"account_id": "team-42",
						"credits":    "50",
					},
				},
			},
		},
		wantType:  paymentdomain.EventTypeRefunded,
		reference: "pi_3",
		credits:   50,
	}}

	adapter := &Adapter{webhookSecret: "whsec_test"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, event.Type)
			}
			if event.PaymentReference != tt.reference {
				t.Fatalf("expected reference %s, got %s", tt.reference, event.PaymentReference)
			}
			if event.Credits != tt.credits {
				t.Fatalf("expected credits %d, got %d", tt.credits, event.Credits)
			}
			if event.AccountExternalID != "team-42" {
				t.Fatalf("expected account team-42, got %s", event.AccountExternalID)
			}
			if event.Currency != "USD" {
				t.Fatalf("expected currency USD, got %s", event.Currency)
			}
		})
	}
}

func TestParseIgnoresUnknownEventTypes(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	payload := []byte(`{"id":"evt_x","type":"customer.subscription.updated","data":{"object":{}}}`)

	_, err := adapter.Parse(context.Background(), payload)
	if !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestParseRejectsMissingMetadata(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	payload := []byte(`{"id":"evt_x","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":100,"currency":"usd","metadata":{}}}}`)

	_, err := adapter.Parse(context.Background(), payload)
	if !errors.Is(err, paymentdomain.ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
