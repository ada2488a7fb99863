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
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/datacleanup/tally/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventTypePaymentFailed)
	case "charge.refunded":
		return a.parseCharge(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Created       int64             `json:"created"`
	Metadata      map[string]string `json:"metadata"`
}

type stripePaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	reference := strings.TrimSpace(session.PaymentIntent)
	if reference == "" {
		reference = strings.TrimSpace(session.ID)
	}
	if reference == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	account, credits, err := parseMetadata(session.Metadata)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		DeliveryID:        event.ID,
		PaymentReference:  reference,
		Type:              paymentdomain.EventTypePaymentSucceeded,
		AccountExternalID: account,
		Credits:           credits,
		Amount:            session.AmountTotal,
		Currency:          strings.ToUpper(strings.TrimSpace(session.Currency)),
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	account, credits, err := parseMetadata(intent.Metadata)
	if err != nil {
		return nil, err
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		DeliveryID:        event.ID,
		PaymentReference:  intent.ID,
		Type:              eventType,
		AccountExternalID: account,
		Credits:           credits,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseCharge(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	reference := strings.TrimSpace(charge.PaymentIntent)
	if reference == "" {
		reference = strings.TrimSpace(charge.ID)
	}
	if reference == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	account, credits, err := parseMetadata(charge.Metadata)
	if err != nil {
		return nil, err
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		DeliveryID:        event.ID,
		PaymentReference:  reference,
		Type:              paymentdomain.EventTypeRefunded,
		AccountExternalID: account,
		Credits:           credits,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:        timestamp(charge.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

// Checkout metadata carries which account bought how many credits; both are
// set by us when the session is created, so their absence is a hard error.
func parseMetadata(metadata map[string]string) (string, int64, error) {
	account := strings.TrimSpace(metadata["account_id"])
	if account == "" {
		return "", 0, paymentdomain.ErrInvalidAccount
	}

	raw := strings.TrimSpace(metadata["credits"])
	if raw == "" {
		return "", 0, paymentdomain.ErrInvalidAmount
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return "", 0, paymentdomain.ErrInvalidAmount
	}

	return account, credits, nil
}
