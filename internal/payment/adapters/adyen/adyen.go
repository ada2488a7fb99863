package adyen

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
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
	return "adyen"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	key := strings.TrimSpace(cfg.Secret)
	if key == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{hmacKey: key}, nil
}

type Adapter struct {
	hmacKey string // hex encoded
}

// Verify checks the per-item HMAC signatures. Adyen signs each entry in
// notificationItems rather than the HTTP body, so every item must carry a
// valid additionalData.hmacSignature.
// Reference: https://docs.adyen.com/development-resources/webhooks/verify-hmac-signatures
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if len(root.NotificationItems) == 0 {
		return paymentdomain.ErrInvalidPayload
	}

	for _, item := range root.NotificationItems {
		signature := item.NotificationRequestItem.AdditionalData["hmacSignature"]
		if signature == "" {
			return paymentdomain.ErrInvalidSignature
		}
		if err := a.verifyItemSignature(item.NotificationRequestItem, signature); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) verifyItemSignature(item notificationRequestItem, expectedSig string) error {
	// Signed fields in fixed order, escaped and joined with ":".
	parts := []string{
		item.PspReference,
		item.OriginalReference,
		item.MerchantAccountCode,
		item.MerchantReference,
		strconv.FormatInt(item.Amount.Value, 10),
		item.Amount.Currency,
		item.EventCode,
		item.Success,
	}

	var sb strings.Builder
	for i, part := range parts {
		replaced := strings.ReplaceAll(part, "\\", "\\\\")
		replaced = strings.ReplaceAll(replaced, ":", "\\:")
		sb.WriteString(replaced)
		if i < len(parts)-1 {
			sb.WriteString(":")
		}
	}

	keyBytes, err := hex.DecodeString(a.hmacKey)
	if err != nil {
		return paymentdomain.ErrInvalidConfig
	}

	mac := hmac.New(sha256.New, keyBytes)
	mac.Write([]byte(sb.String()))
	calculated := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(calculated), []byte(expectedSig)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

// Parse maps the first notification item. Adyen batches items per delivery
// but in practice sends one; extra items would arrive again on their own
// deliveries and dedupe by payment reference.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if len(root.NotificationItems) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	item := root.NotificationItems[0].NotificationRequestItem

	var eventType string
	switch item.EventCode {
	case "AUTHORISATION":
		if item.Success == "true" {
			eventType = paymentdomain.EventTypePaymentSucceeded
		} else {
			eventType = paymentdomain.EventTypePaymentFailed
		}
	case "REFUND":
		if item.Success != "true" {
			return nil, paymentdomain.ErrEventIgnored
		}
		eventType = paymentdomain.EventTypeRefunded
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	account := strings.TrimSpace(item.AdditionalData["metadata.account_id"])
	if account == "" {
		return nil, paymentdomain.ErrInvalidAccount
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(item.AdditionalData["metadata.credits"]), 10, 64)
	if err != nil || credits <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}

	// A refund references the original payment so it dedupes against other
	// notifications for the same refund, not against the payment itself.
	reference := strings.TrimSpace(item.OriginalReference)
	if reference == "" || eventType != paymentdomain.EventTypeRefunded {
		reference = strings.TrimSpace(item.PspReference)
	}
	if reference == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "adyen",
		DeliveryID:        item.PspReference + "_" + item.EventCode,
		PaymentReference:  reference,
		Type:              eventType,
		AccountExternalID: account,
		Credits:           credits,
		Amount:            item.Amount.Value,
		Currency:          strings.ToUpper(item.Amount.Currency),
		OccurredAt:        convertEventDate(item.EventDate),
		RawPayload:        payload,
	}, nil
}

func convertEventDate(dateStr string) time.Time {
	// Adyen format: 2019-06-28T18:03:50+01:00
	t, err := time.Parse(time.RFC3339, dateStr)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

type notificationRoot struct {
	NotificationItems []notificationItem `json:"notificationItems"`
}

type notificationItem struct {
	NotificationRequestItem notificationRequestItem `json:"NotificationRequestItem"`
}

type notificationRequestItem struct {
	AdditionalData      map[string]string  `json:"additionalData"`
	Amount              notificationAmount `json:"amount"`
	EventCode           string             `json:"eventCode"`
	EventDate           string             `json:"eventDate"`
	MerchantAccountCode string             `json:"merchantAccountCode"`
	MerchantReference   string             `json:"merchantReference"`
	OriginalReference   string             `json:"originalReference"`
	PspReference        string             `json:"pspReference"`
	Reason              string             `json:"reason"`
	Success             string             `json:"success"`
}

type notificationAmount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}
