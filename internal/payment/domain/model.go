package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord marks an external payment event as applied. ProviderEventID is
// the derived idempotency key, not the provider's delivery ID: redeliveries
// and re-sent notifications for the same payment collapse onto one row via
// the unique (provider, provider_event_id) index.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	AccountID       snowflake.ID   `json:"account_id" gorm:"not null;index"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_dedupe,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_dedupe,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Credits         int64          `json:"credits" gorm:"not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeRefunded         = "refunded"
)

// PaymentEvent is the canonical event parsed by provider adapters.
type PaymentEvent struct {
	Provider          string
	DeliveryID        string
	PaymentReference  string
	Type              string
	AccountExternalID string
	Credits           int64
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	RawPayload        []byte
}

// DedupeKey is stable across redeliveries because it is built from the
// payment reference, never from delivery metadata.
func (e *PaymentEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s", e.PaymentReference, e.Type)
}

// Outcome classifies what handling an event did.
type Outcome string

const (
	// OutcomeAccepted means the event's balance effect was applied.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate means the event was seen before; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type has no handler; acknowledged
	// without side effect.
	OutcomeIgnored Outcome = "ignored"
)

// Result is returned to the webhook handler for the provider's response.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	EventType string  `json:"event_type,omitempty"`
	Reference string  `json:"reference,omitempty"`
}
