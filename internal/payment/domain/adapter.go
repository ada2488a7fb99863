package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AdapterConfig carries the per-provider webhook credentials.
type AdapterConfig struct {
	Secret string
}

// PaymentAdapter verifies and parses one provider's webhook deliveries.
type PaymentAdapter interface {
	// Verify checks the delivery's authenticity before anything is parsed.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse maps the provider payload onto a canonical PaymentEvent.
	// Returns ErrEventIgnored for event types with no handler.
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// Repository persists processed-event records. Calls take the transaction
// handle so the check-and-insert shares the transaction that applies the
// balance effect.
type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

// Service applies each logical payment event's balance effect exactly once.
type Service interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*Result, error)
}
