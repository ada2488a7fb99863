package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReserveRequest opens a hold against an account's available credits.
type ReserveRequest struct {
	AccountID snowflake.ID `json:"account_id"`
	Amount    int64        `json:"amount" binding:"required"`
	Operation string       `json:"operation" binding:"required"`
	TTL       time.Duration
}

// ConfirmRequest settles a pending hold. FinalAmount defaults to the held
// amount and may only revise it downward.
type ConfirmRequest struct {
	FinalAmount *int64 `json:"final_amount"`
}

// Service manages the two-phase reserve/confirm/release protocol.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	Confirm(ctx context.Context, id snowflake.ID, req ConfirmRequest) (*Reservation, error)
	Release(ctx context.Context, id snowflake.ID) (*Reservation, error)
	Get(ctx context.Context, id snowflake.ID) (*Reservation, error)

	// SweepExpired finalizes pending reservations past their deadline and
	// returns their credits. Returns how many were expired.
	SweepExpired(ctx context.Context, batchSize int) (int, error)
}
