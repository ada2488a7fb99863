package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReservationStatus is the lifecycle state of a credit hold.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusReleased  ReservationStatus = "released"
	StatusExpired   ReservationStatus = "expired"
)

// Finalized reports whether the reservation reached a terminal state.
func (s ReservationStatus) Finalized() bool {
	return s == StatusConfirmed || s == StatusReleased || s == StatusExpired
}

// Reservation is a hold on account credits. Amount is the held quantity;
// FinalAmount is what was actually charged on confirm.
type Reservation struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	AccountID   snowflake.ID      `json:"account_id" gorm:"not null;index"`
	Amount      int64             `json:"amount" gorm:"not null"`
	FinalAmount *int64            `json:"final_amount,omitempty"`
	Status      ReservationStatus `json:"status" gorm:"type:text;not null;index:idx_reservations_status_expiry,priority:1"`
	Operation   string            `json:"operation" gorm:"type:text;not null"`
	ExpiresAt   time.Time         `json:"expires_at" gorm:"not null;index:idx_reservations_status_expiry,priority:2"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }
