package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerEntryType classifies credit movements.
type LedgerEntryType string

const (
	// Credits
	EntryTypeGrant   LedgerEntryType = "grant"   // promo / manual top-up
	EntryTypePayment LedgerEntryType = "payment" // settled provider payment

	// Debits
	EntryTypeCharge LedgerEntryType = "charge" // confirmed reservation
	EntryTypeRefund LedgerEntryType = "refund" // credits clawed back after provider refund

	// Either direction
	EntryTypeAdjustment LedgerEntryType = "adjustment" // operator correction
)

// Account is a credit-metered tenant. Reserved tracks credits held by
// pending reservations; Balance only moves on finalized entries.
type Account struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	ExternalID string       `json:"external_id" gorm:"type:text;not null;uniqueIndex:ux_accounts_external_id"`
	Plan       string       `json:"plan" gorm:"type:text;not null;default:free"`
	Currency   string       `json:"currency" gorm:"type:text;not null;default:USD"`
	Balance    int64        `json:"balance" gorm:"not null;default:0"`
	Reserved   int64        `json:"reserved" gorm:"not null;default:0"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Available returns the credits a new reservation may claim.
func (a Account) Available() int64 {
	return a.Balance - a.Reserved
}

// LedgerEntry is an immutable, append-only credit movement. Amount is
// signed: positive credits the account, negative debits it. The
// (account_id, entry_type, reference) key makes writers idempotent.
type LedgerEntry struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	AccountID snowflake.ID    `json:"account_id" gorm:"not null;index;uniqueIndex:ux_ledger_entries_source,priority:1"`
	EntryType LedgerEntryType `json:"entry_type" gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Reference string          `json:"reference" gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:3"`
	Amount    int64           `json:"amount" gorm:"not null"`
	Metadata  datatypes.JSON  `json:"metadata" gorm:"type:jsonb"`
	CreatedAt time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// BalanceSnapshot is the read model returned by balance lookups.
type BalanceSnapshot struct {
	AccountID snowflake.ID `json:"account_id"`
	Balance   int64        `json:"balance"`
	Reserved  int64        `json:"reserved"`
	Available int64        `json:"available"`
	Currency  string       `json:"currency"`
	AsOf      time.Time    `json:"as_of"`
}

// ReplayResult compares the stored balance with the balance folded from
// the entry log.
type ReplayResult struct {
	AccountID      snowflake.ID `json:"account_id"`
	StoredBalance  int64        `json:"stored_balance"`
	DerivedBalance int64        `json:"derived_balance"`
	EntryCount     int64        `json:"entry_count"`
	Consistent     bool         `json:"consistent"`
}
