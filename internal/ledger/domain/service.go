package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/datacleanup/tally/pkg/db/pagination"
	"gorm.io/gorm"
)

// CreateAccountRequest opens a new credit account.
type CreateAccountRequest struct {
	ExternalID     string `json:"external_id" binding:"required"`
	Plan           string `json:"plan"`
	Currency       string `json:"currency"`
	InitialCredits int64  `json:"initial_credits"`
}

// GrantRequest credits an account outside the payment flow.
type GrantRequest struct {
	Amount    int64          `json:"amount" binding:"required"`
	Reference string         `json:"reference" binding:"required"`
	Metadata  map[string]any `json:"metadata"`
}

// Service is the balance store: account lifecycle plus the append-only
// entry log every other module writes through.
type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*Account, error)
	GetBalance(ctx context.Context, id snowflake.ID) (*BalanceSnapshot, error)
	Grant(ctx context.Context, accountID snowflake.ID, req GrantRequest) error
	ListEntries(ctx context.Context, accountID snowflake.ID, p pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error)
	Replay(ctx context.Context, accountID snowflake.ID) (*ReplayResult, error)

	// LockAccountTx loads the account row FOR UPDATE inside tx. It is the
	// per-account serialization point for every balance mutation.
	LockAccountTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*Account, error)

	// AppendEntryTx records a movement and applies it to the locked
	// account's balance. Returns false when the (account, type, reference)
	// entry already exists; the balance is untouched in that case.
	AppendEntryTx(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) (bool, error)
}
