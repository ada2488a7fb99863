package domain

import "errors"

var (
	ErrUnknownAccount      = errors.New("unknown_account")
	ErrAccountExists       = errors.New("account_exists")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidExternalID   = errors.New("invalid_external_id")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidEntryType    = errors.New("invalid_entry_type")
	ErrInvalidReference    = errors.New("invalid_reference")
)
