package domain

import "errors"

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")

	// ErrInvalidSignature is security-relevant: the handler rejects without
	// leaking detail to the sender and logs at high severity.
	ErrInvalidSignature = errors.New("event_verification_failed")

	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrInvalidEvent    = errors.New("invalid_event")
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidCurrency = errors.New("invalid_currency")

	// ErrEventIgnored flags an event type with no handler; the caller
	// acknowledges it without side effect.
	ErrEventIgnored = errors.New("event_ignored")
)
