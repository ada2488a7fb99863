package domain

import "errors"

var (
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrAlreadyFinalized    = errors.New("already_finalized")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidOperation    = errors.New("invalid_operation")
)
