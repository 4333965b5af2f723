package services

import "errors"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSessionState = errors.New("invalid session state")
	ErrSessionNotFound     = errors.New("session not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidGameConfig   = errors.New("invalid game configuration")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrUserFrozen          = errors.New("user ledger frozen")
	ErrRateLimited         = errors.New("rate limit exceeded")

	errDuplicateReference = errors.New("duplicate external reference")
	errStaleBalance       = errors.New("balance changed concurrently")
)
