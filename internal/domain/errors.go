package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrLockHeld          = errors.New("lock already held")
	ErrChallengeNotFound = errors.New("no outstanding delegation challenge")

	// Registration.
	ErrSignatureMismatch     = errors.New("signature does not recover to owner")
	ErrThresholdInvalid      = errors.New("threshold outside (0, 1)")
	ErrAllowanceInsufficient = errors.New("allowance below required minimum")
	ErrInvalidTransition     = errors.New("invalid authorization status transition")

	// Planning.
	ErrQuoteUnavailable = errors.New("swap quote unavailable")

	// Execution.
	ErrStaleQuote          = errors.New("plan quote expired")
	ErrExecutionReverted   = errors.New("rescue transaction reverted")
	ErrConfirmationTimeout = errors.New("rescue confirmation timed out")
	ErrAlreadyExecuted     = errors.New("authorization already executed")
	ErrNotActive           = errors.New("authorization not active")
	ErrSuperseded          = errors.New("plan superseded by a newer round")
)
