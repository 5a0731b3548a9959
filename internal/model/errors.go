package model

import "errors"

// Error taxonomy shared by the engine, the stores and the HTTP layer.
// Callers wrap these with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNotFound             = errors.New("not found")
	ErrInsufficientFunds    = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrHoldingsConflict     = errors.New("cannot delete: insufficient holdings after reversal")
	ErrUnauthorized         = errors.New("invalid sudo key")

	// ErrQuoteUnavailable wraps a quote failure during order execution.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrProvider is a network, parse or rate-limit failure of the quote provider.
	ErrProvider = errors.New("quote provider error")
)
