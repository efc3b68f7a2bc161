package escrow

import "errors"

var (
	// ErrNotFound indicates no escrow record exists at the supplied address.
	ErrNotFound = errors.New("escrow: escrow not found")
	// ErrDerivationMismatch indicates a supplied account does not match the
	// address derived from the escrow's seed tuple.
	ErrDerivationMismatch = errors.New("escrow: account does not match derived address")
	// ErrUnauthorized indicates the required signer is absent or carries the
	// wrong identity for the operation.
	ErrUnauthorized = errors.New("escrow: unauthorized signer")
	// ErrOwnerMismatch indicates a supplied asset account is owned by a
	// different identity than the one the operation requires.
	ErrOwnerMismatch = errors.New("escrow: account owner mismatch")
	// ErrInsufficientQuantity indicates a request for more units than the
	// escrow still holds.
	ErrInsufficientQuantity = errors.New("escrow: quantity exceeds remaining")
	// ErrInvalidAmount covers zero or negative increments, price-breaking
	// tenders and partial fills whose pro-rata cost is not exact.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrBalanceDivergence indicates the recorded remaining quantity no longer
	// matches the holding account's live balance.
	ErrBalanceDivergence = errors.New("escrow: holding balance diverges from record")
)
