/*
errors.go - Centralized error types for the settlement engine

ERROR CATEGORIES:
  1. Validation errors - terminal, reported to the caller, never retried
     (InvalidAmount, InsufficientBalance, InvalidState, Forbidden)
  2. Lookup errors - NotFound, Duplicate
  3. Upstream errors - UpstreamUnavailable: settings or the account graph
     could not be read; the operation left no partial state and is safe to
     retry

USAGE:
  if errors.Is(err, settlement.ErrInsufficientBalance) { ... }

  var ise *settlement.InvalidStateError
  if errors.As(err, &ise) { log ise.Status }
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput is returned for malformed identifiers and references.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance is returned when a debit or withdrawal exceeds
	// the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidState is returned when a withdrawal transition is not
	// permitted from its current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrForbidden is returned when the actor does not own the target.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for unknown accounts, transactions, requests
	// and log entries.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a record with the same identity exists.
	ErrDuplicate = errors.New("duplicate record")

	// ErrUpstreamUnavailable is returned when settings or the account graph
	// cannot be read. Retryable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidSettings is returned when a settings snapshot fails validation.
	ErrInvalidSettings = errors.New("invalid settings")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidStateError describes a rejected withdrawal transition.
type InvalidStateError struct {
	RequestID WithdrawalID
	Status    WithdrawalStatus
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s withdrawal %s in status %s", e.Operation, e.RequestID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func upstream(op string, err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}
