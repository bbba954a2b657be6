/*
errors.go - Error kinds returned by the settlement core

PURPOSE:
  Every operation returns an error value instead of panicking. Callers
  (HTTP handlers, the sync scheduler) classify errors with errors.Is and
  decide whether to surface, retry or log them.

ERROR CATEGORIES:
  1. Not found       - ErrAccountNotFound, ErrBookingNotFound
  2. Authorization   - ErrUnauthorized
  3. Business rules  - ErrInsufficientFunds, ErrInvalidState
  4. Input           - ErrInvalidAmount, ErrInvalidCurrency, ...
  5. Store           - ErrPersistenceFailure

An unknown booking passed to Settle or Reject is reported as an
InvalidStateError that also matches ErrBookingNotFound.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrBookingNotFound = errors.New("booking not found")

	// ErrUnauthorized is returned when the actor's role does not allow the
	// operation, e.g. a USER trying to credit a balance.
	ErrUnauthorized = errors.New("unauthorized")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidState is returned when a booking is not in the state the
	// transition requires.
	ErrInvalidState = errors.New("invalid booking state")

	// ErrPersistenceFailure wraps any failure of the backing store.
	ErrPersistenceFailure = errors.New("persistence failure")

	ErrAccountExists         = errors.New("account already exists")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidCurrency       = errors.New("invalid currency")
	ErrInvalidRole           = errors.New("invalid role")
	ErrInvalidCommissionRate = errors.New("commission rate must be between 0 and 100")
	ErrInvalidBooking        = errors.New("invalid booking")
	ErrInvalidAccount        = errors.New("invalid account")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	AccountID AccountID
	Currency  Currency
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s has %s %s, needs %s",
		e.AccountID, e.Available, e.Currency, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Shortfall is how much is missing to cover the request.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// InvalidStateError reports a booking transition that is not allowed.
type InvalidStateError struct {
	BookingID BookingID
	Current   BookingStatus // empty when the booking does not exist
	Want      BookingStatus
	Cause     error
}

func (e *InvalidStateError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("invalid booking state: booking %s not found", e.BookingID)
	}
	return fmt.Sprintf("invalid booking state: booking %s is %s, expected %s",
		e.BookingID, e.Current, e.Want)
}

func (e *InvalidStateError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidState, e.Cause}
	}
	return []error{ErrInvalidState}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input or
// the current state, not to the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrInvalidCommissionRate) ||
		errors.Is(err, ErrInvalidBooking) ||
		errors.Is(err, ErrInvalidAccount)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrBookingNotFound)
}

// WrapPersistence tags a store failure so callers can match ErrPersistenceFailure.
func WrapPersistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, op, err)
}
