/*
Package ledger is the settlement core of the marketplace.

PURPOSE:
  Holds the rules that move money between patients, providers and the
  platform. A booking is requested against a provider, stays PENDING until
  the provider (or an operator) accepts it, and acceptance settles it:
  the patient pays the full price, the provider receives the price net of
  the platform commission, and the platform receives the commission.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: one per phone number, balances per currency, a role
  - Transaction: immutable record of exactly one balance change
  - Booking: a paid service request between a patient and a provider
  - CommissionPolicy: the process-wide commission percentage

COMPONENTS:
  Account Store       accounts.go  AdjustBalance is the only balance writer
  Transaction Log     txlog.go     append-only, newest first
  Booking Lifecycle   booking.go   PENDING -> ACCEPTED | REJECTED

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal, commission math is exact
  2. One writer: every mutation runs inside a single store transaction
  3. Explicit actors: the caller's identity and role travel with each call
  4. Advisory collaborators: notifications and remote sync run after commit

SEE ALSO:
  - errors.go: error kinds returned by every operation
  - store.go: persistence interfaces
  - collaborators.go: Notifier and Syncer
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is the contact handle (phone number) that identifies an account.
type AccountID string

type BookingID string
type TransactionID string

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencySYP Currency = "SYP"
)

// Validate accepts any three-letter upper-case code.
func (c Currency) Validate() error {
	if len(c) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, string(c))
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: %q", ErrInvalidCurrency, string(c))
		}
	}
	return nil
}

// ParseCurrency normalizes user input ("usd ") into a Currency.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleUser   Role = "USER"
	RoleAgent  Role = "AGENT"
	RoleDoctor Role = "DOCTOR"
	RoleAdmin  Role = "ADMIN"

	// RoleSystem is reserved for the settlement algorithm. No account holds it.
	RoleSystem Role = "SYSTEM"
)

// CanCredit reports whether the role may increase a balance.
func (r Role) CanCredit() bool {
	return r == RoleAdmin || r == RoleAgent || r == RoleSystem
}

// ParseRole accepts the roles that can be assigned to an account.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleUser, RoleAgent, RoleDoctor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Balances maps a currency to an amount. Absent currencies are zero.
type Balances map[Currency]decimal.Decimal

func (b Balances) Of(c Currency) decimal.Decimal {
	if v, ok := b[c]; ok {
		return v
	}
	return decimal.Zero
}

func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

type Account struct {
	ID           AccountID `json:"id"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Balances     Balances  `json:"balances"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a Account) Balance(c Currency) decimal.Decimal { return a.Balances.Of(c) }

// =============================================================================
// TRANSACTION - One balance change, immutable once written
// =============================================================================

type Transaction struct {
	ID TransactionID `json:"id"`

	// Seq is assigned by the store on append and orders the log.
	Seq int64 `json:"seq"`

	AccountID AccountID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"` // negative = debit
	Currency  Currency        `json:"currency"`
	Title     string          `json:"title"`
	BookingID BookingID       `json:"booking_id,omitempty"`

	// Audit fields
	PerformedBy     AccountID `json:"performed_by"`
	PerformedByRole Role      `json:"performed_by_role"`
	CreatedAt       time.Time `json:"created_at"`
}

func (t Transaction) IsDebit() bool { return t.Amount.IsNegative() }

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingPending  BookingStatus = "PENDING"
	BookingAccepted BookingStatus = "ACCEPTED"
	BookingRejected BookingStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingAccepted || s == BookingRejected
}

func ParseBookingStatus(s string) (BookingStatus, error) {
	switch st := BookingStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case BookingPending, BookingAccepted, BookingRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown booking status %q", s)
	}
}

type Booking struct {
	ID          BookingID       `json:"id"`
	PatientID   AccountID       `json:"patient_id"`
	ProviderID  AccountID       `json:"provider_id"`
	Price       decimal.Decimal `json:"price"`
	Currency    Currency        `json:"currency"`
	ServiceName string          `json:"service_name"`
	Status      BookingStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`

	// Set only on acceptance.
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
	CommissionRate int             `json:"commission_rate"`
	Commission     decimal.Decimal `json:"commission"`
	ProviderAmount decimal.Decimal `json:"provider_amount"`
}

func (b Booking) IsPending() bool { return b.Status == BookingPending }

// =============================================================================
// COMMISSION POLICY
// =============================================================================

// DefaultCommissionRate applies until an operator sets one.
const DefaultCommissionRate = 10

// CommissionPolicy is read at settlement time, so a change only affects
// bookings settled afterwards.
type CommissionPolicy struct {
	Rate      int       `json:"rate"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy AccountID `json:"updated_by,omitempty"`
}

func DefaultCommissionPolicy() CommissionPolicy {
	return CommissionPolicy{Rate: DefaultCommissionRate}
}
