/*
store.go - Persistence interfaces for accounts, transactions and bookings

PURPOSE:
  Defines the boundary between the settlement rules and the database.
  The core needs whole-record get/set semantics plus "filter by account";
  nothing more.

KEY INTERFACES:
  AccountStore:     accounts and their balances
  TransactionStore: append-only transaction log
  BookingStore:     bookings with compare-and-set status transitions
  PolicyStore:      the commission policy
  TxStore:          runs a function atomically against all of the above

APPEND-ONLY CONTRACT:
  TransactionStore has no Update or Delete. The SQLite implementation also
  refuses UPDATE/DELETE on the transactions table with triggers.

COMPARE-AND-SET:
  TransitionBooking only succeeds if the stored status still equals
  From. Two concurrent settlements of the same booking cannot both win.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go: the authoritative store of the service
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type AccountStore interface {
	// CreateAccount fails with ErrAccountExists if the id is taken.
	CreateAccount(ctx context.Context, a Account) error

	// GetAccount fails with ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// UpdateAccount replaces name, role, password hash and balances.
	UpdateAccount(ctx context.Context, a Account) error

	// ListAccounts returns all accounts ordered by id.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TransactionQuery selects a page of the log, newest first.
type TransactionQuery struct {
	AccountID AccountID // empty = all accounts
	BeforeSeq int64     // 0 = start at the newest entry
	Limit     int       // <= 0 = no limit
}

// TransactionStore is APPEND-ONLY. No Update, no Delete.
type TransactionStore interface {
	// AppendTransaction persists tx and returns it with Seq assigned.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// ListTransactions returns entries ordered by Seq descending.
	ListTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error)
}

// BookingTransition moves a booking from one status to another.
type BookingTransition struct {
	ID   BookingID
	From BookingStatus
	To   BookingStatus

	// Settlement details, recorded on acceptance only.
	SettledAt      *time.Time
	CommissionRate int
	Commission     decimal.Decimal
	ProviderAmount decimal.Decimal
}

type BookingFilter struct {
	PatientID  AccountID
	ProviderID AccountID
	Status     BookingStatus
}

// Matches reports whether b satisfies every non-empty field of the filter.
func (f BookingFilter) Matches(b Booking) bool {
	if f.PatientID != "" && b.PatientID != f.PatientID {
		return false
	}
	if f.ProviderID != "" && b.ProviderID != f.ProviderID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}

type BookingStore interface {
	CreateBooking(ctx context.Context, b Booking) error

	// GetBooking fails with ErrBookingNotFound.
	GetBooking(ctx context.Context, id BookingID) (Booking, error)

	// TransitionBooking fails with ErrBookingNotFound, or with ErrInvalidState
	// when the stored status is not t.From.
	TransitionBooking(ctx context.Context, t BookingTransition) error

	// ListBookings returns matching bookings, newest first.
	ListBookings(ctx context.Context, f BookingFilter) ([]Booking, error)
}

type PolicyStore interface {
	// GetCommissionPolicy returns DefaultCommissionPolicy when none was saved.
	GetCommissionPolicy(ctx context.Context) (CommissionPolicy, error)
	SaveCommissionPolicy(ctx context.Context, p CommissionPolicy) error
}

type Store interface {
	AccountStore
	TransactionStore
	BookingStore
	PolicyStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
