// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wusul/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]ledger.Account
	bookings map[ledger.BookingID]ledger.Booking
	log      []ledger.Transaction // append order, Seq = index + 1
	policy   *ledger.CommissionPolicy
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		bookings: make(map[ledger.BookingID]ledger.Booking),
	}
}

// --- Accounts ---

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(a)
}

func (m *Memory) createAccountLocked(a ledger.Account) error {
	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	a.Balances = a.Balances.Clone()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id ledger.AccountID) (ledger.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	a.Balances = a.Balances.Clone()
	return a, nil
}

func (m *Memory) UpdateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountLocked(a)
}

func (m *Memory) updateAccountLocked(a ledger.Account) error {
	old, ok := m.accounts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
	}
	a.CreatedAt = old.CreatedAt
	a.Balances = a.Balances.Clone()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAccountsLocked(), nil
}

func (m *Memory) listAccountsLocked() []ledger.Account {
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		a.Balances = a.Balances.Clone()
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Transactions (append-only) ---

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx), nil
}

func (m *Memory) appendLocked(tx ledger.Transaction) ledger.Transaction {
	tx.Seq = int64(len(m.log)) + 1
	m.log = append(m.log, tx)
	return tx
}

func (m *Memory) ListTransactions(_ context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(q), nil
}

func (m *Memory) listTransactionsLocked(q ledger.TransactionQuery) []ledger.Transaction {
	out := []ledger.Transaction{}
	start := len(m.log) - 1
	if q.BeforeSeq > 0 && int(q.BeforeSeq)-2 < start {
		start = int(q.BeforeSeq) - 2
	}
	for i := start; i >= 0; i-- {
		tx := m.log[i]
		if q.AccountID != "" && tx.AccountID != q.AccountID {
			continue
		}
		out = append(out, tx)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// --- Bookings ---

func (m *Memory) CreateBooking(_ context.Context, b ledger.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBookingLocked(b)
}

func (m *Memory) createBookingLocked(b ledger.Booking) error {
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("%w: duplicate booking id %s", ledger.ErrInvalidBooking, b.ID)
	}
	m.bookings[b.ID] = b
	return nil
}

func (m *Memory) GetBooking(_ context.Context, id ledger.BookingID) (ledger.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBookingLocked(id)
}

func (m *Memory) getBookingLocked(id ledger.BookingID) (ledger.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return ledger.Booking{}, fmt.Errorf("%w: %s", ledger.ErrBookingNotFound, id)
	}
	return b, nil
}

func (m *Memory) TransitionBooking(_ context.Context, t ledger.BookingTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(t)
}

// transitionLocked is the compare-and-set on status.
func (m *Memory) transitionLocked(t ledger.BookingTransition) error {
	b, ok := m.bookings[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrBookingNotFound, t.ID)
	}
	if b.Status != t.From {
		return &ledger.InvalidStateError{BookingID: t.ID, Current: b.Status, Want: t.From}
	}
	b.Status = t.To
	if t.To == ledger.BookingAccepted {
		b.SettledAt = t.SettledAt
		b.CommissionRate = t.CommissionRate
		b.Commission = t.Commission
		b.ProviderAmount = t.ProviderAmount
	}
	m.bookings[t.ID] = b
	return nil
}

func (m *Memory) ListBookings(_ context.Context, f ledger.BookingFilter) ([]ledger.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBookingsLocked(f), nil
}

func (m *Memory) listBookingsLocked(f ledger.BookingFilter) []ledger.Booking {
	out := []ledger.Booking{}
	for _, b := range m.bookings {
		if f.Matches(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// --- Commission policy ---

func (m *Memory) GetCommissionPolicy(_ context.Context) (ledger.CommissionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policyLocked(), nil
}

func (m *Memory) policyLocked() ledger.CommissionPolicy {
	if m.policy == nil {
		return ledger.DefaultCommissionPolicy()
	}
	return *m.policy
}

func (m *Memory) SaveCommissionPolicy(_ context.Context, p ledger.CommissionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = &p
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so transactions are serial.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

// Reset drops all data.
func (tm *TxMemory) Reset(_ context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.accounts = make(map[ledger.AccountID]ledger.Account)
	tm.bookings = make(map[ledger.BookingID]ledger.Booking)
	tm.log = nil
	tm.policy = nil
	return nil
}

type memorySnapshot struct {
	accounts map[ledger.AccountID]ledger.Account
	bookings map[ledger.BookingID]ledger.Booking
	logLen   int
	policy   *ledger.CommissionPolicy
}

func (tm *TxMemory) snapshot() memorySnapshot {
	accounts := make(map[ledger.AccountID]ledger.Account, len(tm.accounts))
	for k, v := range tm.accounts {
		v.Balances = v.Balances.Clone()
		accounts[k] = v
	}
	bookings := make(map[ledger.BookingID]ledger.Booking, len(tm.bookings))
	for k, v := range tm.bookings {
		bookings[k] = v
	}
	var policy *ledger.CommissionPolicy
	if tm.policy != nil {
		p := *tm.policy
		policy = &p
	}
	return memorySnapshot{accounts: accounts, bookings: bookings, logLen: len(tm.log), policy: policy}
}

// restore truncates the log back to its length at snapshot time; entries
// before that point were never touched.
func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.bookings = s.bookings
	tm.log = tm.log[:s.logLen]
	tm.policy = s.policy
}

// txMemoryView runs under the lock taken by WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateAccount(_ context.Context, a ledger.Account) error {
	return tv.parent.createAccountLocked(a)
}

func (tv *txMemoryView) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tv.parent.getAccountLocked(id)
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, a ledger.Account) error {
	return tv.parent.updateAccountLocked(a)
}

func (tv *txMemoryView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return tv.parent.listAccountsLocked(), nil
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	return tv.parent.appendLocked(tx), nil
}

func (tv *txMemoryView) ListTransactions(_ context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, error) {
	return tv.parent.listTransactionsLocked(q), nil
}

func (tv *txMemoryView) CreateBooking(_ context.Context, b ledger.Booking) error {
	return tv.parent.createBookingLocked(b)
}

func (tv *txMemoryView) GetBooking(_ context.Context, id ledger.BookingID) (ledger.Booking, error) {
	return tv.parent.getBookingLocked(id)
}

func (tv *txMemoryView) TransitionBooking(_ context.Context, t ledger.BookingTransition) error {
	return tv.parent.transitionLocked(t)
}

func (tv *txMemoryView) ListBookings(_ context.Context, f ledger.BookingFilter) ([]ledger.Booking, error) {
	return tv.parent.listBookingsLocked(f), nil
}

func (tv *txMemoryView) GetCommissionPolicy(_ context.Context) (ledger.CommissionPolicy, error) {
	return tv.parent.policyLocked(), nil
}

func (tv *txMemoryView) SaveCommissionPolicy(_ context.Context, p ledger.CommissionPolicy) error {
	tv.parent.policy = &p
	return nil
}
