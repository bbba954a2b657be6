/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  The authoritative store of the settlement service. Exactly one process
  opens it; every other client reads through the HTTP API.

INTERFACES IMPLEMENTED:
  ledger.Store:   accounts, balances, transaction log, bookings, policy
  ledger.TxStore: WithTx runs a function inside one database transaction

APPEND-ONLY ENFORCEMENT:
  - The Go code never issues UPDATE or DELETE on transactions
  - Triggers abort any UPDATE or DELETE that reaches the table anyway
  - seq (AUTOINCREMENT) orders the log; ids are UUIDv7 strings

KEY TABLES:
  accounts:          one row per phone number
  balances:          (account_id, currency) -> decimal text
  transactions:      immutable log of balance changes
  bookings:          booking lifecycle and settlement figures
  commission_policy: a single row, absent until first set

CONCURRENCY:
  One connection, guarded by sync.RWMutex. WithTx holds the write lock
  for the whole transaction, so there is a single writer at a time.
  Booking transitions are also compare-and-set in SQL
  (UPDATE ... WHERE status = ?).

MONEY:
  Amounts are stored as decimal TEXT and parsed with shopspring/decimal,
  never as REAL.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/wusul/settlement-engine/ledger"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and makes
	// SQLite's single-writer rule explicit.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT NOT NULL REFERENCES accounts(id),
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (account_id, currency)
	);

	-- Transactions (append-only log)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		title TEXT NOT NULL,
		booking_id TEXT,
		performed_by TEXT NOT NULL,
		performed_by_role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_seq
		ON transactions(account_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_booking
		ON transactions(booking_id) WHERE booking_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES accounts(id),
		provider_id TEXT NOT NULL REFERENCES accounts(id),
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		service_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TEXT NOT NULL,
		settled_at TEXT,
		commission_rate INTEGER NOT NULL DEFAULT 0,
		commission TEXT NOT NULL DEFAULT '0',
		provider_amount TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_patient ON bookings(patient_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_provider ON bookings(provider_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);

	CREATE TABLE IF NOT EXISTS commission_policy (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		rate INTEGER NOT NULL CHECK (rate BETWEEN 0 AND 100),
		updated_at TEXT NOT NULL,
		updated_by TEXT
	);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops every table and recreates the schema. Used when loading a
// demo scenario. DROP TABLE does not fire the append-only triggers.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"transactions", "bookings", "balances", "commission_policy", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return ledger.WrapPersistence("reset "+table, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return ledger.WrapPersistence("reset migrate", err)
	}
	return nil
}

// =============================================================================
// TRANSACTION SUPPORT (ledger.TxStore)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapPersistence("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.WrapPersistence("commit", err)
	}
	return nil
}

// txStore routes every call through the open *sql.Tx. The parent lock is
// already held by WithTx.
type txStore struct {
	q querier
}

func (ts *txStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	return createAccount(ctx, ts.q, a)
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.q, id)
}

func (ts *txStore) UpdateAccount(ctx context.Context, a ledger.Account) error {
	return updateAccount(ctx, ts.q, a)
}

func (ts *txStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, ts.q)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	return appendTransaction(ctx, ts.q, tx)
}

func (ts *txStore) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, error) {
	return listTransactions(ctx, ts.q, q)
}

func (ts *txStore) CreateBooking(ctx context.Context, b ledger.Booking) error {
	return createBooking(ctx, ts.q, b)
}

func (ts *txStore) GetBooking(ctx context.Context, id ledger.BookingID) (ledger.Booking, error) {
	return getBooking(ctx, ts.q, id)
}

func (ts *txStore) TransitionBooking(ctx context.Context, t ledger.BookingTransition) error {
	return transitionBooking(ctx, ts.q, t)
}

func (ts *txStore) ListBookings(ctx context.Context, f ledger.BookingFilter) ([]ledger.Booking, error) {
	return listBookings(ctx, ts.q, f)
}

func (ts *txStore) GetCommissionPolicy(ctx context.Context) (ledger.CommissionPolicy, error) {
	return getPolicy(ctx, ts.q)
}

func (ts *txStore) SaveCommissionPolicy(ctx context.Context, p ledger.CommissionPolicy) error {
	return savePolicy(ctx, ts.q, p)
}

// =============================================================================
// ACCOUNTS (ledger.AccountStore)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	return s.write(ctx, func(q querier) error { return createAccount(ctx, q, a) })
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) UpdateAccount(ctx context.Context, a ledger.Account) error {
	return s.write(ctx, func(q querier) error { return updateAccount(ctx, q, a) })
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(ctx, s.db)
}

func createAccount(ctx context.Context, q querier, a ledger.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, name, role, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Role, a.PasswordHash, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
		}
		return ledger.WrapPersistence("create account", err)
	}
	return saveBalances(ctx, q, a.ID, a.Balances)
}

func updateAccount(ctx context.Context, q querier, a ledger.Account) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET name = ?, role = ?, password_hash = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Role, a.PasswordHash, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return ledger.WrapPersistence("update account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
	}
	return saveBalances(ctx, q, a.ID, a.Balances)
}

func saveBalances(ctx context.Context, q querier, id ledger.AccountID, balances ledger.Balances) error {
	for currency, amount := range balances {
		_, err := q.ExecContext(ctx, `
			INSERT INTO balances (account_id, currency, amount) VALUES (?, ?, ?)
			ON CONFLICT(account_id, currency) DO UPDATE SET amount = excluded.amount`,
			id, currency, amount.String(),
		)
		if err != nil {
			return ledger.WrapPersistence("save balance", err)
		}
	}
	return nil
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	var a ledger.Account
	var createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, name, role, password_hash, created_at, updated_at
		FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Role, &a.PasswordHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if err != nil {
		return ledger.Account{}, ledger.WrapPersistence("get account", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)

	all, err := loadBalances(ctx, q, `SELECT account_id, currency, amount FROM balances WHERE account_id = ?`, id)
	if err != nil {
		return ledger.Account{}, err
	}
	a.Balances = all[id]
	if a.Balances == nil {
		a.Balances = ledger.Balances{}
	}
	return a, nil
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, role, password_hash, created_at, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, ledger.WrapPersistence("list accounts", err)
	}
	defer rows.Close()

	accounts := []ledger.Account{}
	for rows.Next() {
		var a ledger.Account
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.PasswordHash, &createdAt, &updatedAt); err != nil {
			return nil, ledger.WrapPersistence("scan account", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapPersistence("list accounts", err)
	}
	rows.Close()

	all, err := loadBalances(ctx, q, `SELECT account_id, currency, amount FROM balances`)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		accounts[i].Balances = all[accounts[i].ID]
		if accounts[i].Balances == nil {
			accounts[i].Balances = ledger.Balances{}
		}
	}
	return accounts, nil
}

func loadBalances(ctx context.Context, q querier, query string, args ...any) (map[ledger.AccountID]ledger.Balances, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapPersistence("load balances", err)
	}
	defer rows.Close()

	out := make(map[ledger.AccountID]ledger.Balances)
	for rows.Next() {
		var id ledger.AccountID
		var currency ledger.Currency
		var amount string
		if err := rows.Scan(&id, &currency, &amount); err != nil {
			return nil, ledger.WrapPersistence("scan balance", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, ledger.WrapPersistence("parse balance", err)
		}
		if out[id] == nil {
			out[id] = ledger.Balances{}
		}
		out[id][currency] = d
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapPersistence("load balances", err)
	}
	return out, nil
}

// =============================================================================
// TRANSACTION LOG (ledger.TransactionStore)
// =============================================================================

// AppendTransaction adds an entry to the log and returns it with Seq set.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, q)
}

func appendTransaction(ctx context.Context, q querier, tx ledger.Transaction) (ledger.Transaction, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, account_id, amount, currency, title, booking_id, performed_by, performed_by_role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.AccountID,
		tx.Amount.String(),
		tx.Currency,
		tx.Title,
		nullString(string(tx.BookingID)),
		tx.PerformedBy,
		tx.PerformedByRole,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return ledger.Transaction{}, ledger.WrapPersistence("append transaction", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, ledger.WrapPersistence("append transaction", err)
	}
	tx.Seq = seq
	return tx, nil
}

func listTransactions(ctx context.Context, q querier, tq ledger.TransactionQuery) ([]ledger.Transaction, error) {
	query := `
		SELECT seq, id, account_id, amount, currency, title, booking_id,
		       performed_by, performed_by_role, created_at
		FROM transactions WHERE 1 = 1`
	var args []any
	if tq.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, tq.AccountID)
	}
	if tq.BeforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, tq.BeforeSeq)
	}
	query += ` ORDER BY seq DESC`
	if tq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, tq.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapPersistence("list transactions", err)
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapPersistence("list transactions", err)
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var tx ledger.Transaction
	var amount, createdAt string
	var bookingID sql.NullString
	err := rows.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &amount, &tx.Currency, &tx.Title,
		&bookingID, &tx.PerformedBy, &tx.PerformedByRole, &createdAt)
	if err != nil {
		return tx, ledger.WrapPersistence("scan transaction", err)
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return tx, ledger.WrapPersistence("parse amount", err)
	}
	tx.BookingID = ledger.BookingID(bookingID.String)
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// BOOKINGS (ledger.BookingStore)
// =============================================================================

func (s *Store) CreateBooking(ctx context.Context, b ledger.Booking) error {
	return s.write(ctx, func(q querier) error { return createBooking(ctx, q, b) })
}

func (s *Store) GetBooking(ctx context.Context, id ledger.BookingID) (ledger.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

func (s *Store) TransitionBooking(ctx context.Context, t ledger.BookingTransition) error {
	return s.write(ctx, func(q querier) error { return transitionBooking(ctx, q, t) })
}

func (s *Store) ListBookings(ctx context.Context, f ledger.BookingFilter) ([]ledger.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBookings(ctx, s.db, f)
}

const bookingColumns = `id, patient_id, provider_id, price, currency, service_name, status,
	created_at, settled_at, commission_rate, commission, provider_amount`

func createBooking(ctx context.Context, q querier, b ledger.Booking) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.PatientID, b.ProviderID, b.Price.String(), b.Currency, b.ServiceName, b.Status,
		formatTime(b.CreatedAt), nullTime(b.SettledAt), b.CommissionRate,
		b.Commission.String(), b.ProviderAmount.String(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: duplicate booking id %s", ledger.ErrInvalidBooking, b.ID)
		}
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: booking references an unknown account", ledger.ErrAccountNotFound)
		}
		return ledger.WrapPersistence("create booking", err)
	}
	return nil
}

func getBooking(ctx context.Context, q querier, id ledger.BookingID) (ledger.Booking, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if err != nil {
		return ledger.Booking{}, ledger.WrapPersistence("get booking", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Booking{}, ledger.WrapPersistence("get booking", err)
		}
		return ledger.Booking{}, fmt.Errorf("%w: %s", ledger.ErrBookingNotFound, id)
	}
	return scanBooking(rows)
}

// transitionBooking is a compare-and-set on status.
func transitionBooking(ctx context.Context, q querier, t ledger.BookingTransition) error {
	var res sql.Result
	var err error
	if t.To == ledger.BookingAccepted {
		res, err = q.ExecContext(ctx, `
			UPDATE bookings
			SET status = ?, settled_at = ?, commission_rate = ?, commission = ?, provider_amount = ?
			WHERE id = ? AND status = ?`,
			t.To, nullTime(t.SettledAt), t.CommissionRate, t.Commission.String(), t.ProviderAmount.String(),
			t.ID, t.From,
		)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE bookings SET status = ? WHERE id = ? AND status = ?`,
			t.To, t.ID, t.From,
		)
	}
	if err != nil {
		return ledger.WrapPersistence("transition booking", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current ledger.BookingStatus
	err = q.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = ?`, t.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrBookingNotFound, t.ID)
	}
	if err != nil {
		return ledger.WrapPersistence("transition booking", err)
	}
	return &ledger.InvalidStateError{BookingID: t.ID, Current: current, Want: t.From}
}

func listBookings(ctx context.Context, q querier, f ledger.BookingFilter) ([]ledger.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE 1 = 1`
	var args []any
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.ProviderID != "" {
		query += ` AND provider_id = ?`
		args = append(args, f.ProviderID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapPersistence("list bookings", err)
	}
	defer rows.Close()

	bookings := []ledger.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapPersistence("list bookings", err)
	}
	return bookings, nil
}

func scanBooking(rows *sql.Rows) (ledger.Booking, error) {
	var b ledger.Booking
	var price, createdAt, commission, providerAmount string
	var settledAt sql.NullString
	err := rows.Scan(&b.ID, &b.PatientID, &b.ProviderID, &price, &b.Currency, &b.ServiceName,
		&b.Status, &createdAt, &settledAt, &b.CommissionRate, &commission, &providerAmount)
	if err != nil {
		return b, ledger.WrapPersistence("scan booking", err)
	}
	if b.Price, err = decimal.NewFromString(price); err != nil {
		return b, ledger.WrapPersistence("parse price", err)
	}
	if b.Commission, err = decimal.NewFromString(commission); err != nil {
		return b, ledger.WrapPersistence("parse commission", err)
	}
	if b.ProviderAmount, err = decimal.NewFromString(providerAmount); err != nil {
		return b, ledger.WrapPersistence("parse provider amount", err)
	}
	b.CreatedAt = parseTime(createdAt)
	if settledAt.Valid {
		t := parseTime(settledAt.String)
		b.SettledAt = &t
	}
	return b, nil
}

// =============================================================================
// COMMISSION POLICY (ledger.PolicyStore)
// =============================================================================

func (s *Store) GetCommissionPolicy(ctx context.Context) (ledger.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPolicy(ctx, s.db)
}

func (s *Store) SaveCommissionPolicy(ctx context.Context, p ledger.CommissionPolicy) error {
	return s.write(ctx, func(q querier) error { return savePolicy(ctx, q, p) })
}

func getPolicy(ctx context.Context, q querier) (ledger.CommissionPolicy, error) {
	var p ledger.CommissionPolicy
	var updatedAt string
	var updatedBy sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT rate, updated_at, updated_by FROM commission_policy WHERE id = 1`,
	).Scan(&p.Rate, &updatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DefaultCommissionPolicy(), nil
	}
	if err != nil {
		return ledger.CommissionPolicy{}, ledger.WrapPersistence("get commission policy", err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	p.UpdatedBy = ledger.AccountID(updatedBy.String)
	return p, nil
}

func savePolicy(ctx context.Context, q querier, p ledger.CommissionPolicy) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO commission_policy (id, rate, updated_at, updated_by) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rate = excluded.rate, updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		p.Rate, formatTime(p.UpdatedAt), nullString(string(p.UpdatedBy)),
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return fmt.Errorf("%w: got %d", ledger.ErrInvalidCommissionRate, p.Rate)
		}
		return ledger.WrapPersistence("save commission policy", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// write runs a single multi-statement write atomically outside WithTx.
func (s *Store) write(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapPersistence("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.WrapPersistence("commit", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintCheck
}
