/*
accounts.go - Account Store operations

PURPOSE:
  AdjustBalance is the only code path that changes a balance. Each call
  writes the new balance and appends exactly one Transaction in the same
  store transaction, so the log and the balances cannot drift apart.

AUTHORIZATION:
  Credit (amount > 0):  ADMIN, AGENT or SYSTEM
  Debit  (amount < 0):  any role, but a non-empty reason is required
  Zero   (amount = 0):  SYSTEM only, for settlement legs at rate 0 or 100
  A debit that would leave the balance below zero is refused.

ACCOUNT LIFECYCLE:
  OpenAccount creates an account with zero balances. The identifier is
  immutable. ChangeRole is ADMIN only and never assigns SYSTEM.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Adjustment is a single signed change to one balance.
type Adjustment struct {
	AccountID AccountID
	Amount    decimal.Decimal // positive = credit, negative = debit
	Currency  Currency
	Reason    string // becomes the transaction title
	Actor     Actor

	// BookingID links settlement legs to their booking.
	BookingID BookingID
}

// AdjustBalance applies adj and returns the resulting balance.
func (s *Service) AdjustBalance(ctx context.Context, adj Adjustment) (decimal.Decimal, error) {
	fx := &effects{}
	var balance decimal.Decimal

	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		balance, err = s.adjust(ctx, st, adj, fx)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	if adj.Amount.IsPositive() {
		fx.notify(Notification{
			AccountID: adj.AccountID,
			Title:     "Wallet topped up",
			Message:   fmt.Sprintf("%s %s added to your balance", adj.Amount, adj.Currency),
			Category:  CategoryWallet,
		})
	}

	s.logger.Info("balance adjusted",
		"account_id", adj.AccountID,
		"amount", adj.Amount.String(),
		"currency", adj.Currency,
		"actor", adj.Actor.ID,
		"role", adj.Actor.Role,
	)
	s.flush(ctx, fx)
	return balance, nil
}

// adjust runs inside an open transaction. Settlement calls it once per leg.
func (s *Service) adjust(ctx context.Context, st Store, adj Adjustment, fx *effects) (decimal.Decimal, error) {
	if err := validateAdjustment(adj); err != nil {
		return decimal.Zero, err
	}

	acct, err := st.GetAccount(ctx, adj.AccountID)
	if err != nil {
		return decimal.Zero, err
	}

	current := acct.Balance(adj.Currency)
	next := current.Add(adj.Amount)
	if adj.Amount.IsNegative() && next.IsNegative() {
		return decimal.Zero, &InsufficientFundsError{
			AccountID: acct.ID,
			Currency:  adj.Currency,
			Available: current,
			Requested: adj.Amount.Neg(),
		}
	}

	now := s.now()
	acct.Balances = acct.Balances.Clone()
	acct.Balances[adj.Currency] = next
	acct.UpdatedAt = now
	if err := st.UpdateAccount(ctx, acct); err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	tx, err := st.AppendTransaction(ctx, Transaction{
		ID:              TransactionID(s.newID()),
		AccountID:       acct.ID,
		Amount:          adj.Amount,
		Currency:        adj.Currency,
		Title:           adj.Reason,
		BookingID:       adj.BookingID,
		PerformedBy:     adj.Actor.ID,
		PerformedByRole: adj.Actor.Role,
		CreatedAt:       now,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("append transaction: %w", err)
	}

	fx.push(acct, tx)
	return next, nil
}

func validateAdjustment(adj Adjustment) error {
	// Settlement writes a zero leg at rate 0 or 100.
	if adj.Amount.IsZero() && adj.Actor.Role != RoleSystem {
		return fmt.Errorf("%w: amount must not be zero", ErrInvalidAmount)
	}
	if err := adj.Currency.Validate(); err != nil {
		return err
	}
	if adj.Amount.IsPositive() && !adj.Actor.Role.CanCredit() {
		return fmt.Errorf("%w: role %q may not credit a balance", ErrUnauthorized, adj.Actor.Role)
	}
	if adj.Amount.IsNegative() && strings.TrimSpace(adj.Reason) == "" {
		return fmt.Errorf("%w: a debit requires a reason", ErrUnauthorized)
	}
	return nil
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

type NewAccount struct {
	ID           AccountID
	Name         string
	Role         Role // empty = USER
	PasswordHash string
}

// OpenAccount creates an account with no balances.
func (s *Service) OpenAccount(ctx context.Context, na NewAccount) (Account, error) {
	if strings.TrimSpace(string(na.ID)) == "" {
		return Account{}, fmt.Errorf("%w: account id is required", ErrInvalidAccount)
	}
	role := na.Role
	if role == "" {
		role = RoleUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Account{}, err
	}

	now := s.now()
	acct := Account{
		ID:           na.ID,
		Name:         strings.TrimSpace(na.Name),
		Role:         role,
		Balances:     Balances{},
		PasswordHash: na.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	fx := &effects{}
	err := s.store.WithTx(ctx, func(st Store) error {
		if err := st.CreateAccount(ctx, acct); err != nil {
			return err
		}
		fx.push(acct)
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	s.logger.Info("account opened", "account_id", acct.ID, "role", acct.Role)
	s.flush(ctx, fx)
	return acct, nil
}

func (s *Service) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

// ChangeRole assigns role to the account. Only an ADMIN may do it.
func (s *Service) ChangeRole(ctx context.Context, actor Actor, id AccountID, role Role) (Account, error) {
	if !actor.IsAdmin() {
		return Account{}, fmt.Errorf("%w: only ADMIN may change roles", ErrUnauthorized)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Account{}, err
	}

	fx := &effects{}
	var acct Account
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		acct, err = st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		acct.Role = role
		acct.UpdatedAt = s.now()
		if err := st.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		fx.push(acct)
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	s.logger.Info("role changed", "account_id", id, "role", role, "by", actor.ID)
	s.flush(ctx, fx)
	return acct, nil
}
