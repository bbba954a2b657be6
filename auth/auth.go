/*
Package auth turns phone numbers and passwords into ledger actors.

PURPOSE:
  The settlement core trusts the Actor it is given. This package is where
  that Actor comes from: a session token issued at login maps to an
  account, and the account's current role becomes the Actor's role.

FLOW:
  Register(phone, name, password) -> USER account, bcrypt hash stored
  Login(phone, password)          -> Session{Token, ExpiresAt}
  Authenticate(token)             -> ledger.Actor (role read from the store)

  Roles are read on every Authenticate, so a role change applies to the
  next request without a new login.

PHONE NUMBERS:
  Account ids are normalized to the international 963 format:
  "0912 345 678" and "+963912345678" both become "963912345678".
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wusul/settlement-engine/ledger"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid phone or password")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrWeakPassword       = errors.New("password too short")
	ErrNoSession          = errors.New("no session")
	ErrSessionExpired     = errors.New("session expired")
)

const MinPasswordLength = 6

// AccountRegistry is the part of *ledger.Service used by auth.
type AccountRegistry interface {
	OpenAccount(ctx context.Context, na ledger.NewAccount) (ledger.Account, error)
	GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error)
}

type Authenticator struct {
	accounts AccountRegistry
	sessions *Sessions
	logger   *slog.Logger
	cost     int
}

func NewAuthenticator(accounts AccountRegistry, sessions *Sessions, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		accounts: accounts,
		sessions: sessions,
		logger:   logger.With("component", "auth"),
		cost:     bcrypt.DefaultCost,
	}
}

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func (a *Authenticator) WithCost(cost int) *Authenticator {
	a.cost = cost
	return a
}

// =============================================================================
// REGISTRATION AND LOGIN
// =============================================================================

// Register opens a USER account for phone.
func (a *Authenticator) Register(ctx context.Context, phone, name, password string) (ledger.Account, error) {
	return a.register(ctx, phone, name, password, ledger.RoleUser)
}

// EnsureAccount opens an account with the given role unless the phone is
// already registered. Used to seed the first ADMIN.
func (a *Authenticator) EnsureAccount(ctx context.Context, phone, name, password string, role ledger.Role) (ledger.Account, error) {
	id, err := NormalizePhone(phone)
	if err != nil {
		return ledger.Account{}, err
	}
	acct, err := a.accounts.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.Account{}, err
	}
	return a.register(ctx, phone, name, password, role)
}

func (a *Authenticator) register(ctx context.Context, phone, name, password string, role ledger.Role) (ledger.Account, error) {
	id, err := NormalizePhone(phone)
	if err != nil {
		return ledger.Account{}, err
	}
	if len(password) < MinPasswordLength {
		return ledger.Account{}, fmt.Errorf("%w: at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("hash password: %w", err)
	}

	acct, err := a.accounts.OpenAccount(ctx, ledger.NewAccount{
		ID:           id,
		Name:         strings.TrimSpace(name),
		Role:         role,
		PasswordHash: string(hash),
	})
	if err != nil {
		return ledger.Account{}, err
	}
	a.logger.Info("account registered", "account_id", id, "role", role)
	return acct, nil
}

// Login checks the password and starts a session.
func (a *Authenticator) Login(ctx context.Context, phone, password string) (Session, ledger.Account, error) {
	id, err := NormalizePhone(phone)
	if err != nil {
		return Session{}, ledger.Account{}, ErrInvalidCredentials
	}
	acct, err := a.accounts.GetAccount(ctx, id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return Session{}, ledger.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, ledger.Account{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		a.logger.Warn("login failed", "account_id", id)
		return Session{}, ledger.Account{}, ErrInvalidCredentials
	}

	return a.sessions.Create(acct.ID), acct, nil
}

// Logout ends the session.
func (a *Authenticator) Logout(token string) {
	a.sessions.Revoke(token)
}

// Authenticate resolves a token to the caller's Actor and account.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (ledger.Actor, ledger.Account, error) {
	id, err := a.sessions.Lookup(token)
	if err != nil {
		return ledger.Actor{}, ledger.Account{}, err
	}
	acct, err := a.accounts.GetAccount(ctx, id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		a.sessions.Revoke(token)
		return ledger.Actor{}, ledger.Account{}, ErrNoSession
	}
	if err != nil {
		return ledger.Actor{}, ledger.Account{}, err
	}
	return ledger.Actor{ID: acct.ID, Role: acct.Role}, acct, nil
}

// =============================================================================
// PHONE NUMBERS
// =============================================================================

// NormalizePhone strips everything but digits and applies the 963 prefix.
func NormalizePhone(phone string) (ledger.AccountID, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	case strings.HasPrefix(digits, "963"):
	case strings.HasPrefix(digits, "0"):
		digits = "963" + digits[1:]
	default:
		digits = "963" + digits
	}

	if len(digits) < 11 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	return ledger.AccountID(digits), nil
}

// =============================================================================
// CONTEXT
// =============================================================================

type ctxKey struct{}

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor ledger.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (ledger.Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(ledger.Actor)
	return actor, ok
}
