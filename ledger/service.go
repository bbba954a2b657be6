/*
service.go - Entry point of the settlement core

PURPOSE:
  Service owns the TxStore and the collaborators. Every mutating operation
  runs its store work inside one WithTx call and collects the side effects
  (notifications, entities to push) in an effects value. The effects are
  flushed only after the transaction committed, so a rolled back operation
  never notifies or syncs anything.

COLLABORATORS:
  Notifier and Syncer default to no-ops. Their errors are logged and
  dropped: a failed push or notification never fails a ledger operation.
  Wrap them with the dispatch package to take them off the request path.

EXAMPLE:
  svc := ledger.NewService(store,
      ledger.WithNotifier(n),
      ledger.WithSyncer(mirror),
      ledger.WithLogger(logger),
  )
  bal, err := svc.AdjustBalance(ctx, ledger.Adjustment{...})
*/
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultTransactionPageSize is how many log entries Transactions fetches per store call.
const DefaultTransactionPageSize = 50

type Service struct {
	store    TxStore
	notifier Notifier
	syncer   Syncer
	logger   *slog.Logger

	// platform receives commissions. Empty = first ADMIN account.
	platform AccountID

	now      func() time.Time
	newID    func() string
	pageSize int
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithSyncer(sy Syncer) Option {
	return func(s *Service) {
		if sy != nil {
			s.syncer = sy
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPlatformAccount sets the account credited with commissions.
func WithPlatformAccount(id AccountID) Option {
	return func(s *Service) { s.platform = id }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTransactionPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: NopNotifier{},
		syncer:   NopSyncer{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newUUIDv7,
		pageSize: DefaultTransactionPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newUUIDv7 returns a time-ordered id. uuid.NewV7 only fails when the
// random source does; fall back to a random v4 in that case.
func newUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// =============================================================================
// EFFECTS - Collected inside a transaction, flushed after commit
// =============================================================================

type effects struct {
	entities      []Entity
	notifications []Notification
}

func (fx *effects) push(e ...Entity) { fx.entities = append(fx.entities, e...) }

func (fx *effects) notify(n Notification) { fx.notifications = append(fx.notifications, n) }

// flush hands committed effects to the collaborators. The caller's
// cancellation must not drop them, so the context is detached.
func (s *Service) flush(ctx context.Context, fx *effects) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range fx.entities {
		if err := s.syncer.Push(ctx, e); err != nil {
			s.logger.Warn("remote sync failed",
				"entity", e.EntityType(), "key", e.EntityKey(), "error", err)
		}
	}
	for _, n := range fx.notifications {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("notification failed",
				"account_id", n.AccountID, "title", n.Title, "error", err)
		}
	}
}

// =============================================================================
// SNAPSHOT - Full state for periodic sync
// =============================================================================

// Snapshot returns every account, booking and log entry plus the current
// commission policy. The periodic sync pushes it wholesale.
func (s *Service) Snapshot(ctx context.Context) ([]Entity, error) {
	var out []Entity

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		out = append(out, a)
	}

	bookings, err := s.store.ListBookings(ctx, BookingFilter{})
	if err != nil {
		return nil, err
	}
	for _, b := range bookings {
		out = append(out, b)
	}

	for tx, err := range s.Transactions(ctx, "") {
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}

	policy, err := s.store.GetCommissionPolicy(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, policy), nil
}
