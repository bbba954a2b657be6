package ledger

import "context"

// =============================================================================
// ACTOR - Who is calling
// =============================================================================

// Actor is the caller of an operation. The core trusts the role as given;
// deriving it from a session is the caller's job.
type Actor struct {
	ID   AccountID
	Role Role
}

// SystemActor performs the balance adjustments of a settlement.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// IsOperator covers staff that may act on behalf of other accounts.
func (a Actor) IsOperator() bool { return a.IsAdmin() || a.Role == RoleAgent }

// =============================================================================
// NOTIFIER - Fire-and-forget messages to account holders
// =============================================================================

type NotificationCategory string

const (
	CategoryBooking NotificationCategory = "booking"
	CategoryWallet  NotificationCategory = "wallet"
)

type Notification struct {
	AccountID AccountID
	Title     string
	Message   string
	Category  NotificationCategory
}

// Notifier delivers notifications. Errors are logged by the Service and
// never change the outcome of a ledger operation.
//
//go:generate mockgen -destination=mocks/mock_collaborators.go -source=collaborators.go
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// =============================================================================
// SYNCER - Advisory push of committed entities to a remote store
// =============================================================================

type EntityType string

const (
	EntityAccount          EntityType = "account"
	EntityTransaction      EntityType = "transaction"
	EntityBooking          EntityType = "booking"
	EntityCommissionPolicy EntityType = "commission_policy"
)

// Entity is anything the Syncer can push.
type Entity interface {
	EntityType() EntityType
	EntityKey() string
}

func (a Account) EntityType() EntityType { return EntityAccount }
func (a Account) EntityKey() string { return string(a.ID) }
func (t Transaction) EntityType() EntityType { return EntityTransaction }
func (t Transaction) EntityKey() string { return string(t.ID) }
func (b Booking) EntityType() EntityType { return EntityBooking }
func (b Booking) EntityKey() string { return string(b.ID) }
func (CommissionPolicy) EntityType() EntityType { return EntityCommissionPolicy }
func (CommissionPolicy) EntityKey() string { return "current" }

// Syncer pushes an entity to a remote copy. The push is advisory: the
// remote copy is never read back or reconciled.
type Syncer interface {
	Push(ctx context.Context, e Entity) error
}

type NopSyncer struct{}

func (NopSyncer) Push(context.Context, Entity) error { return nil }
