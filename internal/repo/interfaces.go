package repo

import (
	"context"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/ordering"
	"github.com/tasklane/tasklane/internal/platform/auditlog"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = domain.ErrNotFound

// MembershipLookup is owned by the workspace-membership store.
// It returns ErrNotFound when the user has no membership.
type MembershipLookup interface {
	Membership(ctx context.Context, workspaceID, userID string) (domain.Membership, error)
}

// SubscriptionState is owned by billing.
type SubscriptionState interface {
	Subscription(ctx context.Context, workspaceID string) (domain.Subscription, error)
}

// QuotaCounter counts existing resources of a kind inside a workspace.
type QuotaCounter interface {
	CountResources(ctx context.Context, workspaceID string, kind domain.ResourceKind) (int, error)
}

// TargetResolver walks Task -> Section -> Board -> Workspace.
type TargetResolver interface {
	WorkspaceOf(ctx context.Context, target domain.Target) (string, error)
}

// Directory is the read side consulted before a transaction starts.
type Directory interface {
	MembershipLookup
	SubscriptionState
	QuotaCounter
	TargetResolver
}

// Tx is one mutation transaction. Order reads and writes require a lock
// token obtained from Lock on the same Tx.
type Tx interface {
	ordering.OrderStore

	// Lock is the lock coordinator: it takes exclusive locks on the sibling
	// sets of refs in ordering.AcquisitionOrder and holds them until the
	// transaction ends.
	Lock(ctx context.Context, refs ...domain.ContainerRef) (*ordering.Lock, error)

	// ContainerOf returns the container currently holding a child.
	ContainerOf(ctx context.Context, kind domain.ResourceKind, id string) (domain.ContainerRef, error)

	// NextTaskNumber locks the workspace counter, increments it and returns
	// the new value.
	NextTaskNumber(ctx context.Context, workspaceID string) (int64, error)

	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task) error

	AppendAudit(ctx context.Context, event auditlog.Event) error
}

// Store opens mutation transactions. fn's error rolls the transaction back;
// a nil return commits it.
type Store interface {
	Directory
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
