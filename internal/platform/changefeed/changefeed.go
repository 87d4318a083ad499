// Package changefeed carries post-commit "container changed" events to
// whatever transport subscribes to them.
package changefeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
)

type Kind string

const (
	KindCreated Kind = "created"
	KindMoved   Kind = "moved"
	KindDeleted Kind = "deleted"
	KindUpdated Kind = "updated"
)

// Change describes one committed mutation. From is set for moves that
// left another container.
type Change struct {
	OperationID string
	WorkspaceID string
	Container   domain.ContainerRef
	From        *domain.ContainerRef
	Kind        Kind
	ItemID      string
	OccurredAt  time.Time
}

// Notifier receives exactly one Change per committed mutation, after commit.
type Notifier interface {
	Notify(ctx context.Context, change Change)
}

type NotifierFunc func(ctx context.Context, change Change)

func (f NotifierFunc) Notify(ctx context.Context, change Change) {
	f(ctx, change)
}

// LogNotifier writes changes to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, change Change) {
	if n.Logger == nil {
		return
	}
	attrs := []any{
		"op_id", change.OperationID,
		"workspace_id", change.WorkspaceID,
		"container", change.Container.String(),
		"kind", string(change.Kind),
		"item_id", change.ItemID,
	}
	if change.From != nil {
		attrs = append(attrs, "from", change.From.String())
	}
	n.Logger.InfoContext(ctx, "container changed", attrs...)
}

// Fanout forwards each change to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, change Change) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, change)
		}
	}
}

// Recorder keeps every change in memory.
type Recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *Recorder) Notify(_ context.Context, change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *Recorder) Changes() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}
