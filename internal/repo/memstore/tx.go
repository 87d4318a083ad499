package memstore

import (
	"context"
	"fmt"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/ordering"
	"github.com/tasklane/tasklane/internal/platform/auditlog"
	"github.com/tasklane/tasklane/internal/repo"
)

type tx struct {
	s     *Store
	held  map[string]chan struct{}
	order []string
	undo  []func()
}

var _ repo.Tx = (*tx)(nil)

// acquire blocks until key is free or ctx ends. Re-acquiring a held key is
// a no-op.
func (t *tx) acquire(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.lockChan(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		t.order = append(t.order, key)
		return nil
	default:
	}
	if t.s.onLockWait != nil {
		t.s.onLockWait(key)
	}
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		t.order = append(t.order, key)
		return nil
	case <-ctx.Done():
		return domain.Wrap(domain.CodeRetryable, "lock wait aborted", ctx.Err())
	}
}

func (t *tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.held[t.order[i]]
	}
	t.held = map[string]chan struct{}{}
	t.order = nil
}

func (t *tx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func containerKey(ref domain.ContainerRef) string {
	return "container:" + ref.String()
}

func counterKey(workspaceID string) string {
	return "counter:" + workspaceID
}

func (t *tx) Lock(ctx context.Context, refs ...domain.ContainerRef) (*ordering.Lock, error) {
	ordered := ordering.AcquisitionOrder(refs...)
	for _, ref := range ordered {
		t.s.mu.Lock()
		_, ok := t.s.containerExistsLocked(ref)
		t.s.mu.Unlock()
		if !ok {
			return nil, repo.ErrNotFound
		}
		if err := t.acquire(ctx, containerKey(ref)); err != nil {
			return nil, err
		}
		// The container may have been deleted while we waited.
		t.s.mu.Lock()
		_, ok = t.s.containerExistsLocked(ref)
		t.s.mu.Unlock()
		if !ok {
			return nil, repo.ErrNotFound
		}
	}
	return ordering.NewLock(ordered), nil
}

func (t *tx) LoadOrder(_ context.Context, ref domain.ContainerRef) ([]string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.orderLocked(ref), nil
}

func (t *tx) LoadPositions(_ context.Context, ref domain.ContainerRef) ([]int, error) {
	return t.s.Positions(ref), nil
}

func (t *tx) StoreOrder(_ context.Context, ref domain.ContainerRef, ids []string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.s.nodes[id]; !ok {
			return domain.Invariant(fmt.Sprintf("store order %s: unknown child %s", ref, id))
		}
	}
	for i, id := range ids {
		n := t.s.nodes[id]
		prevParent, prevPosition := n.parent, n.position
		t.undo = append(t.undo, func() {
			n.parent = prevParent
			n.position = prevPosition
		})
		n.parent = ref
		n.position = i
	}
	return nil
}

func (t *tx) Attach(_ context.Context, child domain.Child, position int) error {
	if err := child.Validate(); err != nil {
		return domain.Wrap(domain.CodeInvalidArgument, "invalid child", err)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	workspaceID, ok := t.s.containerExistsLocked(child.Container)
	if !ok {
		return repo.ErrNotFound
	}
	if _, exists := t.s.nodes[child.ID]; exists {
		return fmt.Errorf("insert %s: duplicate id %s", child.Container.Kind.ChildKind(), child.ID)
	}
	if child.Number > 0 {
		for _, n := range t.s.nodes {
			if n.workspaceID == workspaceID && n.number == child.Number {
				return fmt.Errorf("insert task: number %d already used", child.Number)
			}
		}
	}
	t.s.nodes[child.ID] = &node{
		id:          child.ID,
		kind:        child.Container.Kind.ChildKind(),
		workspaceID: workspaceID,
		parent:      child.Container,
		position:    position,
		title:       child.Title,
		description: child.Description,
		number:      child.Number,
	}
	id := child.ID
	t.undo = append(t.undo, func() { delete(t.s.nodes, id) })
	return nil
}

// Detach deletes id and everything below it. The locks of every container
// in the removed subtree are taken first so no concurrent mover still works
// inside it. Children can move into the subtree while we wait, so the set is
// recomputed until every container in it is held.
func (t *tx) Detach(ctx context.Context, ref domain.ContainerRef, id string) error {
	for {
		t.s.mu.Lock()
		n, ok := t.s.nodes[id]
		if !ok || n.parent != ref {
			t.s.mu.Unlock()
			return repo.ErrNotFound
		}
		var missing []domain.ContainerRef
		for _, sub := range t.s.subtreeContainersLocked(id) {
			if _, held := t.held[containerKey(sub)]; !held {
				missing = append(missing, sub)
			}
		}
		if len(missing) == 0 {
			t.deleteTreeLocked(id)
			t.s.mu.Unlock()
			return nil
		}
		t.s.mu.Unlock()
		for _, sub := range ordering.AcquisitionOrder(missing...) {
			if err := t.acquire(ctx, containerKey(sub)); err != nil {
				return err
			}
		}
	}
}

func (t *tx) deleteTreeLocked(id string) {
	n, ok := t.s.nodes[id]
	if !ok {
		return
	}
	if kind, isContainer := n.kind.AsContainer(); isContainer {
		for _, childID := range t.s.orderLocked(domain.ContainerRef{Kind: kind, ID: id}) {
			t.deleteTreeLocked(childID)
		}
	}
	delete(t.s.nodes, id)
	t.undo = append(t.undo, func() { t.s.nodes[id] = n })
}

func (t *tx) ContainerOf(_ context.Context, kind domain.ResourceKind, id string) (domain.ContainerRef, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n, ok := t.s.nodes[id]
	if !ok || n.kind != kind {
		return domain.ContainerRef{}, repo.ErrNotFound
	}
	return n.parent, nil
}

func (t *tx) NextTaskNumber(ctx context.Context, workspaceID string) (int64, error) {
	if err := t.acquire(ctx, counterKey(workspaceID)); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	ws, ok := t.s.workspaces[workspaceID]
	if !ok {
		return 0, repo.ErrNotFound
	}
	var maxIssued int64
	for _, n := range t.s.nodes {
		if n.workspaceID == workspaceID && n.number > maxIssued {
			maxIssued = n.number
		}
	}
	if ws.nextTaskNumber < maxIssued {
		return 0, domain.Invariant(fmt.Sprintf("workspace %s counter %d behind issued number %d", workspaceID, ws.nextTaskNumber, maxIssued))
	}
	prev := ws.nextTaskNumber
	ws.nextTaskNumber = prev + 1
	t.undo = append(t.undo, func() { ws.nextTaskNumber = prev })
	return ws.nextTaskNumber, nil
}

func (t *tx) GetTask(_ context.Context, id string) (domain.Task, error) {
	return t.s.Task(id)
}

func (t *tx) UpdateTask(_ context.Context, task domain.Task) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n, ok := t.s.nodes[task.ID]
	if !ok || n.kind != domain.ResourceTask {
		return repo.ErrNotFound
	}
	if err := domain.EnsureTaskImmutable(n.task(), task); err != nil {
		return err
	}
	prevTitle, prevDescription := n.title, n.description
	t.undo = append(t.undo, func() {
		n.title = prevTitle
		n.description = prevDescription
	})
	n.title = task.Title
	n.description = task.Description
	return nil
}

func (t *tx) AppendAudit(_ context.Context, event auditlog.Event) error {
	event, _, err := event.Normalize()
	if err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.audit = append(t.s.audit, event)
	idx := len(t.s.audit) - 1
	t.undo = append(t.undo, func() { t.s.audit = t.s.audit[:idx] })
	return nil
}
