// Package memstore is an in-process repo.Store. It follows the same lock
// protocol as the PostgreSQL store: one exclusive lock per container, taken
// in acquisition order and held until the transaction ends.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/platform/auditlog"
	"github.com/tasklane/tasklane/internal/repo"
)

type node struct {
	id          string
	kind        domain.ResourceKind
	workspaceID string
	parent      domain.ContainerRef
	position    int
	title       string
	description string
	number      int64
}

type workspaceRow struct {
	title          string
	subscription   domain.Subscription
	nextTaskNumber int64
}

// Store keeps all state behind mu. Transaction isolation comes from the
// per-key locks, not from mu.
type Store struct {
	mu          sync.Mutex
	workspaces  map[string]*workspaceRow
	memberships map[string]domain.Membership
	extra       map[string]map[domain.ResourceKind]int
	nodes       map[string]*node
	audit       []auditlog.Event

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	// onLockWait, when set, runs before a transaction blocks on a held key.
	onLockWait func(key string)
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		workspaces:  map[string]*workspaceRow{},
		memberships: map[string]domain.Membership{},
		extra:       map[string]map[domain.ResourceKind]int{},
		nodes:       map[string]*node{},
		locks:       map[string]chan struct{}{},
	}
}

func (s *Store) CreateWorkspace(_ context.Context, ws domain.Workspace) error {
	if err := ws.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return fmt.Errorf("workspace %s already exists", ws.ID)
	}
	s.workspaces[ws.ID] = &workspaceRow{title: ws.Title, subscription: ws.Subscription, nextTaskNumber: ws.NextTaskNumber}
	return nil
}

func (s *Store) PutMembership(_ context.Context, m domain.Membership) error {
	if _, ok := domain.ParseRole(string(m.Role)); !ok {
		return fmt.Errorf("unsupported role %q", m.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[m.WorkspaceID]; !ok {
		return repo.ErrNotFound
	}
	s.memberships[memberKey(m.WorkspaceID, m.UserID)] = m
	return nil
}

func (s *Store) SetSubscription(_ context.Context, workspaceID string, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return repo.ErrNotFound
	}
	ws.subscription = sub
	return nil
}

// AddResources records n resources of a kind the engine does not order,
// such as labels, invites or chat messages.
func (s *Store) AddResources(workspaceID string, kind domain.ResourceKind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extra[workspaceID] == nil {
		s.extra[workspaceID] = map[domain.ResourceKind]int{}
	}
	s.extra[workspaceID][kind] += n
}

// Workspace returns a snapshot of a workspace row.
func (s *Store) Workspace(workspaceID string) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return domain.Workspace{}, repo.ErrNotFound
	}
	return domain.Workspace{ID: workspaceID, Title: ws.title, Subscription: ws.subscription, NextTaskNumber: ws.nextTaskNumber}, nil
}

// Order returns a container's children sorted by position.
func (s *Store) Order(ref domain.ContainerRef) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderLocked(ref)
}

// Positions returns the raw stored positions of a container's children.
func (s *Store) Positions(ref domain.ContainerRef) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, n := range s.nodes {
		if n.parent == ref {
			out = append(out, n.position)
		}
	}
	return out
}

func (s *Store) Task(id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.kind != domain.ResourceTask {
		return domain.Task{}, repo.ErrNotFound
	}
	return n.task(), nil
}

func (s *Store) AuditEvents() []auditlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auditlog.Event(nil), s.audit...)
}

func (s *Store) Membership(_ context.Context, workspaceID, userID string) (domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[memberKey(workspaceID, userID)]
	if !ok {
		return domain.Membership{}, repo.ErrNotFound
	}
	return m, nil
}

func (s *Store) Subscription(_ context.Context, workspaceID string) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return domain.Subscription{}, repo.ErrNotFound
	}
	return ws.subscription, nil
}

func (s *Store) CountResources(_ context.Context, workspaceID string, kind domain.ResourceKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.extra[workspaceID][kind]
	switch kind {
	case domain.ResourceMembership:
		for _, m := range s.memberships {
			if m.WorkspaceID == workspaceID {
				count++
			}
		}
	case domain.ResourceBoard, domain.ResourceSection, domain.ResourceTask, domain.ResourceSubTask:
		for _, n := range s.nodes {
			if n.kind == kind && n.workspaceID == workspaceID {
				count++
			}
		}
	}
	return count, nil
}

func (s *Store) WorkspaceOf(_ context.Context, target domain.Target) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.Kind == domain.ResourceWorkspace {
		if _, ok := s.workspaces[target.ID]; ok {
			return target.ID, nil
		}
		return "", repo.ErrNotFound
	}
	n, ok := s.nodes[target.ID]
	if !ok || n.kind != target.Kind {
		return "", repo.ErrNotFound
	}
	return n.workspaceID, nil
}

// WithinTx runs fn with container locks released and undo applied (on
// error) only after fn returns.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	t := &tx{s: s, held: map[string]chan struct{}{}}
	defer t.release()
	if err := ctx.Err(); err != nil {
		return domain.Wrap(domain.CodeRetryable, "transaction aborted", err)
	}
	err := fn(ctx, t)
	if err == nil && ctx.Err() != nil {
		err = domain.Wrap(domain.CodeRetryable, "transaction aborted", ctx.Err())
	}
	if err != nil {
		t.rollback()
		return err
	}
	return nil
}

func (s *Store) lockChan(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *Store) orderLocked(ref domain.ContainerRef) []string {
	children := make([]*node, 0)
	for _, n := range s.nodes {
		if n.parent == ref {
			children = append(children, n)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].position != children[j].position {
			return children[i].position < children[j].position
		}
		return children[i].id < children[j].id
	})
	out := make([]string, len(children))
	for i, n := range children {
		out[i] = n.id
	}
	return out
}

func (s *Store) containerExistsLocked(ref domain.ContainerRef) (string, bool) {
	if ref.Kind == domain.ContainerWorkspace {
		_, ok := s.workspaces[ref.ID]
		return ref.ID, ok
	}
	n, ok := s.nodes[ref.ID]
	if !ok {
		return "", false
	}
	if kind, _ := n.kind.AsContainer(); kind != ref.Kind {
		return "", false
	}
	return n.workspaceID, true
}

func (n *node) task() domain.Task {
	return domain.Task{
		ID:          n.id,
		SectionID:   n.parent.ID,
		Number:      n.number,
		Title:       n.title,
		Description: n.description,
		Position:    n.position,
	}
}

func memberKey(workspaceID, userID string) string {
	return strings.TrimSpace(workspaceID) + "/" + strings.TrimSpace(userID)
}

func (s *Store) subtreeContainersLocked(id string) []domain.ContainerRef {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	kind, isContainer := n.kind.AsContainer()
	if !isContainer {
		return nil
	}
	ref := domain.ContainerRef{Kind: kind, ID: id}
	out := []domain.ContainerRef{ref}
	for _, childID := range s.orderLocked(ref) {
		out = append(out, s.subtreeContainersLocked(childID)...)
	}
	return out
}
