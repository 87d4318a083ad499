package access

import (
	"context"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/repo"
)

type fakeDirectory struct {
	workspaces    map[domain.Target]string
	memberships   map[string]domain.Membership
	subscriptions map[string]domain.Subscription
	counts        map[domain.ResourceKind]int
	countCalls    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		workspaces:    map[domain.Target]string{},
		memberships:   map[string]domain.Membership{},
		subscriptions: map[string]domain.Subscription{},
		counts:        map[domain.ResourceKind]int{},
	}
}

func (f *fakeDirectory) addMember(workspaceID, userID string, role domain.Role) {
	f.memberships[workspaceID+"/"+userID] = domain.Membership{WorkspaceID: workspaceID, UserID: userID, Role: role}
}

func (f *fakeDirectory) Membership(_ context.Context, workspaceID, userID string) (domain.Membership, error) {
	m, ok := f.memberships[workspaceID+"/"+userID]
	if !ok {
		return domain.Membership{}, repo.ErrNotFound
	}
	return m, nil
}

func (f *fakeDirectory) Subscription(_ context.Context, workspaceID string) (domain.Subscription, error) {
	return f.subscriptions[workspaceID], nil
}

func (f *fakeDirectory) CountResources(_ context.Context, _ string, kind domain.ResourceKind) (int, error) {
	f.countCalls++
	return f.counts[kind], nil
}

func (f *fakeDirectory) WorkspaceOf(_ context.Context, target domain.Target) (string, error) {
	ws, ok := f.workspaces[target]
	if !ok {
		return "", repo.ErrNotFound
	}
	return ws, nil
}
