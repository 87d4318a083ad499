package access

import (
	"context"
	"fmt"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/repo"
)

// Unlimited marks a resource kind without a trial ceiling.
const Unlimited = -1

// TrialQuotas are the per-workspace ceilings applied at trial tier.
// Membership counts pending invites as well.
var TrialQuotas = map[domain.ResourceKind]int{
	domain.ResourceBoard:       10,
	domain.ResourceSection:     100,
	domain.ResourceTask:        1000,
	domain.ResourceSubTask:     1000,
	domain.ResourceMembership:  2,
	domain.ResourceChatMessage: 0,
	domain.ResourceLabel:       10,
	domain.ResourceTaskLabel:   Unlimited,
}

// PlanGate resolves tiers and trial quotas. WithinQuota does not reserve
// capacity, so concurrent creations can overshoot a ceiling slightly.
type PlanGate struct {
	subscriptions repo.SubscriptionState
	counter       repo.QuotaCounter
	quotas        map[domain.ResourceKind]int
}

func NewPlanGate(subscriptions repo.SubscriptionState, counter repo.QuotaCounter) *PlanGate {
	if subscriptions == nil || counter == nil {
		return nil
	}
	return &PlanGate{subscriptions: subscriptions, counter: counter, quotas: TrialQuotas}
}

func (g *PlanGate) Tier(ctx context.Context, workspaceID string) (domain.Tier, error) {
	sub, err := g.subscriptions.Subscription(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("load subscription: %w", err)
	}
	return sub.Tier(), nil
}

func (g *PlanGate) WithinQuota(ctx context.Context, workspaceID string, kind domain.ResourceKind) (bool, error) {
	limit, ok := g.quotas[kind]
	if !ok || limit == Unlimited {
		return true, nil
	}
	count, err := g.counter.CountResources(ctx, workspaceID, kind)
	if err != nil {
		return false, fmt.Errorf("count %s: %w", kind, err)
	}
	return count < limit, nil
}
