package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/repo"
)

// Actor is the authenticated caller.
type Actor struct {
	UserID string
}

type Reason string

const (
	ReasonAllowed          Reason = ""
	ReasonNotFound         Reason = "not_found"
	ReasonInsufficientRole Reason = "insufficient_role"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonPlanRestricted   Reason = "plan_restricted"
)

// Decision is the outcome of Authorize. WorkspaceID is set whenever the
// target resolved, even on deny.
type Decision struct {
	Action      Action
	Allowed     bool
	Reason      Reason
	WorkspaceID string
	Role        domain.Role
	Tier        domain.Tier
}

// Err converts a deny into its typed domain error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonInsufficientRole:
		return domain.New(domain.CodePermissionDenied, fmt.Sprintf("%s requires a higher role", d.Action))
	case ReasonQuotaExceeded:
		return domain.New(domain.CodeQuotaExceeded, fmt.Sprintf("%s exceeds the trial quota", d.Action))
	case ReasonPlanRestricted:
		return domain.New(domain.CodePlanRestricted, fmt.Sprintf("%s is not available on the trial plan", d.Action))
	default:
		return domain.New(domain.CodeNotFound, "not found")
	}
}

// Facts are the inputs Evaluate needs. WithinQuota is only consulted for
// trial-tier creates that carry a quota.
type Facts struct {
	Member      bool
	Role        domain.Role
	Tier        domain.Tier
	WithinQuota bool
}

// Evaluate applies one policy to a set of facts. It has no side effects.
func Evaluate(policy ActionPolicy, facts Facts) Reason {
	if !facts.Member {
		return ReasonNotFound
	}
	if !HasAtLeast(domain.Membership{Role: facts.Role}, policy.MinRole) {
		return ReasonInsufficientRole
	}
	if facts.Tier == domain.TierFull {
		return ReasonAllowed
	}
	if policy.PlanRestricted {
		return ReasonPlanRestricted
	}
	switch policy.Category {
	case CategoryRead:
		return ReasonAllowed
	case CategoryCreate:
		if policy.Quota != "" && !facts.WithinQuota {
			return ReasonQuotaExceeded
		}
		return ReasonAllowed
	default:
		return ReasonPlanRestricted
	}
}

func needsQuota(policy ActionPolicy, tier domain.Tier) bool {
	return tier != domain.TierFull && !policy.PlanRestricted &&
		policy.Category == CategoryCreate && policy.Quota != ""
}

// Gateway is the single allow/deny entry point for mutations. Build it once
// at startup and pass it to the services that need it.
type Gateway struct {
	policies PolicyTable
	resolver repo.TargetResolver
	members  repo.MembershipLookup
	plans    *PlanGate
}

func NewGateway(policies PolicyTable, dir repo.Directory) (*Gateway, error) {
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		policies: policies,
		resolver: dir,
		members:  dir,
		plans:    NewPlanGate(dir, dir),
	}, nil
}

// Authorize decides whether actor may perform action on target. Missing
// targets and missing memberships both deny with ReasonNotFound. The
// returned error is reserved for lookup failures.
func (g *Gateway) Authorize(ctx context.Context, actor Actor, target domain.Target, action Action) (Decision, error) {
	decision := Decision{Action: action, Reason: ReasonNotFound}
	policy, ok := g.policies[action]
	if !ok {
		return decision, fmt.Errorf("no policy for action %q", action)
	}
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(target.ID) == "" {
		return decision, nil
	}

	workspaceID, err := g.resolver.WorkspaceOf(ctx, target)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return decision, nil
		}
		return decision, fmt.Errorf("resolve workspace: %w", err)
	}
	decision.WorkspaceID = workspaceID

	facts := Facts{}
	membership, err := g.members.Membership(ctx, workspaceID, actor.UserID)
	switch {
	case err == nil:
		facts.Member = true
		facts.Role = membership.Role
		decision.Role = membership.Role
	case errors.Is(err, repo.ErrNotFound):
		return decision, nil
	default:
		return decision, fmt.Errorf("lookup membership: %w", err)
	}

	tier, err := g.plans.Tier(ctx, workspaceID)
	if err != nil {
		return decision, err
	}
	facts.Tier = tier
	decision.Tier = tier

	if needsQuota(policy, tier) {
		within, err := g.plans.WithinQuota(ctx, workspaceID, policy.Quota)
		if err != nil {
			return decision, err
		}
		facts.WithinQuota = within
	}

	decision.Reason = Evaluate(policy, facts)
	decision.Allowed = decision.Reason == ReasonAllowed
	return decision, nil
}
