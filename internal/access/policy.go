package access

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tasklane/tasklane/internal/domain"
)

const PolicySchemaV1 = "tasklane.policy.v1"

type Category string

const (
	CategoryRead   Category = "read"
	CategoryCreate Category = "create"
	CategoryUpdate Category = "update"
	CategoryDelete Category = "delete"
)

type Action string

const (
	ActionWorkspaceRead   Action = "workspace.read"
	ActionWorkspaceUpdate Action = "workspace.update"
	ActionBillingRead     Action = "billing.read"

	ActionBoardRead   Action = "board.read"
	ActionBoardCreate Action = "board.create"
	ActionBoardUpdate Action = "board.update"
	ActionBoardDelete Action = "board.delete"

	ActionSectionRead   Action = "section.read"
	ActionSectionCreate Action = "section.create"
	ActionSectionUpdate Action = "section.update"
	ActionSectionDelete Action = "section.delete"

	ActionTaskRead   Action = "task.read"
	ActionTaskCreate Action = "task.create"
	ActionTaskUpdate Action = "task.update"
	ActionTaskDelete Action = "task.delete"

	ActionSubTaskRead   Action = "subtask.read"
	ActionSubTaskCreate Action = "subtask.create"
	ActionSubTaskUpdate Action = "subtask.update"
	ActionSubTaskDelete Action = "subtask.delete"

	ActionLabelCreate Action = "label.create"
	ActionLabelUpdate Action = "label.update"
	ActionLabelDelete Action = "label.delete"

	ActionTaskLabelCreate Action = "task_label.create"
	ActionTaskLabelDelete Action = "task_label.delete"

	ActionChatMessageCreate Action = "chat_message.create"
	ActionChatMessageDelete Action = "chat_message.delete"

	ActionInviteCreate     Action = "invite.create"
	ActionMembershipUpdate Action = "membership.update"
	ActionMembershipDelete Action = "membership.delete"
)

// ActionPolicy is the gate for one action. Quota is only set for create
// actions that count against a trial ceiling.
type ActionPolicy struct {
	Category       Category
	MinRole        domain.Role
	Quota          domain.ResourceKind
	PlanRestricted bool
}

// PolicyTable maps every known action to its policy. Unknown actions deny.
type PolicyTable map[Action]ActionPolicy

func DefaultPolicies() PolicyTable {
	return PolicyTable{
		ActionWorkspaceRead:   {Category: CategoryRead, MinRole: domain.RoleObserver},
		ActionWorkspaceUpdate: {Category: CategoryUpdate, MinRole: domain.RoleOwner},
		ActionBillingRead:     {Category: CategoryRead, MinRole: domain.RoleOwner, PlanRestricted: true},

		ActionBoardRead:   {Category: CategoryRead, MinRole: domain.RoleObserver},
		ActionBoardCreate: {Category: CategoryCreate, MinRole: domain.RoleMaintainer, Quota: domain.ResourceBoard},
		ActionBoardUpdate: {Category: CategoryUpdate, MinRole: domain.RoleMaintainer},
		ActionBoardDelete: {Category: CategoryDelete, MinRole: domain.RoleMaintainer},

		ActionSectionRead:   {Category: CategoryRead, MinRole: domain.RoleObserver},
		ActionSectionCreate: {Category: CategoryCreate, MinRole: domain.RoleMaintainer, Quota: domain.ResourceSection},
		ActionSectionUpdate: {Category: CategoryUpdate, MinRole: domain.RoleMaintainer},
		ActionSectionDelete: {Category: CategoryDelete, MinRole: domain.RoleMaintainer},

		ActionTaskRead:   {Category: CategoryRead, MinRole: domain.RoleObserver},
		ActionTaskCreate: {Category: CategoryCreate, MinRole: domain.RoleMember, Quota: domain.ResourceTask},
		ActionTaskUpdate: {Category: CategoryUpdate, MinRole: domain.RoleMember},
		ActionTaskDelete: {Category: CategoryDelete, MinRole: domain.RoleMember},

		ActionSubTaskRead:   {Category: CategoryRead, MinRole: domain.RoleObserver},
		ActionSubTaskCreate: {Category: CategoryCreate, MinRole: domain.RoleMember, Quota: domain.ResourceSubTask},
		ActionSubTaskUpdate: {Category: CategoryUpdate, MinRole: domain.RoleMember},
		ActionSubTaskDelete: {Category: CategoryDelete, MinRole: domain.RoleMember},

		ActionLabelCreate: {Category: CategoryCreate, MinRole: domain.RoleMaintainer, Quota: domain.ResourceLabel},
		ActionLabelUpdate: {Category: CategoryUpdate, MinRole: domain.RoleMaintainer},
		ActionLabelDelete: {Category: CategoryDelete, MinRole: domain.RoleMaintainer},

		ActionTaskLabelCreate: {Category: CategoryCreate, MinRole: domain.RoleMember, Quota: domain.ResourceTaskLabel},
		ActionTaskLabelDelete: {Category: CategoryDelete, MinRole: domain.RoleMember},

		ActionChatMessageCreate: {Category: CategoryCreate, MinRole: domain.RoleMember, Quota: domain.ResourceChatMessage},
		ActionChatMessageDelete: {Category: CategoryDelete, MinRole: domain.RoleMaintainer},

		ActionInviteCreate:     {Category: CategoryCreate, MinRole: domain.RoleOwner, Quota: domain.ResourceMembership},
		ActionMembershipUpdate: {Category: CategoryUpdate, MinRole: domain.RoleOwner},
		ActionMembershipDelete: {Category: CategoryDelete, MinRole: domain.RoleOwner},
	}
}

// ChildAction returns the action that governs category for the children of
// a container, e.g. task.create for a section.
func ChildAction(kind domain.ContainerKind, category Category) Action {
	return Action(string(kind.ChildKind()) + "." + string(category))
}

// Resource returns the resource kind an action applies to.
func (a Action) Resource() domain.ResourceKind {
	kind, _, _ := strings.Cut(string(a), ".")
	return domain.ResourceKind(kind)
}

func (t PolicyTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("policy table must be non-empty")
	}
	for action, p := range t {
		switch p.Category {
		case CategoryRead, CategoryCreate, CategoryUpdate, CategoryDelete:
		default:
			return fmt.Errorf("policy %s: unsupported category %q", action, p.Category)
		}
		if Rank(p.MinRole) == 0 {
			return fmt.Errorf("policy %s: unsupported min role %q", action, p.MinRole)
		}
		if p.Quota != "" && p.Category != CategoryCreate {
			return fmt.Errorf("policy %s: quota only applies to create", action)
		}
	}
	return nil
}

// Actions lists the table's actions in sorted order.
func (t PolicyTable) Actions() []Action {
	out := make([]Action, 0, len(t))
	for a := range t {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PolicyOverrides is the operator-facing YAML document. Overrides may only
// tighten or loosen role and plan gating of known actions.
type PolicyOverrides struct {
	Schema  string           `yaml:"schema"`
	Actions []PolicyOverride `yaml:"actions"`
}

type PolicyOverride struct {
	Action         string `yaml:"action"`
	MinRole        string `yaml:"min_role,omitempty"`
	PlanRestricted *bool  `yaml:"plan_restricted,omitempty"`
}

// ParsePolicyOverrides decodes and validates an overrides document.
func ParsePolicyOverrides(input []byte) (PolicyOverrides, error) {
	var doc PolicyOverrides
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return PolicyOverrides{}, fmt.Errorf("decode policy: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != PolicySchemaV1 {
		return PolicyOverrides{}, fmt.Errorf("policy.schema must be %q", PolicySchemaV1)
	}
	seen := make(map[string]struct{}, len(doc.Actions))
	for i, o := range doc.Actions {
		name := strings.TrimSpace(o.Action)
		if name == "" {
			return PolicyOverrides{}, fmt.Errorf("policy.actions[%d].action is required", i)
		}
		if _, ok := seen[name]; ok {
			return PolicyOverrides{}, fmt.Errorf("policy.actions[%d].action must be unique (duplicate %q)", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(o.MinRole) != "" {
			if _, ok := domain.ParseRole(o.MinRole); !ok {
				return PolicyOverrides{}, fmt.Errorf("policy.actions[%d].min_role unsupported: %q", i, o.MinRole)
			}
		}
	}
	return doc, nil
}

// Apply returns a copy of t with overrides applied.
func (t PolicyTable) Apply(doc PolicyOverrides) (PolicyTable, error) {
	out := make(PolicyTable, len(t))
	for a, p := range t {
		out[a] = p
	}
	for i, o := range doc.Actions {
		action := Action(strings.TrimSpace(o.Action))
		p, ok := out[action]
		if !ok {
			return nil, fmt.Errorf("policy.actions[%d]: unknown action %q", i, o.Action)
		}
		if role, ok := domain.ParseRole(o.MinRole); ok {
			p.MinRole = role
		}
		if o.PlanRestricted != nil {
			p.PlanRestricted = *o.PlanRestricted
		}
		out[action] = p
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
