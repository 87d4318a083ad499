package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ContainerKind names an entity that owns an ordered list of children.
type ContainerKind string

const (
	ContainerWorkspace ContainerKind = "workspace"
	ContainerBoard     ContainerKind = "board"
	ContainerSection   ContainerKind = "section"
	ContainerTask      ContainerKind = "task"
)

// ChildKind reports which entity kind lives inside a container of kind k.
func (k ContainerKind) ChildKind() ResourceKind {
	switch k {
	case ContainerWorkspace:
		return ResourceBoard
	case ContainerBoard:
		return ResourceSection
	case ContainerSection:
		return ResourceTask
	case ContainerTask:
		return ResourceSubTask
	default:
		return ""
	}
}

func (k ContainerKind) Valid() bool {
	return k.ChildKind() != ""
}

// ContainerRef identifies one ordered sibling list.
type ContainerRef struct {
	Kind ContainerKind
	ID   string
}

func (r ContainerRef) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unsupported container kind %q", r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("container id is required")
	}
	return nil
}

func (r ContainerRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Less orders refs by kind then id. Lock acquisition follows this order.
func (r ContainerRef) Less(other ContainerRef) bool {
	if r.Kind != other.Kind {
		return r.Kind < other.Kind
	}
	return r.ID < other.ID
}

// ResourceKind is a countable entity kind. Quotas are keyed by it.
type ResourceKind string

const (
	ResourceWorkspace   ResourceKind = "workspace"
	ResourceBoard       ResourceKind = "board"
	ResourceSection     ResourceKind = "section"
	ResourceTask        ResourceKind = "task"
	ResourceSubTask     ResourceKind = "subtask"
	ResourceMembership  ResourceKind = "membership"
	ResourceChatMessage ResourceKind = "chat_message"
	ResourceLabel       ResourceKind = "label"
	ResourceTaskLabel   ResourceKind = "task_label"
)

// AsContainer maps a child-owning resource kind back to its container kind.
func (k ResourceKind) AsContainer() (ContainerKind, bool) {
	switch k {
	case ResourceWorkspace:
		return ContainerWorkspace, true
	case ResourceBoard:
		return ContainerBoard, true
	case ResourceSection:
		return ContainerSection, true
	case ResourceTask:
		return ContainerTask, true
	default:
		return "", false
	}
}

// Target is the object an action is evaluated against.
type Target struct {
	Kind ResourceKind
	ID   string
}

func TargetOf(ref ContainerRef) Target {
	switch ref.Kind {
	case ContainerWorkspace:
		return Target{Kind: ResourceWorkspace, ID: ref.ID}
	case ContainerBoard:
		return Target{Kind: ResourceBoard, ID: ref.ID}
	case ContainerSection:
		return Target{Kind: ResourceSection, ID: ref.ID}
	case ContainerTask:
		return Target{Kind: ResourceTask, ID: ref.ID}
	default:
		return Target{}
	}
}
