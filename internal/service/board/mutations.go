package board

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tasklane/tasklane/internal/access"
	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/ordering"
	"github.com/tasklane/tasklane/internal/platform/auditlog"
	"github.com/tasklane/tasklane/internal/platform/changefeed"
	"github.com/tasklane/tasklane/internal/repo"
)

// CreateChild inserts a new child into container and returns its id.
// Children of a section are tasks and get the next workspace task number.
func (s *Service) CreateChild(ctx context.Context, actor access.Actor, container domain.ContainerRef, attrs Attrs) (string, error) {
	ctx, op := s.begin(ctx, "CreateChild", attribute.String("tasklane.container", container.String()))
	id, err := s.createChild(ctx, op, actor, container, attrs)
	return id, op.end(ctx, err)
}

func (s *Service) createChild(ctx context.Context, op *operation, actor access.Actor, container domain.ContainerRef, attrs Attrs) (string, error) {
	if err := validateRef(container); err != nil {
		return "", err
	}
	if err := validateID("title", attrs.Title); err != nil {
		return "", err
	}
	action := access.ChildAction(container.Kind, access.CategoryCreate)
	decision, err := s.authorize(ctx, actor, domain.TargetOf(container), action)
	if err != nil {
		return "", err
	}

	child := domain.Child{
		ID:          s.newID(),
		Container:   container,
		Title:       attrs.Title,
		Description: attrs.Description,
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		lock, err := tx.Lock(ctx, container)
		if err != nil {
			return err
		}
		if container.Kind == domain.ContainerSection {
			number, err := tx.NextTaskNumber(ctx, decision.WorkspaceID)
			if err != nil {
				return err
			}
			child.Number = number
		}
		position, err := ordering.NewContainer(tx).Insert(ctx, lock, child, attrs.target())
		if err != nil {
			return err
		}
		payload := map[string]any{
			"container": container.String(),
			"position":  position,
			"title":     child.Title,
		}
		if child.Number > 0 {
			payload["number"] = child.Number
		}
		return tx.AppendAudit(ctx, s.auditEvent(op, decision, actor, action, child.ID, payload))
	})
	if err != nil {
		return "", err
	}
	s.notify(ctx, changefeed.Change{
		OperationID: op.opID,
		WorkspaceID: decision.WorkspaceID,
		Container:   container,
		Kind:        changefeed.KindCreated,
		ItemID:      child.ID,
	})
	return child.ID, nil
}

// MoveWithin relocates itemID to targetIndex inside container. Moving an
// item to its current index commits without rewriting the order.
func (s *Service) MoveWithin(ctx context.Context, actor access.Actor, container domain.ContainerRef, itemID string, targetIndex int) error {
	ctx, op := s.begin(ctx, "MoveWithin",
		attribute.String("tasklane.container", container.String()),
		attribute.String("tasklane.item_id", itemID),
		attribute.Int("tasklane.target_index", targetIndex),
	)
	return op.end(ctx, s.moveWithin(ctx, op, actor, container, itemID, targetIndex))
}

func (s *Service) moveWithin(ctx context.Context, op *operation, actor access.Actor, container domain.ContainerRef, itemID string, targetIndex int) error {
	if err := validateRef(container); err != nil {
		return err
	}
	if err := validateID("item id", itemID); err != nil {
		return err
	}
	action := access.ChildAction(container.Kind, access.CategoryUpdate)
	decision, err := s.authorize(ctx, actor, domain.TargetOf(container), action)
	if err != nil {
		return err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		lock, err := tx.Lock(ctx, container)
		if err != nil {
			return err
		}
		if err := requireChildOf(ctx, tx, container, itemID); err != nil {
			return err
		}
		if err := ordering.NewContainer(tx).MoveWithin(ctx, lock, container, itemID, targetIndex); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, s.auditEvent(op, decision, actor, moveAction(container.Kind), itemID, map[string]any{
			"container":    container.String(),
			"target_index": targetIndex,
		}))
	})
	if err != nil {
		return err
	}
	s.notify(ctx, changefeed.Change{
		OperationID: op.opID,
		WorkspaceID: decision.WorkspaceID,
		Container:   container,
		Kind:        changefeed.KindMoved,
		ItemID:      itemID,
	})
	return nil
}

// MoveAcross moves itemID from source to dest at targetIndex. Both
// containers must be of the same kind and belong to the same workspace.
func (s *Service) MoveAcross(ctx context.Context, actor access.Actor, source domain.ContainerRef, itemID string, dest domain.ContainerRef, targetIndex int) error {
	ctx, op := s.begin(ctx, "MoveAcross",
		attribute.String("tasklane.container", source.String()),
		attribute.String("tasklane.dest", dest.String()),
		attribute.String("tasklane.item_id", itemID),
		attribute.Int("tasklane.target_index", targetIndex),
	)
	return op.end(ctx, s.moveAcross(ctx, op, actor, source, itemID, dest, targetIndex))
}

func (s *Service) moveAcross(ctx context.Context, op *operation, actor access.Actor, source domain.ContainerRef, itemID string, dest domain.ContainerRef, targetIndex int) error {
	if source == dest {
		return s.moveWithin(ctx, op, actor, source, itemID, targetIndex)
	}
	if err := validateRef(source); err != nil {
		return err
	}
	if err := validateRef(dest); err != nil {
		return err
	}
	if err := validateID("item id", itemID); err != nil {
		return err
	}
	if source.Kind != dest.Kind {
		return domain.New(domain.CodeInvalidArgument, "source and destination must be the same container kind")
	}
	action := access.ChildAction(source.Kind, access.CategoryUpdate)
	decision, err := s.authorize(ctx, actor, domain.TargetOf(source), action)
	if err != nil {
		return err
	}
	destDecision, err := s.authorize(ctx, actor, domain.TargetOf(dest), action)
	if err != nil {
		return err
	}
	if destDecision.WorkspaceID != decision.WorkspaceID {
		return domain.New(domain.CodeInvalidArgument, "cannot move between workspaces")
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		lock, err := tx.Lock(ctx, source, dest)
		if err != nil {
			return err
		}
		if err := requireChildOf(ctx, tx, source, itemID); err != nil {
			return err
		}
		if err := ordering.NewContainer(tx).MoveAcross(ctx, lock, source, itemID, dest, targetIndex); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, s.auditEvent(op, decision, actor, moveAction(source.Kind), itemID, map[string]any{
			"from":         source.String(),
			"container":    dest.String(),
			"target_index": targetIndex,
		}))
	})
	if err != nil {
		return err
	}
	from := source
	s.notify(ctx, changefeed.Change{
		OperationID: op.opID,
		WorkspaceID: decision.WorkspaceID,
		Container:   dest,
		From:        &from,
		Kind:        changefeed.KindMoved,
		ItemID:      itemID,
	})
	return nil
}

// DeleteChild removes itemID, and everything below it, from container.
func (s *Service) DeleteChild(ctx context.Context, actor access.Actor, container domain.ContainerRef, itemID string) error {
	ctx, op := s.begin(ctx, "DeleteChild",
		attribute.String("tasklane.container", container.String()),
		attribute.String("tasklane.item_id", itemID),
	)
	return op.end(ctx, s.deleteChild(ctx, op, actor, container, itemID))
}

func (s *Service) deleteChild(ctx context.Context, op *operation, actor access.Actor, container domain.ContainerRef, itemID string) error {
	if err := validateRef(container); err != nil {
		return err
	}
	if err := validateID("item id", itemID); err != nil {
		return err
	}
	action := access.ChildAction(container.Kind, access.CategoryDelete)
	decision, err := s.authorize(ctx, actor, domain.TargetOf(container), action)
	if err != nil {
		return err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		lock, err := tx.Lock(ctx, container)
		if err != nil {
			return err
		}
		if err := requireChildOf(ctx, tx, container, itemID); err != nil {
			return err
		}
		if err := ordering.NewContainer(tx).Delete(ctx, lock, container, itemID); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, s.auditEvent(op, decision, actor, action, itemID, map[string]any{
			"container": container.String(),
		}))
	})
	if err != nil {
		return err
	}
	s.notify(ctx, changefeed.Change{
		OperationID: op.opID,
		WorkspaceID: decision.WorkspaceID,
		Container:   container,
		Kind:        changefeed.KindDeleted,
		ItemID:      itemID,
	})
	return nil
}

// UpdateTask applies patch to a task's editable fields. A patch that
// touches Number is rejected with CodeImmutableField, whatever the role.
func (s *Service) UpdateTask(ctx context.Context, actor access.Actor, taskID string, patch TaskPatch) (domain.Task, error) {
	ctx, op := s.begin(ctx, "UpdateTask", attribute.String("tasklane.item_id", taskID))
	task, err := s.updateTask(ctx, op, actor, taskID, patch)
	return task, op.end(ctx, err)
}

func (s *Service) updateTask(ctx context.Context, op *operation, actor access.Actor, taskID string, patch TaskPatch) (domain.Task, error) {
	if err := validateID("task id", taskID); err != nil {
		return domain.Task{}, err
	}
	if patch.Title != nil {
		if err := validateID("title", *patch.Title); err != nil {
			return domain.Task{}, err
		}
	}
	decision, err := s.authorize(ctx, actor, domain.Target{Kind: domain.ResourceTask, ID: taskID}, access.ActionTaskUpdate)
	if err != nil {
		return domain.Task{}, err
	}

	var updated domain.Task
	var section domain.ContainerRef
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		ref, err := tx.ContainerOf(ctx, domain.ResourceTask, taskID)
		if err != nil {
			return err
		}
		// Holding the section lock keeps the task from moving or being
		// deleted underneath the update.
		if _, err := tx.Lock(ctx, ref); err != nil {
			return err
		}
		if err := requireChildOf(ctx, tx, ref, taskID); err != nil {
			return err
		}
		section = ref
		before, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		after := before
		if patch.Title != nil {
			after.Title = *patch.Title
		}
		if patch.Description != nil {
			after.Description = *patch.Description
		}
		if patch.Number != nil {
			after.Number = *patch.Number
		}
		if err := domain.EnsureTaskImmutable(before, after); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, after); err != nil {
			return err
		}
		updated = after
		return tx.AppendAudit(ctx, s.auditEvent(op, decision, actor, access.ActionTaskUpdate, taskID, map[string]any{
			"number":      after.Number,
			"title":       after.Title,
			"description": after.Description,
		}))
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.notify(ctx, changefeed.Change{
		OperationID: op.opID,
		WorkspaceID: decision.WorkspaceID,
		Container:   section,
		Kind:        changefeed.KindUpdated,
		ItemID:      taskID,
	})
	return updated, nil
}

// Children returns the ids of container's children in position order.
func (s *Service) Children(ctx context.Context, actor access.Actor, container domain.ContainerRef) ([]string, error) {
	ctx, op := s.begin(ctx, "Children", attribute.String("tasklane.container", container.String()))
	ids, err := s.children(ctx, actor, container)
	if err != nil {
		return nil, op.end(ctx, err)
	}
	op.span.End()
	return ids, nil
}

func (s *Service) children(ctx context.Context, actor access.Actor, container domain.ContainerRef) ([]string, error) {
	if err := validateRef(container); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, actor, domain.TargetOf(container), access.ChildAction(container.Kind, access.CategoryRead)); err != nil {
		return nil, err
	}
	var ids []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		order, err := tx.LoadOrder(ctx, container)
		if err != nil {
			return err
		}
		ids = order
		return nil
	})
	return ids, err
}

func (s *Service) auditEvent(op *operation, decision access.Decision, actor access.Actor, action access.Action, resourceID string, payload map[string]any) auditlog.Event {
	return auditlog.Event{
		OccurredAt:   s.now(),
		OperationID:  op.opID,
		WorkspaceID:  decision.WorkspaceID,
		Actor:        actor.UserID,
		Action:       string(action),
		ResourceType: string(decision.Action.Resource()),
		ResourceID:   resourceID,
		Payload:      payload,
	}
}

func moveAction(kind domain.ContainerKind) access.Action {
	return access.Action(string(kind.ChildKind()) + ".move")
}
