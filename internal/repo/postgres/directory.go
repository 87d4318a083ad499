package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/repo"
)

// queries holds the read side shared by Store and txStore.
type queries struct {
	db DB
}

const selectMembershipQuery = `SELECT role FROM memberships WHERE workspace_id = $1 AND user_id = $2`

func (q queries) Membership(ctx context.Context, workspaceID, userID string) (domain.Membership, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	userID = strings.TrimSpace(userID)
	if workspaceID == "" || userID == "" {
		return domain.Membership{}, repo.ErrNotFound
	}
	var role string
	if err := q.db.QueryRowContext(ctx, selectMembershipQuery, workspaceID, userID).Scan(&role); err != nil {
		return domain.Membership{}, handleNotFound(err)
	}
	return domain.Membership{WorkspaceID: workspaceID, UserID: userID, Role: domain.Role(role)}, nil
}

func (q queries) Subscription(ctx context.Context, workspaceID string) (domain.Subscription, error) {
	var (
		status string
		seats  int
	)
	row := q.db.QueryRowContext(
		ctx,
		`SELECT subscription_status, seats FROM workspaces WHERE workspace_id = $1`,
		strings.TrimSpace(workspaceID),
	)
	if err := row.Scan(&status, &seats); err != nil {
		return domain.Subscription{}, handleNotFound(err)
	}
	return domain.Subscription{Status: domain.NormalizeSubscriptionStatus(status), Seats: seats}, nil
}

var countResourceQueries = map[domain.ResourceKind]string{
	domain.ResourceBoard: `SELECT COUNT(*) FROM boards WHERE workspace_id = $1`,
	domain.ResourceSection: `SELECT COUNT(*) FROM sections s
		JOIN boards b ON b.board_id = s.board_id
		WHERE b.workspace_id = $1`,
	domain.ResourceTask: `SELECT COUNT(*) FROM tasks WHERE workspace_id = $1`,
	domain.ResourceSubTask: `SELECT COUNT(*) FROM subtasks st
		JOIN tasks t ON t.task_id = st.task_id
		WHERE t.workspace_id = $1`,
	domain.ResourceMembership: `SELECT
		(SELECT COUNT(*) FROM memberships WHERE workspace_id = $1) +
		(SELECT COUNT(*) FROM invites WHERE workspace_id = $1 AND NOT redeemed)`,
	domain.ResourceChatMessage: `SELECT COUNT(*) FROM chat_messages m
		JOIN tasks t ON t.task_id = m.task_id
		WHERE t.workspace_id = $1`,
	domain.ResourceLabel: `SELECT COUNT(*) FROM labels WHERE workspace_id = $1`,
	domain.ResourceTaskLabel: `SELECT COUNT(*) FROM task_labels tl
		JOIN labels l ON l.label_id = tl.label_id
		WHERE l.workspace_id = $1`,
}

func (q queries) CountResources(ctx context.Context, workspaceID string, kind domain.ResourceKind) (int, error) {
	query, ok := countResourceQueries[kind]
	if !ok {
		return 0, fmt.Errorf("no counter for resource kind %q", kind)
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, strings.TrimSpace(workspaceID)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

var workspaceOfQueries = map[domain.ResourceKind]string{
	domain.ResourceWorkspace: `SELECT workspace_id FROM workspaces WHERE workspace_id = $1`,
	domain.ResourceBoard:     `SELECT workspace_id FROM boards WHERE board_id = $1`,
	domain.ResourceSection: `SELECT b.workspace_id FROM sections s
		JOIN boards b ON b.board_id = s.board_id
		WHERE s.section_id = $1`,
	domain.ResourceTask: `SELECT workspace_id FROM tasks WHERE task_id = $1`,
	domain.ResourceSubTask: `SELECT t.workspace_id FROM subtasks st
		JOIN tasks t ON t.task_id = st.task_id
		WHERE st.subtask_id = $1`,
	domain.ResourceLabel: `SELECT workspace_id FROM labels WHERE label_id = $1`,
	domain.ResourceChatMessage: `SELECT t.workspace_id FROM chat_messages m
		JOIN tasks t ON t.task_id = m.task_id
		WHERE m.message_id = $1`,
}

func (q queries) WorkspaceOf(ctx context.Context, target domain.Target) (string, error) {
	query, ok := workspaceOfQueries[target.Kind]
	if !ok {
		return "", repo.ErrNotFound
	}
	id := strings.TrimSpace(target.ID)
	if id == "" {
		return "", repo.ErrNotFound
	}
	var workspaceID string
	if err := q.db.QueryRowContext(ctx, query, id).Scan(&workspaceID); err != nil {
		return "", handleNotFound(err)
	}
	return workspaceID, nil
}
