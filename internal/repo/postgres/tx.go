package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/ordering"
	"github.com/tasklane/tasklane/internal/platform/auditlog"
	"github.com/tasklane/tasklane/internal/repo"
)

// txStore is repo.Tx over one *sql.Tx. Row locks taken here are released
// by commit or rollback only.
type txStore struct {
	queries
}

var _ repo.Tx = (*txStore)(nil)

// Lock takes FOR UPDATE locks on each container row and then on every
// sibling row, container by container in ordering.AcquisitionOrder.
func (t *txStore) Lock(ctx context.Context, refs ...domain.ContainerRef) (*ordering.Lock, error) {
	ordered := ordering.AcquisitionOrder(refs...)
	for _, ref := range ordered {
		tbl, err := tableFor(ref.Kind)
		if err != nil {
			return nil, err
		}
		var locked string
		if err := t.db.QueryRowContext(ctx, tbl.lockParentQuery(), ref.ID).Scan(&locked); err != nil {
			return nil, handleNotFound(err)
		}
		rows, err := t.db.QueryContext(ctx, tbl.lockSiblingsQuery(), ref.ID)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", ref, err)
		}
		// Rows are locked as they are read, so drain the cursor.
		for rows.Next() {
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", ref, err)
		}
	}
	return ordering.NewLock(ordered), nil
}

func (t *txStore) LoadOrder(ctx context.Context, ref domain.ContainerRef) ([]string, error) {
	tbl, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, tbl.loadOrderQuery(), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", ref, err)
	}
	defer rows.Close()
	order := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order %s: %w", ref, err)
		}
		order = append(order, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load order %s: %w", ref, err)
	}
	return order, nil
}

func (t *txStore) LoadPositions(ctx context.Context, ref domain.ContainerRef) ([]int, error) {
	tbl, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, tbl.loadPositionsQuery(), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("load positions %s: %w", ref, err)
	}
	defer rows.Close()
	positions := make([]int, 0)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan position %s: %w", ref, err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load positions %s: %w", ref, err)
	}
	return positions, nil
}

func (t *txStore) StoreOrder(ctx context.Context, ref domain.ContainerRef, ids []string) error {
	tbl, err := tableFor(ref.Kind)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	res, err := t.db.ExecContext(ctx, tbl.storeOrderQuery(), ref.ID, ids)
	if err != nil {
		return fmt.Errorf("store order %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store order %s: %w", ref, err)
	}
	if int(n) != len(ids) {
		return domain.Invariant(fmt.Sprintf("store order %s: updated %d of %d rows", ref, n, len(ids)))
	}
	return nil
}

func (t *txStore) Attach(ctx context.Context, child domain.Child, position int) error {
	if err := child.Validate(); err != nil {
		return domain.Wrap(domain.CodeInvalidArgument, "invalid child", err)
	}
	var (
		query string
		args  []any
	)
	id := strings.TrimSpace(child.ID)
	parent := child.Container.ID
	title := strings.TrimSpace(child.Title)
	switch child.Container.Kind {
	case domain.ContainerWorkspace:
		query = `INSERT INTO boards (board_id, workspace_id, title, position) VALUES ($1,$2,$3,$4)`
		args = []any{id, parent, title, position}
	case domain.ContainerBoard:
		query = `INSERT INTO sections (section_id, board_id, title, position) VALUES ($1,$2,$3,$4)`
		args = []any{id, parent, title, position}
	case domain.ContainerSection:
		query = insertTaskQuery
		args = []any{id, parent, child.Number, title, strings.TrimSpace(child.Description), position}
	case domain.ContainerTask:
		query = `INSERT INTO subtasks (subtask_id, task_id, title, position) VALUES ($1,$2,$3,$4)`
		args = []any{id, parent, title, position}
	default:
		return domain.New(domain.CodeInvalidArgument, fmt.Sprintf("unsupported container kind %q", child.Container.Kind))
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", child.Container.Kind.ChildKind(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s: %w", child.Container.Kind.ChildKind(), err)
	}
	if n != 1 {
		return repo.ErrNotFound
	}
	return nil
}

// insertTaskQuery copies the owning workspace from the section's board so
// task numbers stay unique per workspace.
const insertTaskQuery = `INSERT INTO tasks (task_id, section_id, workspace_id, number, title, description, position)
		SELECT $1::text, s.section_id, b.workspace_id, $3::bigint, $4::text, $5::text, $6::integer
		FROM sections s
		JOIN boards b ON b.board_id = s.board_id
		WHERE s.section_id = $2`

func (t *txStore) Detach(ctx context.Context, ref domain.ContainerRef, id string) error {
	tbl, err := tableFor(ref.Kind)
	if err != nil {
		return err
	}
	res, err := t.db.ExecContext(ctx, tbl.detachQuery(), id, ref.ID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref.Kind.ChildKind(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref.Kind.ChildKind(), err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (t *txStore) ContainerOf(ctx context.Context, kind domain.ResourceKind, id string) (domain.ContainerRef, error) {
	for containerKind, tbl := range childTables {
		if containerKind.ChildKind() != kind {
			continue
		}
		var parent string
		if err := t.db.QueryRowContext(ctx, tbl.containerOfQuery(), strings.TrimSpace(id)).Scan(&parent); err != nil {
			return domain.ContainerRef{}, handleNotFound(err)
		}
		return domain.ContainerRef{Kind: containerKind, ID: parent}, nil
	}
	return domain.ContainerRef{}, domain.New(domain.CodeInvalidArgument, fmt.Sprintf("%s is not an ordered kind", kind))
}

const (
	lockCounterQuery   = `SELECT next_number FROM task_counters WHERE workspace_id = $1 FOR UPDATE`
	maxTaskNumberQuery = `SELECT COALESCE(MAX(number), 0) FROM tasks WHERE workspace_id = $1`
	bumpCounterQuery   = `UPDATE task_counters SET next_number = $1 WHERE workspace_id = $2 AND next_number = $3`
)

// NextTaskNumber is the sequence allocator. The counter row stays locked
// until the surrounding transaction ends, so numbers are handed out in
// commit order and a rollback returns the number to the pool.
func (t *txStore) NextTaskNumber(ctx context.Context, workspaceID string) (int64, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	var current int64
	if err := t.db.QueryRowContext(ctx, lockCounterQuery, workspaceID).Scan(&current); err != nil {
		return 0, handleNotFound(err)
	}
	var maxIssued int64
	if err := t.db.QueryRowContext(ctx, maxTaskNumberQuery, workspaceID).Scan(&maxIssued); err != nil {
		return 0, fmt.Errorf("max task number: %w", err)
	}
	if current < maxIssued {
		return 0, domain.Invariant(fmt.Sprintf("workspace %s counter %d behind issued number %d", workspaceID, current, maxIssued))
	}
	next := current + 1
	res, err := t.db.ExecContext(ctx, bumpCounterQuery, next, workspaceID, current)
	if err != nil {
		return 0, fmt.Errorf("bump task counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bump task counter: %w", err)
	}
	if n != 1 {
		return 0, domain.Invariant(fmt.Sprintf("workspace %s counter moved while locked", workspaceID))
	}
	return next, nil
}

func (t *txStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var task domain.Task
	row := t.db.QueryRowContext(
		ctx,
		`SELECT task_id, section_id, number, title, description, position
		 FROM tasks
		 WHERE task_id = $1
		 FOR UPDATE`,
		strings.TrimSpace(id),
	)
	if err := row.Scan(&task.ID, &task.SectionID, &task.Number, &task.Title, &task.Description, &task.Position); err != nil {
		return domain.Task{}, handleNotFound(err)
	}
	return task, nil
}

// updateTaskQuery never assigns number; the WHERE clause pins the stored
// value so a concurrent change would surface as zero rows.
const updateTaskQuery = `UPDATE tasks SET title = $1, description = $2 WHERE task_id = $3 AND number = $4`

func (t *txStore) UpdateTask(ctx context.Context, task domain.Task) error {
	before, err := t.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := domain.EnsureTaskImmutable(before, task); err != nil {
		return err
	}
	res, err := t.db.ExecContext(ctx, updateTaskQuery, strings.TrimSpace(task.Title), strings.TrimSpace(task.Description), before.ID, before.Number)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n != 1 {
		return domain.Invariant(fmt.Sprintf("task %s number changed underneath update", task.ID))
	}
	return nil
}

func (t *txStore) AppendAudit(ctx context.Context, event auditlog.Event) error {
	_, err := auditlog.Insert(ctx, t.db, event)
	return err
}
