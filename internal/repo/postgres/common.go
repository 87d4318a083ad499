package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables the store needs. It is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// childTable describes where the children of one container kind live.
type childTable struct {
	table       string
	idCol       string
	parentCol   string
	parentTable string
	parentIDCol string
}

var childTables = map[domain.ContainerKind]childTable{
	domain.ContainerWorkspace: {table: "boards", idCol: "board_id", parentCol: "workspace_id", parentTable: "workspaces", parentIDCol: "workspace_id"},
	domain.ContainerBoard:     {table: "sections", idCol: "section_id", parentCol: "board_id", parentTable: "boards", parentIDCol: "board_id"},
	domain.ContainerSection:   {table: "tasks", idCol: "task_id", parentCol: "section_id", parentTable: "sections", parentIDCol: "section_id"},
	domain.ContainerTask:      {table: "subtasks", idCol: "subtask_id", parentCol: "task_id", parentTable: "tasks", parentIDCol: "task_id"},
}

func tableFor(kind domain.ContainerKind) (childTable, error) {
	t, ok := childTables[kind]
	if !ok {
		return childTable{}, domain.New(domain.CodeInvalidArgument, fmt.Sprintf("unsupported container kind %q", kind))
	}
	return t, nil
}

func (t childTable) lockParentQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 FOR UPDATE`, t.parentIDCol, t.parentTable, t.parentIDCol)
}

func (t childTable) lockSiblingsQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s FOR UPDATE`, t.idCol, t.table, t.parentCol, t.idCol)
}

func (t childTable) loadOrderQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY position, %s`, t.idCol, t.table, t.parentCol, t.idCol)
}

func (t childTable) loadPositionsQuery() string {
	return fmt.Sprintf(`SELECT position FROM %s WHERE %s = $1`, t.table, t.parentCol)
}

// storeOrderQuery rewrites container reference and position of every listed
// child in a single statement.
func (t childTable) storeOrderQuery() string {
	return fmt.Sprintf(`UPDATE %s AS c
		SET %s = $1, position = v.ord - 1
		FROM unnest($2::text[]) WITH ORDINALITY AS v(id, ord)
		WHERE c.%s = v.id`, t.table, t.parentCol, t.idCol)
}

func (t childTable) detachQuery() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2`, t.table, t.idCol, t.parentCol)
}

func (t childTable) containerOfQuery() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, t.parentCol, t.table, t.idCol)
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
