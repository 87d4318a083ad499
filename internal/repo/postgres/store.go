package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tasklane/tasklane/internal/domain"
	pgplatform "github.com/tasklane/tasklane/internal/platform/postgres"
	"github.com/tasklane/tasklane/internal/repo"
)

// Store is the PostgreSQL implementation of repo.Store.
type Store struct {
	queries
	db  *sql.DB
	cfg pgplatform.Config
}

func NewStore(db *sql.DB, cfg pgplatform.Config) *Store {
	if db == nil {
		return nil
	}
	return &Store{queries: queries{db: db}, db: db, cfg: cfg}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return pgplatform.InTx(ctx, s.db, s.cfg, func(sqlTx *sql.Tx) error {
		return fn(ctx, &txStore{queries: queries{db: sqlTx}})
	})
}

const (
	insertWorkspaceQuery = `INSERT INTO workspaces (workspace_id, title, subscription_status, seats)
		VALUES ($1,$2,$3,$4)`
	insertCounterQuery = `INSERT INTO task_counters (workspace_id, next_number) VALUES ($1,$2)`
)

// CreateWorkspace provisions a tenant and its task counter.
func (s *Store) CreateWorkspace(ctx context.Context, ws domain.Workspace) error {
	if err := ws.Validate(); err != nil {
		return err
	}
	status := domain.NormalizeSubscriptionStatus(string(ws.Subscription.Status))
	if status == "" {
		status = domain.SubscriptionUnpaid
	}
	id := strings.TrimSpace(ws.ID)
	return pgplatform.InTx(ctx, s.db, s.cfg, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertWorkspaceQuery, id, strings.TrimSpace(ws.Title), string(status), ws.Subscription.Seats); err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertCounterQuery, id, ws.NextTaskNumber); err != nil {
			return fmt.Errorf("insert task counter: %w", err)
		}
		return nil
	})
}

// Workspace reads a workspace row together with its counter.
func (s *Store) Workspace(ctx context.Context, workspaceID string) (domain.Workspace, error) {
	var (
		ws     domain.Workspace
		status string
	)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT w.workspace_id, w.title, w.subscription_status, w.seats, c.next_number
		 FROM workspaces w
		 JOIN task_counters c ON c.workspace_id = w.workspace_id
		 WHERE w.workspace_id = $1`,
		strings.TrimSpace(workspaceID),
	)
	if err := row.Scan(&ws.ID, &ws.Title, &status, &ws.Subscription.Seats, &ws.NextTaskNumber); err != nil {
		return domain.Workspace{}, handleNotFound(err)
	}
	ws.Subscription.Status = domain.NormalizeSubscriptionStatus(status)
	return ws, nil
}

// PutMembership inserts or replaces a user's role in a workspace.
func (s *Store) PutMembership(ctx context.Context, m domain.Membership) error {
	role, ok := domain.ParseRole(string(m.Role))
	if !ok {
		return fmt.Errorf("unsupported role %q", m.Role)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO memberships (workspace_id, user_id, role) VALUES ($1,$2,$3)
		 ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		strings.TrimSpace(m.WorkspaceID),
		strings.TrimSpace(m.UserID),
		string(role),
	)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// SetSubscription records the billing state pushed by the billing subsystem.
func (s *Store) SetSubscription(ctx context.Context, workspaceID string, sub domain.Subscription) error {
	status := domain.NormalizeSubscriptionStatus(string(sub.Status))
	if status == "" {
		return fmt.Errorf("unsupported subscription status %q", sub.Status)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workspaces SET subscription_status = $1, seats = $2 WHERE workspace_id = $3`,
		string(status),
		sub.Seats,
		strings.TrimSpace(workspaceID),
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Ping backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
