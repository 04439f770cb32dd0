package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, role, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, role, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SetUserRole(ctx context.Context, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2 WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) InsertHandle(ctx context.Context, handle Handle) error {
	branches, err := json.Marshal(nonNilBranches(handle.Branches))
	if err != nil {
		return fmt.Errorf("marshal branches: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handles (id, name, folder_id, document_type, branches, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, handle.ID, handle.Name, handle.FolderID, handle.DocumentType, string(branches), handle.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert handle: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHandle(ctx context.Context, handleID string) (Handle, error) {
	var (
		handle   Handle
		branches []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder_id, document_type, branches, created_by, created_at, updated_at
		FROM handles WHERE id=$1
	`, handleID).Scan(&handle.ID, &handle.Name, &handle.FolderID, &handle.DocumentType, &branches, &handle.CreatedBy, &handle.CreatedAt, &handle.UpdatedAt)
	if err != nil {
		return Handle{}, err
	}
	if err := json.Unmarshal(branches, &handle.Branches); err != nil {
		return Handle{}, fmt.Errorf("decode branches: %w", err)
	}
	return handle, nil
}

func (s *PostgresStore) ListHandles(ctx context.Context, folderID string) ([]Handle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, folder_id, document_type, branches, created_by, created_at, updated_at
		FROM handles
		WHERE ($1 = '' OR folder_id = $1)
		ORDER BY name ASC
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()

	items := make([]Handle, 0)
	for rows.Next() {
		var (
			handle   Handle
			branches []byte
		)
		if err := rows.Scan(&handle.ID, &handle.Name, &handle.FolderID, &handle.DocumentType, &branches, &handle.CreatedBy, &handle.CreatedAt, &handle.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		if err := json.Unmarshal(branches, &handle.Branches); err != nil {
			return nil, fmt.Errorf("decode branches: %w", err)
		}
		items = append(items, handle)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateHandleBranches(ctx context.Context, handleID string, branches []string) error {
	payload, err := json.Marshal(nonNilBranches(branches))
	if err != nil {
		return fmt.Errorf("marshal branches: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE handles SET branches=$2::jsonb, updated_at=NOW() WHERE id=$1`, handleID, string(payload))
	if err != nil {
		return fmt.Errorf("update handle branches: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteHandle(ctx context.Context, handleID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM handles WHERE id=$1`, handleID)
	if err != nil {
		return fmt.Errorf("delete handle: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) ListVariants(ctx context.Context, handleID string) ([]Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle_id, name, state, branch_id, holder, transferable, updated_at
		FROM variants WHERE handle_id=$1
		ORDER BY state ASC
	`, handleID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	items := make([]Variant, 0, 3)
	for rows.Next() {
		var variant Variant
		if err := rows.Scan(&variant.HandleID, &variant.Name, &variant.State, &variant.BranchID, &variant.Holder, &variant.Transferable, &variant.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		items = append(items, variant)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertVariant(ctx context.Context, variant Variant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (handle_id, name, state, branch_id, holder, transferable)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (handle_id, state) DO UPDATE SET
			name=EXCLUDED.name,
			branch_id=EXCLUDED.branch_id,
			holder=EXCLUDED.holder,
			transferable=EXCLUDED.transferable,
			updated_at=NOW()
	`, variant.HandleID, variant.Name, variant.State, variant.BranchID, variant.Holder, variant.Transferable)
	if err != nil {
		return fmt.Errorf("upsert variant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVariant(ctx context.Context, handleID, state string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM variants WHERE handle_id=$1 AND state=$2`, handleID, state); err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertWorkflowEvent(ctx context.Context, event WorkflowEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (handle_id, action, actor_id, branch_id, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.HandleID, event.Action, event.ActorID, event.BranchID, event.Outcome, event.Detail)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkflowEvents(ctx context.Context, handleID string, limit int) ([]WorkflowEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, handle_id, action, actor_id, branch_id, outcome, detail, created_at
		FROM workflow_events
		WHERE handle_id=$1
		ORDER BY id DESC
		LIMIT $2
	`, handleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow events: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowEvent, 0)
	for rows.Next() {
		var event WorkflowEvent
		if err := rows.Scan(&event.ID, &event.HandleID, &event.Action, &event.ActorID, &event.BranchID, &event.Outcome, &event.Detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		items = append(items, event)
	}
	return items, rows.Err()
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nonNilBranches(branches []string) []string {
	if branches == nil {
		return []string{}
	}
	return branches
}
