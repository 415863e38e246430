package presence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SessionRepository records live connections outside the process. The
// in-memory Registry stays authoritative for delivery; this table is what a
// second node would read to route to users it does not hold.
type SessionRepository interface {
	AddSession(ctx context.Context, userID, connID uuid.UUID, nodeID string) error
	RemoveSession(ctx context.Context, userID, connID uuid.UUID) error
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID, connID uuid.UUID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (user_id, conn_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (conn_id) DO UPDATE
		SET user_id = $1, node_id = $3, connected_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, userID, connID, nodeID); err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, userID, connID uuid.UUID) error {
	query := `DELETE FROM active_sessions WHERE user_id = $1 AND conn_id = $2`
	if _, err := r.db.ExecContext(ctx, query, userID, connID); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}

// ClearNode deletes the sessions a node left behind, e.g. after a crash.
func (r *PostgresRepository) ClearNode(ctx context.Context, nodeID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear node sessions: %w", err)
	}
	return res.RowsAffected()
}
