package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents a single audit log entry.
type Entry struct {
	ID        string          `json:"id"`
	UserID    *string         `json:"user_id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}

// ListParams holds the query filters for listing audit entries.
type ListParams struct {
	UserID string
	Action string
	Limit  int
	Offset int
}

// Store provides CRUD operations for the audit_log table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new audit Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert records a new audit log entry.
func (s *Store) Insert(ctx context.Context, userID *string, action, resource string, details json.RawMessage) error {
	if details == nil {
		details = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (user_id, action, resource, details) VALUES ($1, $2, $3, $4)`,
		userID, action, resource, details,
	)
	return err
}

// List returns audit log entries matching the given filters.
func (s *Store) List(ctx context.Context, params ListParams) ([]Entry, error) {
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 50
	}

	query := `SELECT id, user_id, action, resource, details, timestamp FROM audit_log WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.UserID != "" {
		query += ` AND user_id = $` + strconv.Itoa(argIdx)
		args = append(args, params.UserID)
		argIdx++
	}
	if params.Action != "" {
		query += ` AND action = $` + strconv.Itoa(argIdx)
		args = append(args, params.Action)
		argIdx++
	}
	query += ` ORDER BY timestamp DESC LIMIT $` + strconv.Itoa(argIdx) + ` OFFSET $` + strconv.Itoa(argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
