package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps history in assistant_conversation_turn so sessions
// survive restarts and are shared between API replicas.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, entries []Entry, keep int) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
INSERT INTO assistant_conversation_turn (session_id, role, content, created_at)
VALUES ($1, $2, $3, $4)`
	for _, entry := range entries {
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, insert, sessionID, entry.Role, entry.Content, createdAt); err != nil {
			return fmt.Errorf("insert %s turn: %w", entry.Role, err)
		}
	}

	if keep > 0 {
		trim := `
DELETE FROM assistant_conversation_turn
WHERE session_id = $1 AND turn_id NOT IN (
	SELECT turn_id FROM assistant_conversation_turn
	WHERE session_id = $1
	ORDER BY turn_id DESC
	LIMIT $2
)`
		if _, err := tx.ExecContext(ctx, trim, sessionID, keep); err != nil {
			return fmt.Errorf("trim session history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, created_at
FROM assistant_conversation_turn
WHERE session_id = $1
ORDER BY turn_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Role, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history turn: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assistant_conversation_turn WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session history: %w", err)
	}
	return nil
}
