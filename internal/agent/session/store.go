package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neboloop/vox/internal/db"
)

// DefaultSessionID names the single interactive conversation.
const DefaultSessionID = "interactive"

// Store persists exported histories so a restart can re-import them.
type Store struct {
	store *db.Store
}

// NewStore wraps the shared database.
func NewStore(store *db.Store) *Store {
	return &Store{store: store}
}

// Save replaces the persisted messages of sessionID.
func (s *Store) Save(ctx context.Context, sessionID string, msgs []Message) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		for i, m := range msgs {
			var calls sql.NullString
			if len(m.ToolCalls) > 0 {
				raw, err := json.Marshal(m.ToolCalls)
				if err != nil {
					return fmt.Errorf("encode tool calls: %w", err)
				}
				calls = sql.NullString{String: string(raw), Valid: true}
			}
			created := m.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO session_messages
				(session_id, seq, role, content, tool_calls, tool_call_id, is_error, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				sessionID, i, string(m.Role), m.Content, calls, m.ToolCallID, m.IsError, created.UnixMilli())
			if err != nil {
				return fmt.Errorf("insert message %d: %w", i, err)
			}
		}
		return nil
	})
}

// Load returns the persisted messages of sessionID in order.
func (s *Store) Load(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.store.DB().QueryContext(ctx, `SELECT role, content, tool_calls, tool_call_id, is_error, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			role    string
			calls   sql.NullString
			created int64
		)
		if err := rows.Scan(&role, &m.Content, &calls, &m.ToolCallID, &m.IsError, &created); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(created)
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
