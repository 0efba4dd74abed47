// ABOUTME: SQLite store methods for conversation sessions
// ABOUTME: Sessions are keyed by user identity; idle expiry is enforced by the session layer

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSession retrieves a session by user ID. Returns ErrNotFound if absent.
// Expiry is a policy concern of the session layer; this returns whatever
// row is physically present.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	query := `
		SELECT user_id, state, agent_code, display_name, agent_kind,
		       active_trace_id, last_seq, created_at, updated_at
		FROM sessions
		WHERE user_id = ?
	`

	var sess Session
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&sess.UserID,
		&sess.State,
		&sess.AgentCode,
		&sess.DisplayName,
		&sess.AgentKind,
		&sess.ActiveTraceID,
		&sess.LastSeq,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

// PutSession inserts or replaces the session row for sess.UserID.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (
			user_id, state, agent_code, display_name, agent_kind,
			active_trace_id, last_seq, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			agent_code = excluded.agent_code,
			display_name = excluded.display_name,
			agent_kind = excluded.agent_kind,
			active_trace_id = excluded.active_trace_id,
			last_seq = excluded.last_seq,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.UserID,
		string(sess.State),
		sess.AgentCode,
		sess.DisplayName,
		string(sess.AgentKind),
		sess.ActiveTraceID,
		sess.LastSeq,
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	s.logger.Debug("session saved",
		"user_id", sess.UserID,
		"state", sess.State,
		"active_trace_id", sess.ActiveTraceID,
	)
	return nil
}

// DeleteSessionsIdleBefore physically removes sessions not touched since cutoff.
// Used by the background sweep; reads already treat such rows as absent.
func (s *SQLiteStore) DeleteSessionsIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting idle sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("swept idle sessions", "count", n)
	}
	return n, nil
}
