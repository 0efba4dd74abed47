// ABOUTME: SQLite store methods for agent session bindings
// ABOUTME: One binding per trace ID, created once, mutated only for last_message_at and inert

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateBinding inserts the binding for a trace. A trace holds at most one
// live binding: inserting over a live one returns ErrDuplicateBinding, while
// an inert row (a session the platform forgot) is replaced in place.
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *AgentBinding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.LastMessageAt.IsZero() {
		b.LastMessageAt = b.CreatedAt
	}

	query := `
		INSERT INTO agent_bindings (
			trace_id, external_session_id, agent_kind, opened, inert, created_at, last_message_at
		)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			external_session_id = excluded.external_session_id,
			agent_kind = excluded.agent_kind,
			opened = 0,
			inert = 0,
			last_message_at = excluded.last_message_at
		WHERE agent_bindings.inert = 1
	`

	res, err := s.db.ExecContext(ctx, query,
		b.TraceID,
		b.ExternalSessionID,
		string(b.AgentKind),
		boolToInt(b.Inert),
		b.CreatedAt.UTC().Format(time.RFC3339),
		b.LastMessageAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateBinding
	}

	s.logger.Debug("agent binding created",
		"trace_id", b.TraceID,
		"external_session_id", b.ExternalSessionID,
	)
	return nil
}

// GetBinding retrieves the binding for a trace. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetBinding(ctx context.Context, traceID string) (*AgentBinding, error) {
	query := `
		SELECT trace_id, external_session_id, agent_kind, opened, inert, created_at, last_message_at
		FROM agent_bindings
		WHERE trace_id = ?
	`

	var b AgentBinding
	var opened, inert int
	var createdAt, lastMessageAt string
	err := s.db.QueryRowContext(ctx, query, traceID).Scan(
		&b.TraceID,
		&b.ExternalSessionID,
		&b.AgentKind,
		&opened,
		&inert,
		&createdAt,
		&lastMessageAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying binding: %w", err)
	}

	b.Opened = opened != 0
	b.Inert = inert != 0
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.LastMessageAt, err = time.Parse(time.RFC3339, lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	return &b, nil
}

// TouchBinding updates last_message_at for a trace's binding.
func (s *SQLiteStore) TouchBinding(ctx context.Context, traceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_bindings SET last_message_at = ? WHERE trace_id = ?`,
		at.UTC().Format(time.RFC3339),
		traceID,
	)
	if err != nil {
		return fmt.Errorf("touching binding: %w", err)
	}
	return nil
}

// MarkBindingOpened records that the binding's session has completed its
// opening exchange.
func (s *SQLiteStore) MarkBindingOpened(ctx context.Context, traceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_bindings SET opened = 1 WHERE trace_id = ?`,
		traceID,
	)
	if err != nil {
		return fmt.Errorf("marking binding opened: %w", err)
	}
	return nil
}

// MarkBindingInert flags a binding as inert. The row is kept for audit.
// Idempotent: marking an already-inert or missing binding is not an error.
func (s *SQLiteStore) MarkBindingInert(ctx context.Context, traceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_bindings SET inert = 1 WHERE trace_id = ?`,
		traceID,
	)
	if err != nil {
		return fmt.Errorf("marking binding inert: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
