// ABOUTME: SQLite store methods for conversation traces
// ABOUTME: All trace writes are keyed strictly by trace ID, never by user alone

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateTrace inserts a new trace row. Returns ErrDuplicateTrace if the ID exists.
func (s *SQLiteStore) CreateTrace(ctx context.Context, trace *Trace) error {
	query := `
		INSERT INTO traces (
			id, user_id, agent_code, agent_kind, status,
			interactions, external_calls, estimated_units,
			sentiment, feedback_text, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		trace.ID,
		trace.UserID,
		trace.AgentCode,
		string(trace.AgentKind),
		string(trace.Status),
		trace.Interactions,
		trace.ExternalCalls,
		trace.EstimatedUnits,
		trace.Sentiment,
		trace.FeedbackText,
		trace.CreatedAt.UTC().Format(time.RFC3339),
		trace.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTrace
		}
		return fmt.Errorf("inserting trace: %w", err)
	}

	s.logger.Debug("trace created",
		"trace_id", trace.ID,
		"user_id", trace.UserID,
		"agent_kind", trace.AgentKind,
	)
	return nil
}

// GetTrace retrieves a trace by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	query := `
		SELECT id, user_id, agent_code, agent_kind, status,
		       interactions, external_calls, estimated_units,
		       sentiment, feedback_text, created_at, updated_at
		FROM traces
		WHERE id = ?
	`
	return s.scanTrace(s.db.QueryRowContext(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanTrace(row rowScanner) (*Trace, error) {
	var trace Trace
	var createdAt, updatedAt string
	err := row.Scan(
		&trace.ID,
		&trace.UserID,
		&trace.AgentCode,
		&trace.AgentKind,
		&trace.Status,
		&trace.Interactions,
		&trace.ExternalCalls,
		&trace.EstimatedUnits,
		&trace.Sentiment,
		&trace.FeedbackText,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trace: %w", err)
	}

	if trace.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if trace.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &trace, nil
}

// AddTraceActivity increments the running counters for a trace. Counters only
// ever grow; the deltas are added, never assigned. Returns ErrNotFound when
// the trace does not exist so callers can decide whether that matters.
func (s *SQLiteStore) AddTraceActivity(ctx context.Context, traceID string, turns, calls, units int64) error {
	query := `
		UPDATE traces SET
			interactions = interactions + ?,
			external_calls = external_calls + ?,
			estimated_units = estimated_units + ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		turns, calls, units,
		time.Now().UTC().Format(time.RFC3339),
		traceID,
	)
	if err != nil {
		return fmt.Errorf("updating trace counters: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTrace marks a trace Completed and records sentiment. Calling it
// again overwrites sentiment but the status stays Completed.
func (s *SQLiteStore) CompleteTrace(ctx context.Context, traceID, sentiment, feedbackText string) error {
	query := `
		UPDATE traces SET
			status = ?,
			sentiment = ?,
			feedback_text = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(TraceStatusCompleted),
		sentiment,
		feedbackText,
		time.Now().UTC().Format(time.RFC3339),
		traceID,
	)
	if err != nil {
		return fmt.Errorf("completing trace: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("trace completed", "trace_id", traceID, "sentiment", sentiment)
	return nil
}

// ListTracesByUser returns all traces for a user, oldest first.
func (s *SQLiteStore) ListTracesByUser(ctx context.Context, userID string) ([]*Trace, error) {
	query := `
		SELECT id, user_id, agent_code, agent_kind, status,
		       interactions, external_calls, estimated_units,
		       sentiment, feedback_text, created_at, updated_at
		FROM traces
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var traces []*Trace
	for rows.Next() {
		trace, err := s.scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trace rows: %w", err)
	}
	return traces, nil
}
