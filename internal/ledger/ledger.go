// ABOUTME: Trace ledger - one row per agent interaction, keyed by trace ID.
// ABOUTME: Activity counters accumulate per trace; feedback completes the trace.

// Package ledger records agent interactions. Every interaction gets exactly
// one trace, created when the user picks an agent and completed when they
// leave feedback. Counters (user turns, external calls, estimated units)
// accumulate against the trace ID alone, so two interactions with the same
// agent never bleed into one row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentline/gateway/internal/analytics"
	"github.com/agentline/gateway/internal/store"
)

// ErrTraceExists reports an attempt to start a trace under an ID already in
// the ledger.
var ErrTraceExists = errors.New("trace already exists")

// Ledger owns trace rows in the store and mirrors lifecycle events to the
// analytics sink.
type Ledger struct {
	store store.Store
	sink  analytics.Sink
}

// New creates a Ledger. sink may be analytics.Noop.
func New(s store.Store, sink analytics.Sink) *Ledger {
	return &Ledger{store: s, sink: sink}
}

// StartTrace opens a pending trace for a new agent interaction.
func (l *Ledger) StartTrace(ctx context.Context, traceID, userID, agentCode string, kind store.AgentKind) error {
	now := time.Now().UTC()
	tr := &store.Trace{
		ID:        traceID,
		UserID:    userID,
		AgentCode: agentCode,
		AgentKind: kind,
		Status:    store.TraceStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateTrace(ctx, tr); err != nil {
		if errors.Is(err, store.ErrDuplicateTrace) {
			return fmt.Errorf("%w: %s", ErrTraceExists, traceID)
		}
		return fmt.Errorf("creating trace: %w", err)
	}

	l.sink.Emit(analytics.Event{
		Name:      "trace_started",
		UserID:    userID,
		TraceID:   traceID,
		AgentKind: string(kind),
	})
	return nil
}

// RecordActivity adds one message exchange's counters to the trace. It is
// deliberately fail-silent: a counter we cannot persist is not a reason to
// drop the user's reply.
func (l *Ledger) RecordActivity(ctx context.Context, traceID string, turns, calls, units int) {
	if traceID == "" {
		return
	}
	if err := l.store.AddTraceActivity(ctx, traceID, int64(turns), int64(calls), int64(units)); err != nil {
		slog.Warn("failed to record trace activity",
			"trace_id", traceID,
			"error", err)
	}
}

// RecordFeedback marks the trace completed with the user's sentiment.
// Repeated feedback overwrites the previous rating; the trace stays
// completed.
func (l *Ledger) RecordFeedback(ctx context.Context, traceID, sentiment, text string) error {
	if err := l.store.CompleteTrace(ctx, traceID, sentiment, text); err != nil {
		return fmt.Errorf("completing trace: %w", err)
	}

	l.sink.Emit(analytics.Event{
		Name:    "feedback_recorded",
		TraceID: traceID,
		Fields:  map[string]any{"sentiment": sentiment},
	})
	return nil
}

// Trace returns one trace by ID.
func (l *Ledger) Trace(ctx context.Context, traceID string) (*store.Trace, error) {
	return l.store.GetTrace(ctx, traceID)
}

// UserTraces returns a user's traces in creation order.
func (l *Ledger) UserTraces(ctx context.Context, userID string) ([]*store.Trace, error) {
	return l.store.ListTracesByUser(ctx, userID)
}
