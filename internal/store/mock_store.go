// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Optional error hooks let tests inject failures per operation.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session      // keyed by user ID
	traces   map[string]*Trace        // keyed by trace ID
	bindings map[string]*AgentBinding // keyed by trace ID
	codes    map[string]*AccessCode   // keyed by code

	// Failure injection. When set, the corresponding method returns the error.
	PutSessionErr  error
	CreateTraceErr error
	ActivityErr    error
	GetCodeErr     error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		traces:   make(map[string]*Trace),
		bindings: make(map[string]*AgentBinding),
		codes:    make(map[string]*AccessCode),
	}
}

// GetSession retrieves a session by user ID.
func (m *MockStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// PutSession stores a copy of the session.
func (m *MockStore) PutSession(ctx context.Context, sess *Session) error {
	if m.PutSessionErr != nil {
		return m.PutSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sess
	m.sessions[cp.UserID] = &cp
	return nil
}

// DeleteSessionsIdleBefore removes sessions not touched since cutoff.
func (m *MockStore) DeleteSessionsIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, sess := range m.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// CreateTrace stores a new trace.
func (m *MockStore) CreateTrace(ctx context.Context, trace *Trace) error {
	if m.CreateTraceErr != nil {
		return m.CreateTraceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.traces[trace.ID]; exists {
		return ErrDuplicateTrace
	}
	cp := *trace
	m.traces[cp.ID] = &cp
	return nil
}

// GetTrace retrieves a trace by ID.
func (m *MockStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trace, ok := m.traces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *trace
	return &cp, nil
}

// AddTraceActivity increments counters for a trace.
func (m *MockStore) AddTraceActivity(ctx context.Context, traceID string, turns, calls, units int64) error {
	if m.ActivityErr != nil {
		return m.ActivityErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	trace, ok := m.traces[traceID]
	if !ok {
		return ErrNotFound
	}
	trace.Interactions += turns
	trace.ExternalCalls += calls
	trace.EstimatedUnits += units
	trace.UpdatedAt = time.Now()
	return nil
}

// CompleteTrace marks a trace Completed and records sentiment.
func (m *MockStore) CompleteTrace(ctx context.Context, traceID, sentiment, feedbackText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trace, ok := m.traces[traceID]
	if !ok {
		return ErrNotFound
	}
	trace.Status = TraceStatusCompleted
	trace.Sentiment = sentiment
	trace.FeedbackText = feedbackText
	trace.UpdatedAt = time.Now()
	return nil
}

// ListTracesByUser returns all traces for a user, oldest first.
func (m *MockStore) ListTracesByUser(ctx context.Context, userID string) ([]*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var traces []*Trace
	for _, trace := range m.traces {
		if trace.UserID == userID {
			cp := *trace
			traces = append(traces, &cp)
		}
	}
	sortTracesByCreation(traces)
	return traces, nil
}

func sortTracesByCreation(traces []*Trace) {
	for i := 1; i < len(traces); i++ {
		for j := i; j > 0 && traces[j].CreatedAt.Before(traces[j-1].CreatedAt); j-- {
			traces[j], traces[j-1] = traces[j-1], traces[j]
		}
	}
}

// CreateBinding stores a binding for a trace. A live existing binding wins;
// an inert one is replaced.
func (m *MockStore) CreateBinding(ctx context.Context, b *AgentBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bindings[b.TraceID]; ok && !existing.Inert {
		return ErrDuplicateBinding
	}
	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.LastMessageAt.IsZero() {
		cp.LastMessageAt = cp.CreatedAt
	}
	cp.Opened = false
	cp.Inert = false
	m.bindings[cp.TraceID] = &cp
	return nil
}

// GetBinding retrieves the binding for a trace.
func (m *MockStore) GetBinding(ctx context.Context, traceID string) (*AgentBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// TouchBinding updates last_message_at for a binding.
func (m *MockStore) TouchBinding(ctx context.Context, traceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[traceID]; ok {
		b.LastMessageAt = at
	}
	return nil
}

// MarkBindingOpened records that the binding's opening exchange completed.
func (m *MockStore) MarkBindingOpened(ctx context.Context, traceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[traceID]; ok {
		b.Opened = true
	}
	return nil
}

// MarkBindingInert flags a binding as inert.
func (m *MockStore) MarkBindingInert(ctx context.Context, traceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[traceID]; ok {
		b.Inert = true
	}
	return nil
}

// GetAccessCode retrieves an access code entry.
func (m *MockStore) GetAccessCode(ctx context.Context, code string) (*AccessCode, error) {
	if m.GetCodeErr != nil {
		return nil, m.GetCodeErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ac, ok := m.codes[code]
	if !ok || !ac.Active {
		return nil, ErrNotFound
	}
	cp := *ac
	return &cp, nil
}

// PutAccessCode stores an access code entry.
func (m *MockStore) PutAccessCode(ctx context.Context, code *AccessCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *code
	m.codes[cp.Code] = &cp
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
