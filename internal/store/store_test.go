// ABOUTME: Tests for the SQLite store covering sessions, traces, bindings and codes
// ABOUTME: Uses a temporary on-disk database per test via t.TempDir

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Now().UTC().Truncate(time.Second)
}

func TestSessionStore_PutAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	sess := &Session{
		UserID:      "15551230001",
		State:       StateCodeEntered,
		AgentCode:   "AB123",
		DisplayName: "Asha",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.PutSession(ctx, sess))

	got, err := store.GetSession(ctx, "15551230001")
	require.NoError(t, err)
	assert.Equal(t, StateCodeEntered, got.State)
	assert.Equal(t, "AB123", got.AgentCode)
	assert.Equal(t, "Asha", got.DisplayName)
	assert.Empty(t, got.ActiveTraceID)
	assert.Equal(t, now, got.UpdatedAt)
}

func TestSessionStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetSession(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore_PutOverwrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	sess := &Session{UserID: "u1", State: StateGreeting, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.PutSession(ctx, sess))

	sess.State = StateAgentActive
	sess.AgentKind = AgentKindPitch
	sess.ActiveTraceID = "trace-1"
	sess.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.PutSession(ctx, sess))

	got, err := store.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StateAgentActive, got.State)
	assert.Equal(t, AgentKindPitch, got.AgentKind)
	assert.Equal(t, "trace-1", got.ActiveTraceID)
	assert.Equal(t, now, got.CreatedAt, "created_at must survive overwrites")
}

func TestSessionStore_DeleteIdle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	old := &Session{UserID: "old", State: StateGreeting, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)}
	fresh := &Session{UserID: "fresh", State: StateGreeting, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.PutSession(ctx, old))
	require.NoError(t, store.PutSession(ctx, fresh))

	n, err := store.DeleteSessionsIdleBefore(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSession(ctx, "fresh")
	assert.NoError(t, err)
}

func TestTraceStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{
		ID:        "trace-001",
		UserID:    "u1",
		AgentCode: "AB123",
		AgentKind: AgentKindRecommendation,
		Status:    TraceStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateTrace(ctx, trace))

	got, err := store.GetTrace(ctx, "trace-001")
	require.NoError(t, err)
	assert.Equal(t, TraceStatusPending, got.Status)
	assert.Zero(t, got.Interactions)
	assert.Zero(t, got.EstimatedUnits)
}

func TestTraceStore_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{ID: "dup", UserID: "u1", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, trace))
	assert.ErrorIs(t, store.CreateTrace(ctx, trace), ErrDuplicateTrace)
}

func TestTraceStore_AddActivityAccumulates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{ID: "t1", UserID: "u1", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, trace))

	require.NoError(t, store.AddTraceActivity(ctx, "t1", 1, 1, 120))
	require.NoError(t, store.AddTraceActivity(ctx, "t1", 1, 2, 80))

	got, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Interactions)
	assert.Equal(t, int64(3), got.ExternalCalls)
	assert.Equal(t, int64(200), got.EstimatedUnits)
}

func TestTraceStore_AddActivityUnknownTrace(t *testing.T) {
	store := setupTestStore(t)

	err := store.AddTraceActivity(context.Background(), "nope", 1, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraceStore_CompleteOverwritesSentiment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{ID: "t1", UserID: "u1", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, trace))

	require.NoError(t, store.CompleteTrace(ctx, "t1", "positive", "good"))
	require.NoError(t, store.CompleteTrace(ctx, "t1", "negative", "bad"))

	got, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TraceStatusCompleted, got.Status)
	assert.Equal(t, "negative", got.Sentiment)
	assert.Equal(t, "bad", got.FeedbackText)
}

func TestTraceStore_ListByUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	for i, id := range []string{"a", "b", "c"} {
		trace := &Trace{
			ID:        id,
			UserID:    "u1",
			AgentKind: AgentKindRecommendation,
			Status:    TraceStatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreateTrace(ctx, trace))
	}
	other := &Trace{ID: "x", UserID: "u2", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, other))

	traces, err := store.ListTracesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, "a", traces[0].ID)
	assert.Equal(t, "c", traces[2].ID)
}

func TestBindingStore_CreateGetTouch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{ID: "t1", UserID: "u1", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, trace))

	b := &AgentBinding{
		TraceID:           "t1",
		ExternalSessionID: "ext-session-9",
		AgentKind:         AgentKindPitch,
		CreatedAt:         now,
		LastMessageAt:     now,
	}
	require.NoError(t, store.CreateBinding(ctx, b))

	// Second create over a live binding is rejected
	assert.ErrorIs(t, store.CreateBinding(ctx, b), ErrDuplicateBinding)

	later := now.Add(time.Minute)
	require.NoError(t, store.TouchBinding(ctx, "t1", later))

	got, err := store.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ext-session-9", got.ExternalSessionID)
	assert.Equal(t, later, got.LastMessageAt)
	assert.False(t, got.Opened)
	assert.False(t, got.Inert)

	require.NoError(t, store.MarkBindingOpened(ctx, "t1"))
	got, err = store.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Opened)
}

func TestBindingStore_MarkInertIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{ID: "t1", UserID: "u1", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, trace))
	b := &AgentBinding{TraceID: "t1", ExternalSessionID: "s", AgentKind: AgentKindPitch, CreatedAt: now, LastMessageAt: now}
	require.NoError(t, store.CreateBinding(ctx, b))

	require.NoError(t, store.MarkBindingInert(ctx, "t1"))
	require.NoError(t, store.MarkBindingInert(ctx, "t1"))
	require.NoError(t, store.MarkBindingInert(ctx, "no-such-trace"))

	got, err := store.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Inert)
}

func TestBindingStore_InertBindingIsReplaced(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	trace := &Trace{ID: "t1", UserID: "u1", AgentKind: AgentKindPitch, Status: TraceStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateTrace(ctx, trace))
	first := &AgentBinding{TraceID: "t1", ExternalSessionID: "dead", AgentKind: AgentKindPitch, CreatedAt: now, LastMessageAt: now}
	require.NoError(t, store.CreateBinding(ctx, first))
	require.NoError(t, store.MarkBindingOpened(ctx, "t1"))
	require.NoError(t, store.MarkBindingInert(ctx, "t1"))

	replacement := &AgentBinding{TraceID: "t1", ExternalSessionID: "fresh", AgentKind: AgentKindPitch, CreatedAt: now, LastMessageAt: now}
	require.NoError(t, store.CreateBinding(ctx, replacement))

	got, err := store.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.ExternalSessionID)
	assert.False(t, got.Opened, "a replacement session must run its own opening exchange")
	assert.False(t, got.Inert)
}

func TestAccessCodeStore_PutAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := testTime(t)

	code := &AccessCode{
		Code:            "AB123",
		AgentCode:       "AB123",
		DisplayName:     "Asha B",
		RestrictedPhone: "15551230001",
		Active:          true,
		CreatedAt:       now,
	}
	require.NoError(t, store.PutAccessCode(ctx, code))

	got, err := store.GetAccessCode(ctx, "AB123")
	require.NoError(t, err)
	assert.Equal(t, "Asha B", got.DisplayName)
	assert.Equal(t, "15551230001", got.RestrictedPhone)
}

func TestAccessCodeStore_InactiveHidden(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	code := &AccessCode{Code: "ZZ99", AgentCode: "ZZ99", Active: false, CreatedAt: testTime(t)}
	require.NoError(t, store.PutAccessCode(ctx, code))

	_, err := store.GetAccessCode(ctx, "ZZ99")
	assert.ErrorIs(t, err, ErrNotFound)
}
