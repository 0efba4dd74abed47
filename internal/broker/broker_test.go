// ABOUTME: Broker tests against a fake agent platform served by httptest.
// ABOUTME: Covers session binding, async polling, retries, rebinding, timeouts.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentline/gateway/internal/store"
)

// fakePlatform is a minimal in-memory agent platform.
type fakePlatform struct {
	mu             sync.Mutex
	sessionsMade   atomic.Int64
	submitCalls    atomic.Int64
	pollCalls      atomic.Int64
	sessions       map[string]bool
	requests       map[string]*pollResponse
	pendingPolls   int  // polls answering "pending" before completion
	submitFailures int  // leading submits answered with 500
	inline         bool // answer submits with an inline completion
	failRequests   bool // async requests finish with status failed
	lostSessions   map[string]bool
	replyText      string
	delivered      []string // message texts the platform accepted, in order
	lastAuth       string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		sessions:     make(map[string]bool),
		requests:     make(map[string]*pollResponse),
		lostSessions: make(map[string]bool),
		replyText:    "Here is my answer.",
	}
}

func (f *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents/{agent}/sessions", func(w http.ResponseWriter, r *http.Request) {
		n := f.sessionsMade.Add(1)
		id := fmt.Sprintf("sess-%d", n)
		f.mu.Lock()
		f.sessions[id] = true
		f.mu.Unlock()
		json.NewEncoder(w).Encode(createSessionResponse{SessionID: id})
	})
	mux.HandleFunc("POST /v1/agents/{agent}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.submitCalls.Add(1)
		var req submitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")

		if f.submitFailures > 0 {
			f.submitFailures--
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		if f.lostSessions[req.SessionID] || !f.sessions[req.SessionID] {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		f.delivered = append(f.delivered, req.Message)

		if f.inline {
			json.NewEncoder(w).Encode(submitResponse{
				Status:   statusCompleted,
				Response: f.replyText,
				Usage:    usage{InputUnits: 10, OutputUnits: 20},
			})
			return
		}

		reqID := fmt.Sprintf("req-%d", f.submitCalls.Load())
		outcome := &pollResponse{
			Status:   statusCompleted,
			Response: f.replyText,
			Usage:    usage{InputUnits: 10, OutputUnits: 20},
		}
		if f.failRequests {
			outcome = &pollResponse{Status: statusFailed, Error: "model exploded"}
		}
		f.requests[reqID] = outcome
		json.NewEncoder(w).Encode(submitResponse{RequestID: reqID, Status: statusPending})
	})
	mux.HandleFunc("GET /v1/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.pollCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.pendingPolls > 0 {
			f.pendingPolls--
			json.NewEncoder(w).Encode(pollResponse{Status: statusPending})
			return
		}
		resp, ok := f.requests[r.PathValue("id")]
		if !ok {
			http.Error(w, "unknown request", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestBroker(t *testing.T, f *fakePlatform) (*Broker, *store.MockStore) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	ms := store.NewMockStore()
	b := New(Config{
		BaseURL:               srv.URL,
		APIKey:                "test-key",
		RecommendationAgentID: "agent-reco",
		PitchAgentID:          "agent-pitch",
		PollInitialInterval:   5 * time.Millisecond,
		PollMaxInterval:       20 * time.Millisecond,
		PollTimeout:           2 * time.Second,
		SubmitRetries:         2,
	}, ms)
	return b, ms
}

func TestOpen_BindsSessionAndReturnsOpening(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	f.replyText = "Hello! What are you shopping for?"
	b, ms := newTestBroker(t, f)
	ctx := context.Background()

	reply, err := b.Open(ctx, "t1", "u1", store.AgentKindRecommendation)
	require.NoError(t, err)
	assert.Equal(t, "Hello! What are you shopping for?", reply.Text)
	assert.Equal(t, 30, reply.Units)

	binding, err := ms.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", binding.ExternalSessionID)
	assert.Equal(t, store.AgentKindRecommendation, binding.AgentKind)
	assert.False(t, binding.Inert)
}

func TestSend_OpensSessionBeforeUserTextAfterFailedOpen(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	f.submitFailures = 3 // exhausts the opening submit and its retries
	b, ms := newTestBroker(t, f)
	ctx := context.Background()

	_, err := b.Open(ctx, "t1", "u1", store.AgentKindRecommendation)
	require.ErrorIs(t, err, ErrAgentUnavailable)

	binding, err := ms.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, binding.Opened, "the opening exchange never completed")

	// The next user message catches the session up: the init token goes
	// out before the user's text.
	reply, err := b.Send(ctx, "t1", "u1", store.AgentKindRecommendation, "what laptop should I buy?")
	require.NoError(t, err)
	assert.Equal(t, "Here is my answer.", reply.Text)
	assert.Equal(t, 60, reply.Units, "opening usage counts alongside the message's")

	f.mu.Lock()
	delivered := append([]string(nil), f.delivered...)
	f.mu.Unlock()
	require.Equal(t, []string{"conversation_start", "what laptop should I buy?"}, delivered)

	binding, err = ms.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, binding.Opened)

	// A further message skips the catch-up.
	_, err = b.Send(ctx, "t1", "u1", store.AgentKindRecommendation, "the cheap one?")
	require.NoError(t, err)
	f.mu.Lock()
	assert.Len(t, f.delivered, 3)
	f.mu.Unlock()
}

func TestClient_SendsBearerCredential(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	b, _ := newTestBroker(t, f)

	_, err := b.Open(context.Background(), "t1", "u1", store.AgentKindPitch)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Bearer test-key", f.lastAuth)
}

func TestCloseSession_RetiresBinding(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	b, ms := newTestBroker(t, f)
	ctx := context.Background()

	_, err := b.Open(ctx, "t1", "u1", store.AgentKindRecommendation)
	require.NoError(t, err)

	require.NoError(t, b.CloseSession(ctx, "t1"))
	require.NoError(t, b.CloseSession(ctx, "t1"), "closing twice is fine")

	binding, err := ms.GetBinding(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, binding.Inert, "binding row is kept but retired")

	// A message after close binds a fresh session.
	_, err = b.Send(ctx, "t1", "u1", store.AgentKindRecommendation, "hello again")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.sessionsMade.Load())
}

func TestSend_ReusesBinding(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	b, _ := newTestBroker(t, f)
	ctx := context.Background()

	_, err := b.Open(ctx, "t1", "u1", store.AgentKindPitch)
	require.NoError(t, err)
	_, err = b.Send(ctx, "t1", "u1", store.AgentKindPitch, "tell me more")
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.sessionsMade.Load(), "second message reuses the bound session")
}

func TestSend_AsyncPollUntilCompleted(t *testing.T) {
	f := newFakePlatform()
	f.pendingPolls = 3
	b, _ := newTestBroker(t, f)

	reply, err := b.Send(context.Background(), "t1", "u1", store.AgentKindRecommendation, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Here is my answer.", reply.Text)
	assert.GreaterOrEqual(t, f.pollCalls.Load(), int64(4), "three pending polls then a completed one")
	assert.GreaterOrEqual(t, reply.Calls, 5, "submit plus at least four polls")
}

func TestSend_FailedRequestIsUnavailable(t *testing.T) {
	f := newFakePlatform()
	f.failRequests = true
	b, _ := newTestBroker(t, f)

	_, err := b.Send(context.Background(), "t1", "u1", store.AgentKindRecommendation, "hi")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestOpen_SubmitRetriesThenSucceeds(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	f.submitFailures = 2
	b, _ := newTestBroker(t, f)

	reply, err := b.Open(context.Background(), "t1", "u1", store.AgentKindPitch)
	require.NoError(t, err)
	assert.Equal(t, "Here is my answer.", reply.Text)
	assert.Equal(t, int64(3), f.submitCalls.Load())
}

func TestSend_SubmitExhaustedIsUnavailable(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	f.submitFailures = 10
	b, _ := newTestBroker(t, f)

	_, err := b.Send(context.Background(), "t1", "u1", store.AgentKindPitch, "hi")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestSend_PollTimeout(t *testing.T) {
	f := newFakePlatform()
	f.pendingPolls = 1 << 30
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	b := New(Config{
		BaseURL:               srv.URL,
		APIKey:                "k",
		RecommendationAgentID: "agent-reco",
		PitchAgentID:          "agent-pitch",
		PollInitialInterval:   5 * time.Millisecond,
		PollMaxInterval:       10 * time.Millisecond,
		PollTimeout:           100 * time.Millisecond,
		SubmitRetries:         0,
	}, store.NewMockStore())

	_, err := b.Send(context.Background(), "t1", "u1", store.AgentKindRecommendation, "hi")
	assert.ErrorIs(t, err, ErrAgentTimeout)
}

func TestSend_LostSessionRebindsOnce(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	b, ms := newTestBroker(t, f)
	ctx := context.Background()

	_, err := b.Open(ctx, "t1", "u1", store.AgentKindPitch)
	require.NoError(t, err)

	// Platform forgets the session behind the binding.
	f.mu.Lock()
	f.lostSessions["sess-1"] = true
	f.mu.Unlock()

	reply, err := b.Send(ctx, "t1", "u1", store.AgentKindPitch, "still there?")
	require.NoError(t, err)
	assert.Equal(t, "Here is my answer.", reply.Text)
	assert.Equal(t, int64(2), f.sessionsMade.Load(), "a replacement session was created")

	binding, err := ms.GetBinding(ctx, "t1")
	require.NoError(t, err)
	_ = binding
}

func TestSend_ConcurrentFirstMessagesShareOneSession(t *testing.T) {
	f := newFakePlatform()
	f.inline = true
	b, _ := newTestBroker(t, f)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Send(context.Background(), "t1", "u1", store.AgentKindRecommendation, "hello")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.sessionsMade.Load(), "concurrent senders deduplicate session creation")
}

func TestSend_UnknownKind(t *testing.T) {
	f := newFakePlatform()
	b, _ := newTestBroker(t, f)

	_, err := b.Send(context.Background(), "t1", "u1", store.AgentKindUnset, "hi")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no agent configured"))
}
