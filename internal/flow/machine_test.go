// ABOUTME: Tests for the conversation state machine transitions.
// ABOUTME: Covers code entry, menu selection, agent switching, control phrases, feedback.

package flow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentline/gateway/internal/store"
)

// sequentialIDs returns a trace ID generator producing trace-1, trace-2, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("trace-%d", n)
	}
}

func testMachine() *Machine {
	return NewMachine(WithTraceIDs(sequentialIDs()))
}

func greetingSession() *store.Session {
	return &store.Session{UserID: "whatsapp:+15550001111", State: store.StateGreeting}
}

func activeSession(kind store.AgentKind, traceID string) *store.Session {
	return &store.Session{
		UserID:        "whatsapp:+15550001111",
		State:         store.StateAgentActive,
		AgentCode:     "AB123",
		DisplayName:   "Alice",
		AgentKind:     kind,
		ActiveTraceID: traceID,
	}
}

func TestGreeting_Salutation(t *testing.T) {
	m := testMachine()
	res := m.Transition(greetingSession(), "Hello")

	assert.Equal(t, store.StateGreeting, res.Session.State)
	assert.Equal(t, DefaultPrompts().Greeting, res.Reply)
	assert.Empty(t, res.Intents)
}

func TestGreeting_CodeEmitsValidation(t *testing.T) {
	m := testMachine()
	res := m.Transition(greetingSession(), "  ab123 ")

	require.Len(t, res.Intents, 1)
	assert.Equal(t, IntentValidateCode, res.Intents[0].Kind)
	assert.Equal(t, "AB123", res.Intents[0].Code, "code should be normalized to upper case")
	assert.Equal(t, store.StateGreeting, res.Session.State, "state changes only after the code resolves")
	assert.Empty(t, res.Reply)
}

func TestGreeting_RejectsMalformedCodes(t *testing.T) {
	m := testMachine()
	for _, text := range []string{"A123", "AB1", "123AB", "AB 123", "what's an access code?"} {
		res := m.Transition(greetingSession(), text)
		assert.Equal(t, DefaultPrompts().InvalidCode, res.Reply, "input %q", text)
		assert.Empty(t, res.Intents, "input %q", text)
	}
}

func TestResolveCode_Accepted(t *testing.T) {
	m := testMachine()
	res := m.ResolveCode(greetingSession(), "AB123", CodeAccepted, &CodeEntry{AgentCode: "AB123", DisplayName: "Alice"})

	assert.Equal(t, store.StateCodeEntered, res.Session.State)
	assert.Equal(t, "AB123", res.Session.AgentCode)
	assert.Equal(t, "Alice", res.Session.DisplayName)
	assert.Contains(t, res.Reply, "Alice")
	assert.Contains(t, res.Reply, "1. Product recommendation")
}

func TestResolveCode_Failures(t *testing.T) {
	m := testMachine()
	p := DefaultPrompts()

	tests := []struct {
		outcome CodeOutcome
		reply   string
	}{
		{CodeUnknown, p.InvalidCode},
		{CodePhoneMismatch, p.AuthFailed},
		{CodeDirectoryDown, p.DirectoryDown},
	}
	for _, tt := range tests {
		res := m.ResolveCode(greetingSession(), "AB123", tt.outcome, nil)
		assert.Equal(t, store.StateGreeting, res.Session.State)
		assert.Equal(t, tt.reply, res.Reply)
	}
}

func TestCodeEntered_MenuSelection(t *testing.T) {
	tests := []struct {
		text string
		kind store.AgentKind
	}{
		{"1", store.AgentKindRecommendation},
		{"option 1 please", store.AgentKindRecommendation},
		{"Product recommendation", store.AgentKindRecommendation},
		{"I'd like a recommendation", store.AgentKindRecommendation},
		{"2", store.AgentKindPitch},
		{"sales", store.AgentKindPitch},
		{"give me the pitch", store.AgentKindPitch},
	}
	for _, tt := range tests {
		m := testMachine()
		sess := &store.Session{UserID: "u", State: store.StateCodeEntered, AgentCode: "AB123", DisplayName: "Alice"}
		res := m.Transition(sess, tt.text)

		assert.Equal(t, store.StateAgentActive, res.Session.State, "input %q", tt.text)
		assert.Equal(t, tt.kind, res.Session.AgentKind, "input %q", tt.text)
		assert.Equal(t, "trace-1", res.Session.ActiveTraceID)
		require.Len(t, res.Intents, 1)
		assert.Equal(t, IntentStartInteraction, res.Intents[0].Kind)
		assert.Equal(t, tt.kind, res.Intents[0].AgentKind)
		assert.Equal(t, "trace-1", res.Intents[0].TraceID)
	}
}

func TestCodeEntered_InvalidOption(t *testing.T) {
	m := testMachine()
	sess := &store.Session{UserID: "u", State: store.StateCodeEntered, AgentCode: "AB123"}
	res := m.Transition(sess, "tell me a joke")

	assert.Equal(t, store.StateCodeEntered, res.Session.State)
	assert.Equal(t, DefaultPrompts().InvalidOption, res.Reply)
	assert.Empty(t, res.Intents)
}

func TestAgentActive_ForwardsVerbatim(t *testing.T) {
	m := testMachine()
	res := m.Transition(activeSession(store.AgentKindRecommendation, "trace-9"), "  what laptop should I buy?  ")

	assert.Equal(t, store.StateAgentActive, res.Session.State)
	assert.Equal(t, "trace-9", res.Session.ActiveTraceID)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, IntentForwardMessage, res.Intents[0].Kind)
	assert.Equal(t, "what laptop should I buy?", res.Intents[0].Text)
	assert.Equal(t, "trace-9", res.Intents[0].TraceID)
}

func TestAgentActive_ControlPhrasePausesTrace(t *testing.T) {
	for _, phrase := range []string{"menu", "Back", "OPTIONS", "switch", "main menu"} {
		m := testMachine()
		res := m.Transition(activeSession(store.AgentKindPitch, "trace-9"), phrase)

		assert.Equal(t, store.StateCodeEntered, res.Session.State, "phrase %q", phrase)
		assert.Empty(t, res.Session.ActiveTraceID, "phrase %q", phrase)
		assert.Equal(t, store.AgentKindUnset, res.Session.AgentKind)
		assert.Empty(t, res.Intents, "control phrases never reach the agent")
		assert.Contains(t, res.Reply, "1. Product recommendation")
	}
}

func TestAgentActive_SwitchMintsFreshTrace(t *testing.T) {
	m := testMachine()
	res := m.Transition(activeSession(store.AgentKindRecommendation, "trace-old"), "2")

	assert.Equal(t, store.StateAgentActive, res.Session.State)
	assert.Equal(t, store.AgentKindPitch, res.Session.AgentKind)
	assert.Equal(t, "trace-1", res.Session.ActiveTraceID)
	assert.NotEqual(t, "trace-old", res.Session.ActiveTraceID)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, IntentStartInteraction, res.Intents[0].Kind)
	assert.Equal(t, "trace-1", res.Intents[0].TraceID)
}

func TestAgentActive_SameKindSelectionForwards(t *testing.T) {
	// "1" while already on the recommendation agent is conversation, not a switch.
	m := testMachine()
	res := m.Transition(activeSession(store.AgentKindRecommendation, "trace-9"), "1")

	require.Len(t, res.Intents, 1)
	assert.Equal(t, IntentForwardMessage, res.Intents[0].Kind)
	assert.Equal(t, "trace-9", res.Session.ActiveTraceID)
}

func TestAgentActive_ChattyNumbersAreNotSwitches(t *testing.T) {
	m := testMachine()
	res := m.Transition(activeSession(store.AgentKindRecommendation, "trace-9"), "I have 2 kids and need 1 laptop")

	require.Len(t, res.Intents, 1)
	assert.Equal(t, IntentForwardMessage, res.Intents[0].Kind)
	assert.Equal(t, store.AgentKindRecommendation, res.Session.AgentKind)
}

func TestAgentActive_Feedback(t *testing.T) {
	tests := []struct {
		text      string
		sentiment string
	}{
		{"very satisfied", "positive"},
		{"Excellent", "positive"},
		{"good", "positive"},
		{"average", "neutral"},
		{"Not Good", "negative"},
		{"need improvement", "negative"},
	}
	for _, tt := range tests {
		m := testMachine()
		res := m.Transition(activeSession(store.AgentKindPitch, "trace-9"), tt.text)

		require.Len(t, res.Intents, 1, "input %q", tt.text)
		assert.Equal(t, IntentRecordFeedback, res.Intents[0].Kind)
		assert.Equal(t, tt.sentiment, res.Intents[0].Sentiment, "input %q", tt.text)
		assert.Equal(t, "trace-9", res.Intents[0].TraceID)
		assert.Equal(t, store.StateAgentActive, res.Session.State, "feedback keeps the conversation going")
		assert.Equal(t, DefaultPrompts().FeedbackThanks, res.Reply)
	}
}

func TestAgentActive_FeedbackWordInsideSentenceForwards(t *testing.T) {
	m := testMachine()
	res := m.Transition(activeSession(store.AgentKindPitch, "trace-9"), "that's a good start, tell me more")

	require.Len(t, res.Intents, 1)
	assert.Equal(t, IntentForwardMessage, res.Intents[0].Kind)
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	m := testMachine()
	sess := activeSession(store.AgentKindRecommendation, "trace-9")
	before := *sess

	m.Transition(sess, "2")

	assert.Equal(t, before, *sess)
}

func TestPrompts_Merge(t *testing.T) {
	merged := DefaultPrompts().Merge(Prompts{Greeting: "Hola!"})

	assert.Equal(t, "Hola!", merged.Greeting)
	assert.Equal(t, DefaultPrompts().InvalidCode, merged.InvalidCode)
}
