// ABOUTME: Deterministic conversation state machine - no I/O, no LLM calls.
// ABOUTME: Given session state and a message, emits the next state, a reply, and intents.

package flow

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentline/gateway/internal/store"
)

// IntentKind identifies the action the orchestrator must take for an intent.
type IntentKind string

const (
	// IntentValidateCode asks the orchestrator to resolve an access code
	// against the directory and feed the outcome back via ResolveCode.
	IntentValidateCode IntentKind = "validate_code"

	// IntentStartInteraction starts a new agent interaction. It always
	// carries a freshly generated trace ID; no code path reuses a trace ID
	// across two agent bindings.
	IntentStartInteraction IntentKind = "start_interaction"

	// IntentForwardMessage hands the user's text verbatim to the active agent.
	IntentForwardMessage IntentKind = "forward_message"

	// IntentRecordFeedback records a satisfaction rating against the active trace.
	IntentRecordFeedback IntentKind = "record_feedback"
)

// Intent is an event the orchestrator must act on. Which fields are set
// depends on Kind.
type Intent struct {
	Kind      IntentKind
	Code      string          // ValidateCode: normalized access code
	AgentKind store.AgentKind // StartInteraction
	TraceID   string          // StartInteraction: the fresh trace identifier
	Text      string          // ForwardMessage / RecordFeedback: verbatim user text
	Sentiment string          // RecordFeedback: positive, neutral or negative
}

// Result is the outcome of one transition.
type Result struct {
	Session store.Session // next session state
	Reply   string        // empty when the reply comes from the agent
	Intents []Intent
}

// CodeOutcome is the orchestrator's report of a directory lookup.
type CodeOutcome int

const (
	CodeAccepted CodeOutcome = iota
	CodeUnknown
	CodePhoneMismatch
	CodeDirectoryDown
)

// CodeEntry carries the resolved directory fields for an accepted code.
type CodeEntry struct {
	AgentCode   string
	DisplayName string
}

// codePattern matches access codes: two or more uppercase letters followed
// by two or more digits.
var codePattern = regexp.MustCompile(`^[A-Z]{2,}[0-9]{2,}$`)

var salutations = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hi there": true,
}

// controlPhrases pause the active agent and return to the menu without
// forwarding anything to the external service.
var controlPhrases = map[string]bool{
	"menu": true, "back": true, "options": true, "switch": true, "main menu": true,
}

// feedbackSentiments maps the fixed satisfaction vocabulary to a sentiment
// class. Only exact matches (after trim and lowercase) count as feedback,
// so "ok" inside normal conversation is never intercepted.
var feedbackSentiments = map[string]string{
	"very satisfied":   "positive",
	"satisfied":        "positive",
	"very good":        "positive",
	"good":             "positive",
	"excellent":        "positive",
	"average":          "neutral",
	"not good":         "negative",
	"bad":              "negative",
	"need improvement": "negative",
}

// Machine is the conversation state machine. It is stateless; all state
// lives in the session passed to Transition.
type Machine struct {
	prompts    Prompts
	newTraceID func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithPrompts overrides the default prompt templates.
func WithPrompts(p Prompts) Option {
	return func(m *Machine) { m.prompts = p }
}

// WithTraceIDs overrides trace ID generation, for deterministic tests.
func WithTraceIDs(gen func() string) Option {
	return func(m *Machine) { m.newTraceID = gen }
}

// NewMachine creates a Machine with default prompts and UUID trace IDs.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		prompts:    DefaultPrompts(),
		newTraceID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition computes the next state for one inbound message. It never
// mutates sess; the caller persists Result.Session.
func (m *Machine) Transition(sess *store.Session, text string) Result {
	next := *sess
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch sess.State {
	case store.StateGreeting:
		return m.greeting(next, trimmed, lower)
	case store.StateCodeEntered:
		return m.codeEntered(next, lower)
	case store.StateAgentActive:
		return m.agentActive(next, trimmed, lower)
	default:
		// Unknown state: reset to greeting rather than wedge the user.
		next.State = store.StateGreeting
		next.ActiveTraceID = ""
		next.AgentKind = store.AgentKindUnset
		return Result{Session: next, Reply: m.prompts.Greeting}
	}
}

func (m *Machine) greeting(next store.Session, trimmed, lower string) Result {
	if salutations[lower] {
		return Result{Session: next, Reply: m.prompts.Greeting}
	}

	code := strings.ToUpper(trimmed)
	if codePattern.MatchString(code) {
		return Result{
			Session: next,
			Intents: []Intent{{Kind: IntentValidateCode, Code: code}},
		}
	}

	return Result{Session: next, Reply: m.prompts.InvalidCode}
}

// ResolveCode applies the directory lookup outcome for a ValidateCode intent.
func (m *Machine) ResolveCode(sess *store.Session, code string, outcome CodeOutcome, entry *CodeEntry) Result {
	next := *sess

	switch outcome {
	case CodeAccepted:
		next.State = store.StateCodeEntered
		next.AgentCode = entry.AgentCode
		next.DisplayName = entry.DisplayName
		return Result{Session: next, Reply: m.prompts.menu(entry.DisplayName)}
	case CodePhoneMismatch:
		return Result{Session: next, Reply: m.prompts.AuthFailed}
	case CodeDirectoryDown:
		return Result{Session: next, Reply: m.prompts.DirectoryDown}
	default:
		return Result{Session: next, Reply: m.prompts.InvalidCode}
	}
}

func (m *Machine) codeEntered(next store.Session, lower string) Result {
	kind := menuSelection(lower)
	if kind == store.AgentKindUnset {
		return Result{Session: next, Reply: m.prompts.InvalidOption}
	}
	return m.startInteraction(next, kind)
}

func (m *Machine) agentActive(next store.Session, trimmed, lower string) Result {
	if controlPhrases[lower] {
		// Pause, don't close: the trace stays Pending with frozen counters
		// until the user picks an agent again (which starts a new trace).
		next.State = store.StateCodeEntered
		next.ActiveTraceID = ""
		next.AgentKind = store.AgentKindUnset
		return Result{Session: next, Reply: m.prompts.menu(next.DisplayName)}
	}

	if sentiment, ok := feedbackSentiments[lower]; ok {
		return Result{
			Session: next,
			Reply:   m.prompts.FeedbackThanks,
			Intents: []Intent{{
				Kind:      IntentRecordFeedback,
				TraceID:   next.ActiveTraceID,
				Text:      trimmed,
				Sentiment: sentiment,
			}},
		}
	}

	if kind := switchSelection(lower); kind != store.AgentKindUnset && kind != next.AgentKind {
		return m.startInteraction(next, kind)
	}

	return Result{
		Session: next,
		Intents: []Intent{{Kind: IntentForwardMessage, TraceID: next.ActiveTraceID, Text: trimmed}},
	}
}

// startInteraction binds a fresh trace ID for the selected agent kind. This
// is the only place trace IDs are minted; an agent switch never reuses the
// outgoing interaction's identifier.
func (m *Machine) startInteraction(next store.Session, kind store.AgentKind) Result {
	traceID := m.newTraceID()
	next.State = store.StateAgentActive
	next.AgentKind = kind
	next.ActiveTraceID = traceID

	return Result{
		Session: next,
		Reply:   m.prompts.connecting(kind),
		Intents: []Intent{{Kind: IntentStartInteraction, AgentKind: kind, TraceID: traceID}},
	}
}

// menuSelection interprets a menu reply in CodeEntered. Deliberately
// permissive: "1", "option 1", "product recommendation please" all select
// the recommendation agent.
func menuSelection(lower string) store.AgentKind {
	hasReco := containsAny(lower, "1", "product", "recommend")
	hasPitch := containsAny(lower, "2", "sales", "pitch")

	if hasReco && hasPitch {
		// "12" or "1 or 2": prefer the explicit bare digit if only one is present.
		if strings.Contains(lower, "2") && !strings.Contains(lower, "1") {
			return store.AgentKindPitch
		}
		return store.AgentKindRecommendation
	}
	if hasReco {
		return store.AgentKindRecommendation
	}
	if hasPitch {
		return store.AgentKindPitch
	}
	return store.AgentKindUnset
}

// switchSelection interprets an agent switch while AgentActive. Much
// stricter than menuSelection: free-form chat mentioning "2 kids" must not
// hijack the conversation, so only bare digits or explicit phrases count.
func switchSelection(lower string) store.AgentKind {
	switch lower {
	case "1", "product recommendation", "switch to product", "switch to product recommendation":
		return store.AgentKindRecommendation
	case "2", "sales pitch", "switch to sales", "switch to sales pitch":
		return store.AgentKindPitch
	}
	return store.AgentKindUnset
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
