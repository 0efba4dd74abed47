// ABOUTME: Store interface and data types for agentline-gateway persistence
// ABOUTME: Defines Session, Trace, AgentBinding, AccessCode and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTrace is returned when trying to create a trace whose ID already exists
var ErrDuplicateTrace = errors.New("trace already exists")

// ErrDuplicateBinding is returned when a trace already has an agent session binding
var ErrDuplicateBinding = errors.New("binding already exists")

// SessionState is the conversation state machine position for a user
type SessionState string

const (
	StateGreeting    SessionState = "greeting"     // waiting for an access code
	StateCodeEntered SessionState = "code_entered" // code validated, waiting for menu selection
	StateAgentActive SessionState = "agent_active" // an external agent owns the conversation
)

// AgentKind identifies which external agent personality is bound to a trace
type AgentKind string

const (
	AgentKindUnset          AgentKind = ""
	AgentKindRecommendation AgentKind = "recommendation"
	AgentKindPitch          AgentKind = "pitch"
)

// Session is the durable conversation state for one user identity (phone number).
// ActiveTraceID is non-empty if and only if State is StateAgentActive.
type Session struct {
	UserID        string
	State         SessionState
	AgentCode     string
	DisplayName   string
	AgentKind     AgentKind
	ActiveTraceID string
	LastSeq       int64 // highest applied inbound sequence number, 0 if untracked
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TraceStatus is the lifecycle status of a conversation trace
type TraceStatus string

const (
	TraceStatusPending   TraceStatus = "pending"
	TraceStatusCompleted TraceStatus = "completed"
)

// Trace represents one bounded interaction between a user and one agent binding.
// Counters are monotonically non-decreasing and only ever written keyed by ID.
type Trace struct {
	ID             string
	UserID         string
	AgentCode      string
	AgentKind      AgentKind
	Status         TraceStatus
	Interactions   int64 // message turns attributed to this trace
	ExternalCalls  int64 // calls made against the external agent service
	EstimatedUnits int64 // estimated consumption units reported by the service
	Sentiment      string
	FeedbackText   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentBinding correlates a trace with the external agent service's session handle.
// A binding is created lazily on the first external call for a trace and is
// never reused across trace IDs. Inert bindings are kept for audit.
type AgentBinding struct {
	TraceID           string
	ExternalSessionID string
	AgentKind         AgentKind
	Opened            bool // the session's opening exchange has completed
	Inert             bool
	CreatedAt         time.Time
	LastMessageAt     time.Time
}

// AccessCode is a row in the read-only access-code directory.
// RestrictedPhone, when set, limits the code to one sender (digits only).
type AccessCode struct {
	Code            string
	AgentCode       string
	DisplayName     string
	RestrictedPhone string
	Active          bool
	CreatedAt       time.Time
}

// Store defines the persistence interface for the orchestration engine.
// Each component owns its rows: the session layer owns sessions, the trace
// ledger owns traces, the session broker owns bindings.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, userID string) (*Session, error)
	PutSession(ctx context.Context, sess *Session) error
	DeleteSessionsIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Traces
	CreateTrace(ctx context.Context, trace *Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	AddTraceActivity(ctx context.Context, traceID string, turns, calls, units int64) error
	CompleteTrace(ctx context.Context, traceID, sentiment, feedbackText string) error
	ListTracesByUser(ctx context.Context, userID string) ([]*Trace, error)

	// Agent session bindings
	CreateBinding(ctx context.Context, b *AgentBinding) error
	GetBinding(ctx context.Context, traceID string) (*AgentBinding, error)
	TouchBinding(ctx context.Context, traceID string, at time.Time) error
	MarkBindingOpened(ctx context.Context, traceID string) error
	MarkBindingInert(ctx context.Context, traceID string) error

	// Access codes
	GetAccessCode(ctx context.Context, code string) (*AccessCode, error)
	PutAccessCode(ctx context.Context, code *AccessCode) error

	Close() error
}
