// ABOUTME: Conversation orchestrator - the single entry point per inbound message.
// ABOUTME: Dedupe, per-user serialization, state transition, intent execution, persistence.

// Package orchestrator drives one conversation turn end to end. For each
// inbound message it deduplicates on message ID, serializes on the user,
// applies the state machine, executes the resulting intents (directory
// lookups, agent calls, ledger writes), and persists the next session state.
//
// Every failure is scoped to the one turn: the user always gets a reply,
// either the real one or a fallback, and the process never dies for a
// conversation-level error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentline/gateway/internal/broker"
	"github.com/agentline/gateway/internal/dedupe"
	"github.com/agentline/gateway/internal/directory"
	"github.com/agentline/gateway/internal/flow"
	"github.com/agentline/gateway/internal/ledger"
	"github.com/agentline/gateway/internal/session"
	"github.com/agentline/gateway/internal/store"
)

// Fallback replies for collaborator failures. These are deliberately not
// configurable: they are the last line of defense and must always exist.
const (
	replyBusy        = "We're still working on your previous message. Please try again in a moment."
	replyUnavailable = "Sorry, our assistant is having trouble right now. Please try again shortly."
	replyTimeout     = "Our assistant is taking longer than expected. Please send that again in a moment."
	replyInternal    = "Something went wrong on our side. Please try again."
)

// lockWait bounds how long a turn waits behind the user's previous turn
// before answering busy instead of piling up.
const lockWait = 30 * time.Second

// gateWait bounds how long an out-of-order message waits for its predecessor.
const gateWait = 2 * time.Second

// Inbound is one message delivered by the messaging gateway.
type Inbound struct {
	UserID    string
	MessageID string
	Seq       int64 // 0 when the transport carries no sequence numbers
	Text      string
}

// AgentBroker is the slice of the broker the orchestrator needs.
type AgentBroker interface {
	Open(ctx context.Context, traceID, userID string, kind store.AgentKind) (*broker.Reply, error)
	Send(ctx context.Context, traceID, userID string, kind store.AgentKind, text string) (*broker.Reply, error)
	CloseSession(ctx context.Context, traceID string) error
}

// CodeDirectory resolves access codes.
type CodeDirectory interface {
	Lookup(ctx context.Context, code, senderPhone string) (*directory.Entry, error)
}

// Orchestrator wires the conversation components together.
type Orchestrator struct {
	sessions  *session.Manager
	machine   *flow.Machine
	directory CodeDirectory
	broker    AgentBroker
	ledger    *ledger.Ledger
	dedupe    *dedupe.Cache
	locks     *keyedMutex
	gate      *seqGate
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(sessions *session.Manager, machine *flow.Machine, dir CodeDirectory, b AgentBroker, l *ledger.Ledger, d *dedupe.Cache) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		machine:   machine,
		directory: dir,
		broker:    b,
		ledger:    l,
		dedupe:    d,
		locks:     newKeyedMutex(),
		gate:      newSeqGate(gateWait),
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// HandleMessage processes one inbound message and returns the reply text.
// The returned error is diagnostic only; the reply is always usable.
func (o *Orchestrator) HandleMessage(ctx context.Context, in Inbound) (string, error) {
	if in.MessageID != "" {
		if reply, ok := o.dedupe.Lookup(in.MessageID); ok {
			o.logger.Debug("duplicate message replayed", "user_id", in.UserID, "message_id", in.MessageID)
			return reply, nil
		}
	}

	o.gate.Wait(ctx, in.UserID, in.Seq)

	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	unlock, err := o.locks.Lock(lockCtx, in.UserID)
	if err != nil {
		o.logger.Warn("user lock wait exceeded", "user_id", in.UserID)
		// Not cached: a retry of the same message ID should get a real turn.
		return replyBusy, nil
	}
	defer unlock()

	// A duplicate may have completed while this delivery waited on the lock.
	if in.MessageID != "" {
		if reply, ok := o.dedupe.Lookup(in.MessageID); ok {
			return reply, nil
		}
	}

	reply, err := o.handleLocked(ctx, in)
	if reply != "" && in.MessageID != "" {
		o.dedupe.Store(in.MessageID, reply)
	}
	o.gate.Applied(in.UserID, in.Seq)
	return reply, err
}

func (o *Orchestrator) handleLocked(ctx context.Context, in Inbound) (string, error) {
	sess, err := o.sessions.Get(ctx, in.UserID)
	if errors.Is(err, session.ErrNotFound) {
		sess = o.sessions.Fresh(in.UserID)
	} else if err != nil {
		return replyInternal, fmt.Errorf("loading session: %w", err)
	}

	// A message older than what the session has already applied is a
	// straggler whose turn has passed; dropping it keeps transitions in
	// sequence order.
	if in.Seq > 0 && in.Seq <= sess.LastSeq {
		o.logger.Info("dropping stale message",
			"user_id", in.UserID, "seq", in.Seq, "last_seq", sess.LastSeq)
		return "", nil
	}

	prevTraceID := sess.ActiveTraceID

	res := o.machine.Transition(sess, in.Text)
	res = o.resolveValidation(ctx, in, sess, res)

	reply, execErr := o.executeIntents(ctx, in, prevTraceID, &res)

	next := res.Session
	if in.Seq > next.LastSeq {
		next.LastSeq = in.Seq
	}
	if putErr := o.sessions.Put(ctx, &next); putErr != nil {
		// The reply already happened; losing the state write means the next
		// turn replays from the prior state, which the machine tolerates.
		o.logger.Error("failed to persist session", "user_id", in.UserID, "error", putErr)
		if execErr == nil {
			execErr = putErr
		}
	}
	return reply, execErr
}

// resolveValidation runs the directory lookup for a ValidateCode intent and
// folds the outcome back through the state machine.
func (o *Orchestrator) resolveValidation(ctx context.Context, in Inbound, sess *store.Session, res flow.Result) flow.Result {
	if len(res.Intents) != 1 || res.Intents[0].Kind != flow.IntentValidateCode {
		return res
	}
	code := res.Intents[0].Code

	entry, err := o.directory.Lookup(ctx, code, in.UserID)
	switch {
	case err == nil:
		return o.machine.ResolveCode(sess, code, flow.CodeAccepted, &flow.CodeEntry{
			AgentCode:   entry.AgentCode,
			DisplayName: entry.DisplayName,
		})
	case errors.Is(err, directory.ErrPhoneMismatch):
		o.logger.Info("access code not registered to sender", "user_id", in.UserID, "code", code)
		return o.machine.ResolveCode(sess, code, flow.CodePhoneMismatch, nil)
	case errors.Is(err, directory.ErrCodeNotFound):
		return o.machine.ResolveCode(sess, code, flow.CodeUnknown, nil)
	default:
		o.logger.Warn("directory lookup failed", "code", code, "error", err)
		return o.machine.ResolveCode(sess, code, flow.CodeDirectoryDown, nil)
	}
}

// executeIntents performs the side effects the transition decided on and
// returns the final reply text. res.Session may be amended (an interaction
// that could not start rolls the pointer back).
func (o *Orchestrator) executeIntents(ctx context.Context, in Inbound, prevTraceID string, res *flow.Result) (string, error) {
	reply := res.Reply

	for _, intent := range res.Intents {
		switch intent.Kind {
		case flow.IntentStartInteraction:
			r, err := o.startInteraction(ctx, in, prevTraceID, res, intent)
			if err != nil {
				return r, err
			}
			reply = r

		case flow.IntentForwardMessage:
			agentReply, err := o.broker.Send(ctx, intent.TraceID, in.UserID, res.Session.AgentKind, intent.Text)
			if err != nil {
				// Trace stays Pending with counters untouched; the user can
				// simply resend.
				o.logger.Warn("agent call failed",
					"user_id", in.UserID, "trace_id", intent.TraceID, "error", err)
				return agentFallback(err), nil
			}
			reply = agentReply.Text
			o.ledger.RecordActivity(ctx, intent.TraceID, 1, agentReply.Calls, agentReply.Units)

		case flow.IntentRecordFeedback:
			if err := o.ledger.RecordFeedback(ctx, intent.TraceID, intent.Sentiment, intent.Text); err != nil {
				// Thank the user regardless; a lost rating is not their problem.
				o.logger.Error("failed to record feedback",
					"trace_id", intent.TraceID, "error", err)
			}
		}
	}
	return reply, nil
}

// startInteraction opens the trace, then the agent session. Trace creation
// strictly precedes persisting the session pointer, so a crash in between
// leaves an orphaned trace rather than a dangling pointer.
func (o *Orchestrator) startInteraction(ctx context.Context, in Inbound, prevTraceID string, res *flow.Result, intent flow.Intent) (string, error) {
	// An agent switch abandons the previous trace's session; retire its
	// binding so nothing rides it later.
	if prevTraceID != "" && prevTraceID != intent.TraceID {
		if err := o.broker.CloseSession(ctx, prevTraceID); err != nil {
			o.logger.Warn("failed to close previous agent session",
				"trace_id", prevTraceID, "error", err)
		}
	}

	err := o.ledger.StartTrace(ctx, intent.TraceID, in.UserID, res.Session.AgentCode, intent.AgentKind)
	if err != nil {
		// Without a trace row the pointer must not move; put the user back
		// on the menu.
		res.Session.State = store.StateCodeEntered
		res.Session.ActiveTraceID = ""
		res.Session.AgentKind = store.AgentKindUnset
		return replyInternal, fmt.Errorf("starting trace: %w", err)
	}

	agentReply, err := o.broker.Open(ctx, intent.TraceID, in.UserID, intent.AgentKind)
	if err != nil {
		// The trace exists and the session will point at it; the next
		// message retries the agent session transparently.
		o.logger.Warn("agent session open failed",
			"user_id", in.UserID, "trace_id", intent.TraceID, "error", err)
		return agentFallback(err), nil
	}

	o.ledger.RecordActivity(ctx, intent.TraceID, 0, agentReply.Calls, agentReply.Units)
	if agentReply.Text == "" {
		return res.Reply, nil
	}
	return res.Reply + "\n\n" + agentReply.Text, nil
}

func agentFallback(err error) string {
	if errors.Is(err, broker.ErrAgentTimeout) {
		return replyTimeout
	}
	return replyUnavailable
}
