// ABOUTME: Agent session broker - binds traces to external agent sessions.
// ABOUTME: Reconciles the platform's async submit/poll API into one blocking call.

// Package broker mediates between the conversation layer and the external
// agent platform. Each trace owns at most one live agent session, recorded
// as an AgentBinding; the broker creates sessions on demand, deduplicates
// concurrent creation with singleflight, and turns the platform's
// submit-then-poll request lifecycle into a single blocking Send.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/agentline/gateway/internal/store"
)

// initToken opens a fresh agent session; the agent answers it with its
// opening message. It is never shown to the user as their own text.
const initToken = "conversation_start"

// maxConsecutivePollErrors bounds transport flakiness during a poll loop
// before the request is abandoned.
const maxConsecutivePollErrors = 3

var (
	// ErrAgentUnavailable reports that the platform rejected or failed the
	// request after retries.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrAgentTimeout reports that the agent did not complete the request
	// within the poll window.
	ErrAgentTimeout = errors.New("agent timed out")
)

// Reply is a completed agent response with its usage counters.
type Reply struct {
	Text  string
	Calls int // HTTP round trips consumed (submit + polls)
	Units int // estimated usage units reported by the platform
}

// Config holds broker tuning and platform addressing.
type Config struct {
	BaseURL               string
	APIKey                string
	RecommendationAgentID string
	PitchAgentID          string
	PollInitialInterval   time.Duration
	PollMaxInterval       time.Duration
	PollTimeout           time.Duration
	SubmitRetries         int
}

// Broker brokers agent sessions for traces.
type Broker struct {
	cfg    Config
	client *client
	store  store.Store
	group  singleflight.Group
}

// New creates a Broker backed by the given store.
func New(cfg Config, s store.Store) *Broker {
	return &Broker{
		cfg:    cfg,
		client: newClient(cfg.BaseURL, cfg.APIKey),
		store:  s,
	}
}

func (b *Broker) agentID(kind store.AgentKind) (string, error) {
	switch kind {
	case store.AgentKindRecommendation:
		return b.cfg.RecommendationAgentID, nil
	case store.AgentKindPitch:
		return b.cfg.PitchAgentID, nil
	default:
		return "", fmt.Errorf("no agent configured for kind %q", kind)
	}
}

// Open ensures a session exists for the trace and sends the init token,
// returning the agent's opening message.
func (b *Broker) Open(ctx context.Context, traceID, userID string, kind store.AgentKind) (*Reply, error) {
	return b.Send(ctx, traceID, userID, kind, initToken)
}

// Send delivers one message on the trace's agent session and blocks until
// the agent completes it. A binding invalidated by the platform is replaced
// once, transparently.
func (b *Broker) Send(ctx context.Context, traceID, userID string, kind store.AgentKind, text string) (*Reply, error) {
	agentID, err := b.agentID(kind)
	if err != nil {
		return nil, err
	}

	binding, err := b.ensureBinding(ctx, traceID, userID, agentID, kind)
	if err != nil {
		return nil, err
	}

	reply, err := b.sendOnBinding(ctx, agentID, traceID, binding, text)
	if isSessionLost(err) {
		// The platform forgot the session (expiry, restart). Bind a fresh
		// one for this trace and retry the message once.
		slog.Info("agent session lost, rebinding",
			"trace_id", traceID,
			"session_id", binding.ExternalSessionID)
		if markErr := b.store.MarkBindingInert(ctx, traceID); markErr != nil {
			slog.Warn("failed to mark binding inert", "trace_id", traceID, "error", markErr)
		}
		binding, err = b.ensureBinding(ctx, traceID, userID, agentID, kind)
		if err != nil {
			return nil, err
		}
		reply, err = b.sendOnBinding(ctx, agentID, traceID, binding, text)
	}
	if err != nil {
		return nil, err
	}

	if touchErr := b.store.TouchBinding(ctx, traceID, time.Now().UTC()); touchErr != nil {
		slog.Warn("failed to touch binding", "trace_id", traceID, "error", touchErr)
	}
	return reply, nil
}

// sendOnBinding delivers text on the binding's session. A session that has
// never completed its opening exchange gets the init token first, so the
// agent always sees the opening before any user text, even when the
// original open attempt failed and a later message is retrying.
func (b *Broker) sendOnBinding(ctx context.Context, agentID, traceID string, binding *store.AgentBinding, text string) (*Reply, error) {
	var opening *Reply
	if !binding.Opened {
		r, err := b.converse(ctx, agentID, binding.ExternalSessionID, initToken)
		if err != nil {
			return nil, err
		}
		if markErr := b.store.MarkBindingOpened(ctx, traceID); markErr != nil {
			slog.Warn("failed to mark binding opened", "trace_id", traceID, "error", markErr)
		}
		binding.Opened = true
		if text == initToken {
			return r, nil
		}
		opening = r
	}

	reply, err := b.converse(ctx, agentID, binding.ExternalSessionID, text)
	if err != nil {
		return nil, err
	}
	if opening != nil {
		// The catch-up opening exchange still consumed the platform; its
		// reply text is dropped, the counters are not.
		reply.Calls += opening.Calls
		reply.Units += opening.Units
	}
	return reply, nil
}

// ensureBinding returns the trace's live binding, creating the remote
// session if needed. Concurrent callers for the same trace share one
// creation via singleflight.
func (b *Broker) ensureBinding(ctx context.Context, traceID, userID, agentID string, kind store.AgentKind) (*store.AgentBinding, error) {
	if binding, err := b.liveBinding(ctx, traceID); err != nil {
		return nil, err
	} else if binding != nil {
		return binding, nil
	}

	v, err, _ := b.group.Do(traceID, func() (any, error) {
		// Re-check under the flight: a racing caller may have just bound.
		if binding, err := b.liveBinding(ctx, traceID); err != nil {
			return nil, err
		} else if binding != nil {
			return binding, nil
		}

		sessionID, err := b.client.createSession(ctx, agentID, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: creating session: %v", ErrAgentUnavailable, err)
		}

		binding := &store.AgentBinding{
			TraceID:           traceID,
			ExternalSessionID: sessionID,
			AgentKind:         kind,
		}
		if err := b.store.CreateBinding(ctx, binding); err != nil {
			if errors.Is(err, store.ErrDuplicateBinding) {
				// A racing caller bound first; its session wins.
				existing, getErr := b.store.GetBinding(ctx, traceID)
				if getErr != nil {
					return nil, fmt.Errorf("resolving binding race: %w", getErr)
				}
				return existing, nil
			}
			return nil, fmt.Errorf("persisting binding: %w", err)
		}
		return binding, nil
	})
	if err != nil {
		return nil, err
	}
	// The flight result is shared between callers; hand each its own copy.
	cp := *(v.(*store.AgentBinding))
	return &cp, nil
}

func (b *Broker) liveBinding(ctx context.Context, traceID string) (*store.AgentBinding, error) {
	binding, err := b.store.GetBinding(ctx, traceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading binding: %w", err)
	}
	if binding.Inert {
		return nil, nil
	}
	return binding, nil
}

// converse submits the message (with bounded retries) and polls until the
// platform completes it.
func (b *Broker) converse(ctx context.Context, agentID, sessionID, text string) (*Reply, error) {
	calls := 0

	var sub *submitResponse
	submit := func() error {
		calls++
		resp, err := b.client.submitMessage(ctx, agentID, sessionID, text)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		sub = resp
		return nil
	}

	submitBackoff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(b.cfg.SubmitRetries)),
		ctx)
	if err := backoff.Retry(submit, submitBackoff); err != nil {
		// Keep the platform error in the chain so callers can still inspect
		// the HTTP status (a 404 here means the session is gone).
		return nil, errors.Join(ErrAgentUnavailable, err)
	}

	// Fast path: some agents answer inline without an async request handle.
	if sub.Status == statusCompleted || sub.RequestID == "" {
		return &Reply{Text: sub.Response, Calls: calls, Units: sub.Usage.total()}, nil
	}

	return b.poll(ctx, sub.RequestID, calls)
}

func (b *Broker) poll(ctx context.Context, requestID string, calls int) (*Reply, error) {
	pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollTimeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.PollInitialInterval
	exp.MaxInterval = b.cfg.PollMaxInterval
	exp.MaxElapsedTime = b.cfg.PollTimeout

	var reply *Reply
	consecutiveErrors := 0

	check := func() error {
		calls++
		resp, err := b.client.pollRequest(pollCtx, requestID)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutivePollErrors {
				return backoff.Permanent(fmt.Errorf("%w: polling failed repeatedly: %v", ErrAgentUnavailable, err))
			}
			return err
		}
		consecutiveErrors = 0

		switch resp.Status {
		case statusCompleted:
			reply = &Reply{Text: resp.Response, Calls: calls, Units: resp.Usage.total()}
			return nil
		case statusFailed:
			return backoff.Permanent(fmt.Errorf("%w: request failed: %s", ErrAgentUnavailable, resp.Error))
		default:
			return fmt.Errorf("request %s still %s", requestID, resp.Status)
		}
	}

	err := backoff.Retry(check, backoff.WithContext(exp, pollCtx))
	if err != nil {
		if errors.Is(err, ErrAgentUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: request %s did not complete within %s", ErrAgentTimeout, requestID, b.cfg.PollTimeout)
	}
	return reply, nil
}

// CloseSession retires the trace's binding so no further messages ride it.
// The binding row is kept for audit; a missing binding is not an error.
func (b *Broker) CloseSession(ctx context.Context, traceID string) error {
	if err := b.store.MarkBindingInert(ctx, traceID); err != nil {
		return fmt.Errorf("closing session for trace %s: %w", traceID, err)
	}
	return nil
}

// isSessionLost reports whether the platform no longer recognizes the
// session behind a binding.
func isSessionLost(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
