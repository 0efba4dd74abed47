// ABOUTME: Best-effort analytics event emission over HTTP.
// ABOUTME: Events are buffered and dropped under pressure; never block the hot path.

// Package analytics ships usage events to an external collector. Delivery
// is strictly best effort: a full buffer or a failing collector must never
// slow down or fail message handling.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is a single analytics record.
type Event struct {
	Name      string         `json:"name"`
	UserID    string         `json:"user_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	AgentKind string         `json:"agent_kind,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink accepts analytics events.
type Sink interface {
	Emit(ev Event)
	Close()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(Event) {}
func (Noop) Close()     {}

// HTTPSink posts events as JSON to a collector endpoint, draining a
// bounded buffer from a single background worker.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	events   chan Event
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewHTTPSink creates a sink posting to endpoint with the given buffer size.
func NewHTTPSink(endpoint string, bufferSize int) *HTTPSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		events:   make(chan Event, bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues the event, dropping it when the buffer is full or the sink
// is closed. The events channel is never closed, so a straggling request
// that emits after shutdown drops its event instead of panicking.
func (s *HTTPSink) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		slog.Debug("analytics buffer full, dropping event", "event", ev.Name)
	}
}

// Close stops the worker after draining queued events.
func (s *HTTPSink) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *HTTPSink) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.deliver(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.events:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *HTTPSink) deliver(ev Event) {
	if err := s.post(ev); err != nil {
		slog.Debug("analytics delivery failed", "event", ev.Name, "error", err)
	}
}

func (s *HTTPSink) post(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	return nil
}
