// ABOUTME: HTTP webhook transport - receives provider callbacks, answers TwiML.
// ABOUTME: Owns chunking, markdown rendering, and signature validation; no conversation logic.

// Package gateway is the inbound HTTP edge. It adapts provider-shaped
// webhook deliveries (sender, body, message SID) into orchestrator calls
// and renders replies back as TwiML, chunked to the transport's size cap.
package gateway

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentline/gateway/internal/orchestrator"
)

// MessageHandler processes one inbound message and returns the reply text.
type MessageHandler interface {
	HandleMessage(ctx context.Context, in orchestrator.Inbound) (string, error)
}

// Config holds transport settings.
type Config struct {
	Addr string

	// SignatureSecret enables webhook signature validation when non-empty.
	SignatureSecret string
	// PublicURL is the externally visible webhook URL signatures are
	// computed against (required when SignatureSecret is set).
	PublicURL string
}

// Server is the webhook HTTP server.
type Server struct {
	cfg     Config
	handler MessageHandler
	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer creates the webhook server.
func NewServer(cfg Config, handler MessageHandler) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("component", "gateway"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhook/whatsapp", s.handleWebhook)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("webhook server listening", "addr", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	if s.cfg.SignatureSecret != "" && !validSignature(r, s.cfg.PublicURL, s.cfg.SignatureSecret) {
		s.logger.Warn("rejected webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	if from == "" || body == "" {
		http.Error(w, "missing From or Body", http.StatusBadRequest)
		return
	}

	// Some transports tag deliveries with a per-sender sequence number;
	// absence means arrival order is all we have.
	var seq int64
	if raw := r.PostForm.Get("SequenceNumber"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			seq = parsed
		}
	}

	reply, err := s.handler.HandleMessage(r.Context(), orchestrator.Inbound{
		UserID:    from,
		MessageID: sid,
		Seq:       seq,
		Text:      body,
	})
	if err != nil {
		s.logger.Error("message handling degraded", "message_id", sid, "error", err)
	}

	writeTwiML(w, ChunkMessage(RenderWhatsApp(reply), maxMessageLen))
}

type twimlResponse struct {
	XMLName  xml.Name `xml:"Response"`
	Messages []string `xml:"Message"`
}

func writeTwiML(w http.ResponseWriter, messages []string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))

	out := twimlResponse{Messages: messages}
	if err := xml.NewEncoder(w).Encode(out); err != nil {
		slog.Error("failed to encode twiml", "error", err)
	}
}
