// ABOUTME: Entry point for the agentline conversation gateway.
// ABOUTME: Wires the store, broker, orchestrator, and webhook server together.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/agentline/gateway/internal/analytics"
	"github.com/agentline/gateway/internal/broker"
	"github.com/agentline/gateway/internal/config"
	"github.com/agentline/gateway/internal/dedupe"
	"github.com/agentline/gateway/internal/directory"
	"github.com/agentline/gateway/internal/flow"
	"github.com/agentline/gateway/internal/gateway"
	"github.com/agentline/gateway/internal/ledger"
	"github.com/agentline/gateway/internal/orchestrator"
	"github.com/agentline/gateway/internal/session"
	"github.com/agentline/gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                           _   _ _
  __ _  __ _  ___ _ __ | |_| (_)_ __   ___
 / _' |/ _' |/ _ \ '_ \| __| | | '_ \ / _ \
| (_| | (_| |  __/ | | | |_| | | | | |  __/
 \__,_|\__, |\___|_| |_|\__|_|_|_| |_|\___|
       |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: AGENTLINE_CONFIG env var > XDG_CONFIG_HOME/agentline/gateway.yaml > ~/.config/agentline/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTLINE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentline", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agentline-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the conversation gateway")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting agentline-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sessions := session.NewManager(st, cfg.Session.TTL, cfg.Session.SweepInterval)
	defer sessions.Close()

	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer cache.Close()

	var sink analytics.Sink = analytics.Noop{}
	if cfg.Analytics.Enabled {
		httpSink := analytics.NewHTTPSink(cfg.Analytics.Endpoint, cfg.Analytics.BufferSize)
		defer httpSink.Close()
		sink = httpSink
	}

	machine := flow.NewMachine(flow.WithPrompts(flow.DefaultPrompts().Merge(flow.Prompts{
		Greeting:       cfg.Prompts.Greeting,
		Menu:           cfg.Prompts.Menu,
		InvalidCode:    cfg.Prompts.InvalidCode,
		AuthFailed:     cfg.Prompts.AuthFailed,
		InvalidOption:  cfg.Prompts.InvalidOption,
		FeedbackThanks: cfg.Prompts.FeedbackThanks,
		DirectoryDown:  cfg.Prompts.DirectoryDown,
	})))

	agentBroker := broker.New(broker.Config{
		BaseURL:               cfg.Agent.BaseURL,
		APIKey:                cfg.Agent.APIKey,
		RecommendationAgentID: cfg.Agent.RecommendationAgentID,
		PitchAgentID:          cfg.Agent.PitchAgentID,
		PollInitialInterval:   cfg.Agent.PollInitialInterval,
		PollMaxInterval:       cfg.Agent.PollMaxInterval,
		PollTimeout:           cfg.Agent.PollTimeout,
		SubmitRetries:         cfg.Agent.SubmitRetries,
	}, st)

	orch := orchestrator.New(
		sessions,
		machine,
		directory.New(st, nil),
		agentBroker,
		ledger.New(st, sink),
		cache,
	)

	srv := gateway.NewServer(gateway.Config{
		Addr:            cfg.Server.HTTPAddr,
		SignatureSecret: cfg.Webhook.SignatureSecret,
		PublicURL:       cfg.Webhook.PublicURL,
	}, orch)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
