// ABOUTME: Configuration loading and parsing for agentline-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agentline-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Prompts   PromptsConfig   `yaml:"prompts"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds external agent service configuration
type AgentConfig struct {
	BaseURL               string `yaml:"base_url"`
	APIKey                string `yaml:"api_key"`
	RecommendationAgentID string `yaml:"recommendation_agent_id"`
	PitchAgentID          string `yaml:"pitch_agent_id"`

	PollInitialInterval time.Duration `yaml:"-"`
	PollMaxInterval     time.Duration `yaml:"-"`
	PollTimeout         time.Duration `yaml:"-"`
	SubmitRetries       int           `yaml:"submit_retries"`

	// Raw string values for YAML unmarshaling
	PollInitialIntervalRaw string `yaml:"poll_initial_interval"`
	PollMaxIntervalRaw     string `yaml:"poll_max_interval"`
	PollTimeoutRaw         string `yaml:"poll_timeout"`
}

// SessionConfig holds conversation session policy configuration
type SessionConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// DedupeConfig holds webhook deduplication configuration
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	TTLRaw string `yaml:"ttl"`
}

// WebhookConfig holds inbound webhook configuration
type WebhookConfig struct {
	// SignatureSecret enables HMAC validation of inbound webhooks when set
	SignatureSecret string `yaml:"signature_secret"`
	// PublicURL is the externally visible webhook URL used in signature computation
	PublicURL string `yaml:"public_url"`
}

// AnalyticsConfig holds the write-only analytics sink configuration
type AnalyticsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	BufferSize int    `yaml:"buffer_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PromptsConfig overrides the built-in conversation prompt templates.
// Empty fields fall back to the defaults in the flow package.
type PromptsConfig struct {
	Greeting       string `yaml:"greeting"`
	Menu           string `yaml:"menu"`
	InvalidCode    string `yaml:"invalid_code"`
	AuthFailed     string `yaml:"auth_failed"`
	InvalidOption  string `yaml:"invalid_option"`
	FeedbackThanks string `yaml:"feedback_thanks"`
	DirectoryDown  string `yaml:"directory_down"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional settings.
func (c *Config) applyDefaults() {
	if c.Agent.PollInitialInterval == 0 {
		c.Agent.PollInitialInterval = 500 * time.Millisecond
	}
	if c.Agent.PollMaxInterval == 0 {
		c.Agent.PollMaxInterval = 5 * time.Second
	}
	if c.Agent.PollTimeout == 0 {
		c.Agent.PollTimeout = 30 * time.Second
	}
	if c.Agent.SubmitRetries == 0 {
		c.Agent.SubmitRetries = 2
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 30 * time.Minute
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 5 * time.Minute
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10000
	}
	if c.Analytics.BufferSize == 0 {
		c.Analytics.BufferSize = 256
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}
	if c.Agent.APIKey == "" {
		return fmt.Errorf("agent.api_key is required")
	}
	if c.Agent.RecommendationAgentID == "" {
		return fmt.Errorf("agent.recommendation_agent_id is required")
	}
	if c.Agent.PitchAgentID == "" {
		return fmt.Errorf("agent.pitch_agent_id is required")
	}
	if c.Analytics.Enabled && c.Analytics.Endpoint == "" {
		return fmt.Errorf("analytics.endpoint is required when analytics is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agent.PollInitialIntervalRaw, &cfg.Agent.PollInitialInterval, "agent.poll_initial_interval"},
		{cfg.Agent.PollMaxIntervalRaw, &cfg.Agent.PollMaxInterval, "agent.poll_max_interval"},
		{cfg.Agent.PollTimeoutRaw, &cfg.Agent.PollTimeout, "agent.poll_timeout"},
		{cfg.Session.TTLRaw, &cfg.Session.TTL, "session.ttl"},
		{cfg.Session.SweepIntervalRaw, &cfg.Session.SweepInterval, "session.sweep_interval"},
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
