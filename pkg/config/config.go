// Package config loads the server configuration from the environment, with
// .env autoloading and typed defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// WorkspaceFolder describes the default cloud folder steps should use when
// the user has not named a destination.
type WorkspaceFolder struct {
	FolderID   string `json:"folder_id"`
	FolderName string `json:"folder_name"`
}

// Config is the resolved server configuration.
type Config struct {
	HTTPAddr string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultModel    string
	CheapModel      string

	MaxIterations     int           // ReAct iteration budget
	ApprovalTimeout   time.Duration // plan confirmation wait
	AssistanceTimeout time.Duration // user assistance wait
	SubscriberWait    time.Duration // wait for a WS subscriber before a turn
	SubscriberPoll    time.Duration
	StopPoll          time.Duration // stop-flag poll interval inside waits

	SessionTTL    time.Duration // idle expiry, 0 disables
	SweepInterval time.Duration

	ThinkingBudget  int // planner reasoning budget in tokens
	ToolResultLimit int // transport cap on tool results, chars
	SandboxTimeout  time.Duration

	Workspace *WorkspaceFolder // nil when unconfigured

	DatabaseURL        string        // audit store DSN, empty disables auditing
	AuditRetention     time.Duration // age after which audit entries are purged
	AuditSweepInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg := &Config{
		HTTPAddr:           envString("HTTP_ADDR", ":8080"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		DefaultModel:       envString("DEFAULT_MODEL", "claude-sonnet-4-5"),
		CheapModel:         envString("CHEAP_MODEL", "claude-haiku-4-5"),
		MaxIterations:      envInt("MAX_ITERATIONS", 10),
		ApprovalTimeout:    envDuration("APPROVAL_TIMEOUT", 300*time.Second),
		AssistanceTimeout:  envDuration("ASSISTANCE_TIMEOUT", 300*time.Second),
		SubscriberWait:     envDuration("SUBSCRIBER_WAIT", 5*time.Second),
		SubscriberPoll:     envDuration("SUBSCRIBER_POLL", 100*time.Millisecond),
		StopPoll:           envDuration("STOP_POLL", 500*time.Millisecond),
		SessionTTL:         envDuration("SESSION_TTL", 0),
		SweepInterval:      envDuration("SWEEP_INTERVAL", time.Minute),
		ThinkingBudget:     envInt("THINKING_BUDGET", 3000),
		ToolResultLimit:    envInt("TOOL_RESULT_LIMIT", 2000),
		SandboxTimeout:     envDuration("SANDBOX_TIMEOUT", 30*time.Second),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AuditRetention:     envDuration("AUDIT_RETENTION", 30*24*time.Hour),
		AuditSweepInterval: envDuration("AUDIT_SWEEP_INTERVAL", time.Hour),
	}

	if path := os.Getenv("WORKSPACE_FILE"); path != "" {
		ws, err := loadWorkspaceFolder(path)
		if err != nil {
			return nil, fmt.Errorf("loading workspace file: %w", err)
		}
		cfg.Workspace = ws
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts of the configuration that would otherwise fail
// at first use.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY must be set")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be at least 1, got %d", c.MaxIterations)
	}
	if c.ToolResultLimit < 100 {
		return fmt.Errorf("TOOL_RESULT_LIMIT must be at least 100, got %d", c.ToolResultLimit)
	}
	return nil
}

func loadWorkspaceFolder(path string) (*WorkspaceFolder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ws WorkspaceFolder
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if ws.FolderID == "" {
		return nil, fmt.Errorf("%s: folder_id is required", path)
	}
	return &ws, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Accept bare seconds for convenience.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}
