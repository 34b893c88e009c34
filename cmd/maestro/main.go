// Maestro conversational orchestrator server. It serves the HTTP API and
// per-session WebSocket stream, classifies user messages and drives
// multi-step tool workflows.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workstreamhq/maestro/pkg/api"
	"github.com/workstreamhq/maestro/pkg/assistant"
	"github.com/workstreamhq/maestro/pkg/audit"
	"github.com/workstreamhq/maestro/pkg/classify"
	"github.com/workstreamhq/maestro/pkg/cleanup"
	"github.com/workstreamhq/maestro/pkg/config"
	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm"
	"github.com/workstreamhq/maestro/pkg/masking"
	"github.com/workstreamhq/maestro/pkg/orchestrator"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
	"github.com/workstreamhq/maestro/pkg/version"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Maestro",
		"version", version.Full(),
		"http_addr", cfg.HTTPAddr,
		"default_model", cfg.DefaultModel,
		"max_iterations", cfg.MaxIterations)

	ctx := context.Background()

	// 2. LLM providers
	registry := llm.NewRegistry(cfg.DefaultModel, cfg.CheapModel)
	if cfg.AnthropicAPIKey != "" {
		registry.Register("anthropic", llm.NewAnthropicClient(cfg.AnthropicAPIKey), llm.AnthropicModels())
		slog.Info("Anthropic provider registered")
	}
	if cfg.OpenAIAPIKey != "" {
		registry.Register("openai", llm.NewOpenAIClient(cfg.OpenAIAPIKey), llm.OpenAIModels())
		slog.Info("OpenAI provider registered")
	}
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Error("Error closing LLM clients", "error", err)
		}
	}()

	// 3. Tool registry
	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterSandbox(toolRegistry, cfg.SandboxTimeout); err != nil {
		slog.Error("Failed to register sandbox tool", "error", err)
		os.Exit(1)
	}
	if err := tools.RegisterDatetime(toolRegistry); err != nil {
		slog.Error("Failed to register datetime tool", "error", err)
		os.Exit(1)
	}
	maskingService := masking.NewService()
	toolRegistry.SetResultMasker(maskingService.Mask)
	slog.Info("Tools registered",
		"count", len(toolRegistry.List()),
		"masking_patterns", len(maskingService.PatternNames()))

	// 4. Event bus, optionally backed by the audit store with retention
	bus := events.NewBus()
	if cfg.DatabaseURL != "" {
		store, err := audit.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to open audit store", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Error("Error closing audit store", "error", err)
			}
		}()
		bus.SetSink(store)
		slog.Info("Audit store connected")

		retention := cleanup.NewService(store, cfg.AuditRetention, cfg.AuditSweepInterval)
		retention.Start(ctx)
		defer retention.Stop()
	}

	// 5. Sessions with background expiry
	sessions := session.NewManager()
	expiryCtx, stopExpiry := context.WithCancel(ctx)
	defer stopExpiry()
	if cfg.SessionTTL > 0 {
		sessions.StartExpiry(expiryCtx, cfg.SessionTTL, cfg.SweepInterval)
		slog.Info("Session expiry enabled", "ttl", cfg.SessionTTL)
	}

	// 6. Assistant pipeline
	pl := planner.New(registry, toolRegistry, bus, cfg.DefaultModel, cfg.ThinkingBudget)
	orchCfg := orchestrator.Config{
		Model:             cfg.DefaultModel,
		MaxIterations:     cfg.MaxIterations,
		ApprovalTimeout:   cfg.ApprovalTimeout,
		AssistanceTimeout: cfg.AssistanceTimeout,
		StopPoll:          cfg.StopPoll,
		ToolResultLimit:   cfg.ToolResultLimit,
		ThinkingBudget:    cfg.ThinkingBudget,
	}
	if cfg.Workspace != nil {
		pl.SetWorkspace(&planner.Workspace{
			FolderID:   cfg.Workspace.FolderID,
			FolderName: cfg.Workspace.FolderName,
		})
		orchCfg.WorkspaceID = cfg.Workspace.FolderID
		orchCfg.WorkspaceName = cfg.Workspace.FolderName
		slog.Info("Workspace folder configured",
			"folder_id", cfg.Workspace.FolderID,
			"folder_name", cfg.Workspace.FolderName)
	}
	agent := assistant.New(bus, sessions,
		classify.New(registry, cfg.CheapModel),
		registry, toolRegistry, pl,
		assistant.Config{
			Orchestrator:   orchCfg,
			SubscriberWait: cfg.SubscriberWait,
			SubscriberPoll: cfg.SubscriberPoll,
		})

	// 7. HTTP server (non-blocking)
	httpServer := api.NewServer(agent, sessions, bus)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Run(cfg.HTTPAddr); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Maestro started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop workflows first, then drain HTTP
	agentCtx, agentCancel := context.WithTimeout(ctx, 10*time.Second)
	defer agentCancel()
	if err := agent.Shutdown(agentCtx); err != nil {
		slog.Warn("Workflow shutdown timeout exceeded", "error", err)
	} else {
		slog.Info("Workflows stopped gracefully")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
