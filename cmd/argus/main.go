// Package main provides the CLI entry point for Argus, an
// infrastructure-operations assistant runtime.
//
// # Basic Usage
//
// Run a one-shot agent session:
//
//	argus chat "which hosts are on the 10.0.0.0/24 network?"
//
// Execute a reviewed plan (dry run by default):
//
//	argus plan exec --file plan.json
//	argus plan exec --file plan.json --execute --token <approval-token>
//
// Mint an approval token and inspect the audit log:
//
//	argus approve --user ops
//	argus audit
//
// # Environment Variables
//
//   - ARGUS_CONFIG: Path to configuration file (default: argus.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: referenced from the config
//     file via ${VAR} expansion
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/argus-ops/argus/internal/agent"
	"github.com/argus-ops/argus/internal/cancel"
	"github.com/argus-ops/argus/internal/config"
	"github.com/argus-ops/argus/internal/events"
	"github.com/argus-ops/argus/internal/llm"
	"github.com/argus-ops/argus/internal/memory"
	"github.com/argus-ops/argus/internal/observability"
	"github.com/argus-ops/argus/internal/plan"
	"github.com/argus-ops/argus/internal/retention"
	"github.com/argus-ops/argus/internal/sandbox"
	"github.com/argus-ops/argus/internal/store"
	"github.com/argus-ops/argus/internal/tools"
	"github.com/argus-ops/argus/pkg/models"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "argus",
		Short: "Argus - infrastructure operations assistant",
		Long: `Argus runs an LLM-driven assistant loop with sandboxed tool execution
against your infrastructure: shell commands, HTTP requests, file edits
and graph queries, gated by a capability policy and an audit trail.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $ARGUS_CONFIG or argus.yaml)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildPlanCmd(),
		buildApproveCmd(),
		buildAuditCmd(),
		buildEventsCmd(),
	)
	return rootCmd
}

// loadConfig reads the configured YAML file, falling back to defaults
// when no file exists at the default location.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("ARGUS_CONFIG")
	}
	if path == "" {
		path = "argus.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runtime bundles the wired components shared by the subcommands.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	bus       *events.Bus
	sandbox   *sandbox.Runtime
	approvals store.ApprovalStore
	audits    store.AuditStore
	db        *store.DB
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	logger := setupLogger(cfg.Logging)
	metrics := observability.NewMetrics(nil)
	bus := events.NewBus(cfg.Events.HistorySize, cfg.Events.QueueSize,
		events.WithMetrics(metrics))

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		bus:     bus,
	}

	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		rt.db = db
		rt.approvals = store.NewSQLiteApprovalStore(db)
		rt.audits = store.NewSQLiteAuditStore(db)
	} else {
		rt.approvals = store.NewMemoryApprovalStore()
		rt.audits = store.NewMemoryAuditStore()
	}

	sb := sandbox.NewRuntime(cfg.Sandbox,
		sandbox.WithLogger(logger),
		sandbox.WithMetrics(metrics),
		sandbox.WithAudit(func(ctx context.Context, event models.AuditEvent) {
			if err := rt.audits.Add(ctx, event); err != nil {
				logger.Warn("audit write failed", "error", err)
			}
		}))
	sb.Register(tools.NewTerminalTool())
	sb.Register(tools.NewBrowserTool())
	sb.Register(tools.NewFileEditTool())
	sb.Register(tools.NewThinkingTool())
	sb.Register(tools.NewTodoTool())
	sb.Register(tools.NewFinishTool())
	rt.sandbox = sb

	return rt, nil
}

func (rt *runtime) close() {
	rt.bus.Shutdown()
	if rt.db != nil {
		rt.db.Close()
	}
}

func buildChatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Run a one-shot agent session against a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			client, err := llm.New(cfg.LLM,
				llm.WithLogger(rt.logger), llm.WithMetrics(rt.metrics))
			if err != nil {
				return err
			}
			if !client.IsAvailable() {
				return fmt.Errorf("llm provider %s is not configured (missing api key)", cfg.LLM.Provider)
			}

			worker := retention.NewWorker(cfg.Retention, rt.approvals, rt.audits,
				retention.WithLogger(rt.logger))
			if err := worker.Start(); err != nil {
				return err
			}
			defer worker.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := cancel.NewRegistry()
			token := registry.Register(sessionID, "cli")
			go func() {
				<-ctx.Done()
				token.Cancel()
			}()
			defer registry.Clear(sessionID, "cli")

			systemPrompt := agent.BuildSystemPrompt(ctx, rt.sandbox.Tools(), cfg.Sandbox, nil)
			mem := memory.New(memory.Options{
				MaxTokens:          cfg.LLM.MaxContextTokens,
				ReserveRatio:       cfg.Memory.ReserveRatio,
				RecentToKeep:       cfg.Memory.RecentToKeep,
				SummarizeThreshold: cfg.Memory.SummarizeThreshold,
				ChunkSize:          cfg.Memory.ChunkSize,
			})

			assistant := agent.NewAssistant(client, rt.sandbox, systemPrompt,
				cfg.Agent.MaxIterations,
				agent.WithLogger(rt.logger),
				agent.WithMetrics(rt.metrics),
				agent.WithEventBus(rt.bus),
				agent.WithMemory(mem))

			history := []models.ChatMessage{
				models.NewChatMessage(models.RoleUser, args[0],
					models.Meta{Kind: models.KindMessage}),
			}

			out := cmd.OutOrStdout()
			for msg := range assistant.RunIter(ctx, history, token) {
				printMessage(out, msg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "Session id for cancellation tracking")
	return cmd
}

// printMessage renders one streamed message for the terminal.
func printMessage(out io.Writer, msg models.ChatMessage) {
	switch msg.Meta.Kind {
	case models.KindToolCall:
		for _, call := range msg.Meta.ToolCalls {
			fmt.Fprintf(out, "[tool] %s %s\n", call.Name, call.Arguments)
		}
	case models.KindToolResult:
		status := "ok"
		if !msg.Meta.Success {
			status = "error"
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", status, msg.Meta.ToolName, msg.Content)
	case models.KindPlan:
		fmt.Fprintf(out, "[plan]\n%s\n", msg.Content)
	case models.KindThinking:
		fmt.Fprintf(out, "[thinking] %s\n", msg.Content)
	case models.KindWarning:
		fmt.Fprintf(out, "[warning] %s\n", msg.Content)
	case models.KindError:
		fmt.Fprintf(out, "[error] %s\n", msg.Content)
	default:
		fmt.Fprintln(out, msg.Content)
	}
}

func buildPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with declarative plans",
	}
	cmd.AddCommand(buildPlanExecCmd())
	return cmd
}

func buildPlanExecCmd() *cobra.Command {
	var (
		file    string
		execute bool
		token   string
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute plan steps from a JSON file (dry run unless --execute)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			var steps []models.PlanStep
			if err := json.Unmarshal(data, &steps); err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}

			engine := plan.NewEngine(rt.sandbox,
				plan.WithApprovalStore(rt.approvals),
				plan.WithLogger(rt.logger),
				plan.WithMetrics(rt.metrics),
				plan.WithEventBus(rt.bus))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resp, err := engine.Execute(ctx, models.ExecutionRequest{
				DryRun:        !execute,
				Steps:         steps,
				ApprovalToken: token,
			})
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "plan.json", "Plan file (JSON array of steps)")
	cmd.Flags().BoolVar(&execute, "execute", false, "Actually run the steps instead of a dry run")
	cmd.Flags().StringVar(&token, "token", "", "Approval token for steps that require approval")
	return cmd
}

func buildApproveCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Mint an approval token for plan execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			record, err := rt.approvals.Create(cmd.Context(), user, "execute", ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\nexpires: %s\n",
				record.Token, record.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User the approval is attributed to")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "Token lifetime")
	return cmd
}

func buildAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			list, err := rt.audits.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, event := range list {
				fmt.Fprintf(out, "%s  %-8s %-20s %s\n",
					event.CreatedAt.Format(time.RFC3339),
					event.Actor, event.Action, event.Detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to show")
	return cmd
}

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Replay task event history from the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			out := cmd.OutOrStdout()
			for _, event := range rt.bus.History() {
				encoded, err := json.Marshal(event)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(encoded))
			}
			return nil
		},
	}
	return cmd
}
