// Package main provides the CLI entry point for the tether gateway.
//
// Tether lets a human drive a local coding agent from Telegram while keeping
// veto power over sensitive operations: the agent's permission prompts are
// intercepted by a local MCP server and suspended on an out-of-band approval
// with a hard deadline.
//
// Start the daemon:
//
//	tether serve --config tether.yaml
//
// Configuration can be overridden via environment variables:
//
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - TETHER_ALLOWED_CHAT_IDS: comma-separated chat ids allowed to connect
//   - TETHER_DB_PATH: SQLite database path
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/tether/internal/approval"
	"github.com/haasonsaas/tether/internal/channels/telegram"
	"github.com/haasonsaas/tether/internal/config"
	"github.com/haasonsaas/tether/internal/gate"
	"github.com/haasonsaas/tether/internal/gateway"
	"github.com/haasonsaas/tether/internal/mux"
	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/internal/routing"
	"github.com/haasonsaas/tether/internal/runner"
	"github.com/haasonsaas/tether/internal/runner/claudecli"
	"github.com/haasonsaas/tether/internal/sessions"
	"github.com/haasonsaas/tether/internal/storage"
	"github.com/haasonsaas/tether/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tether",
		Short:        "Tether - human-in-the-loop gateway for a local coding agent",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "tether.yaml", "Path to configuration file")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := sessions.NewRegistry(store, logger, sessions.WithTTL(cfg.Storage.SessionTTL))
	router := routing.NewRouter(routing.WithTTL(cfg.Approval.RoutingTTL))
	broker := approval.NewBroker(nil, logger,
		approval.WithTimeout(cfg.Approval.Timeout),
		approval.WithMetrics(metrics),
	)

	gateURL := fmt.Sprintf("http://%s/mcp", cfg.Approval.Listen)
	runtime := claudecli.NewRuntime(cfg.Agent.Bin, gateURL, logger,
		claudecli.WithModel(cfg.Agent.Model),
	)

	// The coordinator consumes the runner's events and the runner is the
	// coordinator's query service; the sink closures break the construction
	// cycle. Nothing flows through them until the bot starts.
	var coordinator *gateway.Coordinator
	queryRunner := runner.NewRunner(runtime, registry, mux.NewMux(),
		runner.EventSinkFunc(func(ctx context.Context, e models.AgentEvent) {
			coordinator.Emit(ctx, e)
		}),
		runner.ErrorSinkFunc(func(ctx context.Context, owner string, err error) {
			coordinator.ReportError(ctx, owner, err)
		}),
		logger,
		runner.WithMetrics(metrics),
	)
	coordinator = gateway.NewCoordinator(queryRunner, registry, router, broker, logger,
		gateway.WithWorkDir(cfg.Agent.WorkDir))

	adapter, err := telegram.NewAdapter(telegram.Config{
		Token:          cfg.Telegram.Token,
		AllowedChatIDs: cfg.Telegram.AllowedChatIDs,
		Logger:         logger,
	}, coordinator)
	if err != nil {
		return err
	}
	broker.SetNotifier(adapter)
	coordinator.SetOutbound(adapter)

	permGate := gate.NewGate(router, registry, broker, logger)
	gateServer := gate.NewServer(cfg.Approval.Listen, permGate, broker, logger,
		gate.WithMetricsHandler(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	if pruner, ok := store.(storage.Pruner); ok {
		_, err := scheduler.AddFunc(cfg.Maintenance.Schedule, func() {
			pruned, err := pruner.Prune(context.Background())
			if err != nil {
				logger.Warn("store prune failed", "error", err)
				return
			}
			if pruned > 0 {
				logger.Info("expired entries pruned", "count", pruned)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule maintenance: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := gateServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go adapter.Start(ctx)

	logger.Info("tether started",
		"version", version,
		"approval_listen", cfg.Approval.Listen,
		"storage", cfg.Storage.Driver)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		logger.Error("permission server failed", "error", err)
	}

	// Pending approvals drain before queries are torn down so no gate call
	// is left waiting on a human during exit.
	coordinator.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("permission server shutdown", "error", err)
	}

	logger.Info("tether stopped")
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	default:
		return storage.NewMemoryStore(), nil
	}
}
