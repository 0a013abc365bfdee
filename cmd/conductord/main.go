// Package main is the conductord entry point: the LM-orchestrated tool-use
// service with its HTTP API.
//
// Start the server:
//
//	conductord serve --config conductor.yaml
//
// Configuration comes from the optional YAML file plus environment
// variables; ANTHROPIC_API_KEY is required to serve.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/orchestrator"
	"github.com/conductorhq/conductor/internal/sandbox"
	"github.com/conductorhq/conductor/internal/server"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	// .env is a development convenience; a missing file is fine.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "conductord",
		Short:         "LM-orchestrated tool-use service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductord %s (%s)\n", version, commit)
		},
	})
	return rootCmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	stores, closeStores, err := buildStores(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	transport, err := llm.NewAnthropicTransport(llm.AnthropicConfig{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		return err
	}

	client := toolserver.NewClient(logger)
	runtime := sandbox.NewRuntime(logger)

	orch := orchestrator.New(transport, client, runtime, orchestrator.Config{
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		MaxIterations:     cfg.Orchestration.MaxIterations,
		CodeExecTimeout:   cfg.Sandbox.ExecTimeout(),
		MaxReentries:      cfg.Sandbox.MaxCalls,
		InvocationTimeout: cfg.ToolServers.InvocationTimeout(),
		MaxResponseBytes:  cfg.ToolServers.MaxResponseBytes,
		BudgetLimit:       cfg.Orchestration.MaxDownstreamCalls,
		DefaultPerCall:    cfg.Orchestration.DefaultDownstreamPerCall,
	}, logger, metrics)

	service := session.NewService(stores, client, orch, session.ServiceConfig{
		DefaultOrg:       cfg.Orchestration.DefaultOrg,
		DiscoveryTimeout: cfg.ToolServers.DiscoveryTimeout(),
	}, logger, metrics)

	server.Version = version
	srv := server.New(service, stores, server.Config{
		Addr:            cfg.Server.Addr,
		AdminRateWindow: cfg.Admin.RateLimitWindow(),
		AdminRateMax:    cfg.Admin.RateLimitMax,
	}, logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// buildStores selects sqlite persistence when a path is configured,
// otherwise in-memory state.
func buildStores(cfg *config.Config, logger *slog.Logger) (session.Stores, func(), error) {
	if cfg.Storage.SQLitePath == "" {
		logger.Info("using in-memory session storage")
		return session.NewMemoryStores().Stores(), func() {}, nil
	}
	sqlite, err := session.NewSQLiteStores(cfg.Storage.SQLitePath)
	if err != nil {
		return session.Stores{}, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	logger.Info("using sqlite session storage", "path", cfg.Storage.SQLitePath)
	return sqlite.Stores(), func() { sqlite.Close() }, nil
}
