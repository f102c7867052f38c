// Recalld is the semantic context retrieval daemon.
//
// It serves the REST API and the MCP streamable HTTP transport, and can
// run as an MCP stdio server for agent runtimes that spawn it directly.
//
// Configuration is read from ~/.config/recalld/config.yaml (or --config)
// and RECALLD_* environment variables.
//
// Usage:
//
//	# Start the HTTP server
//	recalld serve
//
//	# Serve MCP over stdio
//	recalld mcp
//
//	# Configure via environment
//	RECALLD_SERVER_PORT=9191 RECALLD_VECTORSTORE_PROVIDER=qdrant recalld serve
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/app"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Semantic context retrieval daemon",
	Long: `recalld stores documents, indexes them as embedded chunks and answers
semantic searches scoped to the document owner.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server with the MCP endpoint at /mcp, Prometheus
metrics at /metrics and the background reconciler.

Examples:
  recalld serve
  recalld serve --config /etc/recalld/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSignals(cmd.Context(), runServe)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP over stdio",
	Long: `Serve the ingest_document, search_context and delete_document tools
over stdio. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSignals(cmd.Context(), runStdio)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/recalld/config.yaml)")
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "recalld by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

func withSignals(parent context.Context, run func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// daemon is what both commands build before serving.
type daemon struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *logging.Logger
	app    *app.App
}

// setup loads configuration, starts telemetry and the logger, and builds
// the client context. Logs go to logOut.
func setup(ctx context.Context, logOut io.Writer) (*daemon, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLoggerTo(logCfg, tel.LoggerProvider(), logOut)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, app.WithVersion(version), app.WithTelemetry(tel))
	if err != nil {
		logger.Error(ctx, "startup failed", zap.Error(err))
		_ = logger.Sync()
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	return &daemon{cfg: cfg, tel: tel, logger: logger, app: a}, nil
}

// close releases the client context, then flushes logs and telemetry.
func (d *daemon) close(ctx context.Context) {
	if err := d.app.Close(ctx); err != nil {
		d.logger.Warn(ctx, "closing clients", zap.Error(err))
	}
	_ = d.logger.Sync()
	_ = d.tel.Shutdown(ctx)
}
