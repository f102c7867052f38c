package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/recalld/internal/http"
	"github.com/fyrsmithlabs/recalld/internal/mcp"
)

// runServe starts the HTTP server and the reconciler and blocks until ctx
// is cancelled or the listener fails.
func runServe(ctx context.Context) error {
	d, err := setup(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	cfg := d.cfg
	zlog := d.logger.Underlying()

	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    "recalld",
		Version: version,
		Logger:  zlog.Named("mcp"),
		Meter:   d.tel.Meter("github.com/fyrsmithlabs/recalld/internal/mcp"),
	}, d.app.Services)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	srv, err := httpapi.NewServer(d.app.Services, zlog.Named("http"), &httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReconcileAge: cfg.Ingest.ReconcileAge.Duration(),
	},
		httpapi.WithMCPHandler(mcpServer.HTTPHandler()),
		httpapi.WithMeter(d.tel.Meter("github.com/fyrsmithlabs/recalld/internal/http")),
	)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	go d.app.RunReconciler(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	d.logger.Info(ctx, "recalld started",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("mcp_endpoint", "/mcp"),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn(shutdownCtx, "http server shutdown incomplete", zap.Error(err))
	}
	d.logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}
