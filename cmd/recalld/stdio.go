package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/recalld/internal/mcp"
)

// runStdio serves MCP on stdin/stdout. Everything else, logs included,
// goes to stderr.
func runStdio(ctx context.Context) error {
	d, err := setup(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	server, err := mcp.NewServer(&mcp.Config{
		Name:    "recalld",
		Version: version,
		Logger:  d.logger.Underlying().Named("mcp"),
		Meter:   d.tel.Meter("github.com/fyrsmithlabs/recalld/internal/mcp"),
	}, d.app.Services)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	go d.app.RunReconciler(ctx)

	fmt.Fprintf(os.Stderr, "recalld %s serving MCP on stdio\n", version)
	return server.Run(ctx)
}
