// Package main implements the recall CLI, an HTTP client for recalld.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// cli holds the state shared by every command.
type cli struct {
	server  string
	jsonOut bool
	in      io.Reader
	out     io.Writer
	http    *http.Client
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{
		in:   in,
		out:  out,
		http: &http.Client{Timeout: 2 * time.Minute},
	}

	root := &cobra.Command{
		Use:   "recall",
		Short: "CLI for the recalld HTTP API",
		Long: `recall is a command-line interface for a recalld server. It ingests
documents, runs semantic searches and manages stored documents.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.server, "server", envOr("RECALL_SERVER", "http://localhost:9191"), "recalld server URL")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		c.ingestCmd(),
		c.reingestCmd(),
		c.searchCmd(),
		c.getCmd(),
		c.deleteCmd(),
		c.reconcileCmd(),
		c.healthCmd(),
		c.watchCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ownerFlag registers the --owner flag, defaulting to $RECALL_OWNER.
func ownerFlag(cmd *cobra.Command, owner *string) {
	cmd.Flags().StringVar(owner, "owner", os.Getenv("RECALL_OWNER"), "document owner (default $RECALL_OWNER)")
}

func requireOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("--owner is required (or set RECALL_OWNER)")
	}
	return nil
}
