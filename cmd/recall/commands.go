package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

// documentRequest matches internal/http DocumentRequest.
type documentRequest struct {
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	SourceURL string `json:"source_url,omitempty"`
}

// ingestResponse matches internal/http IngestResponse.
type ingestResponse struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
	Redacted   int    `json:"redacted,omitempty"`
}

// documentResponse matches internal/http DocumentResponse.
type documentResponse struct {
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	SourceURL  string    `json:"source_url,omitempty"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type searchRequest struct {
	OwnerID string `json:"owner_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

type searchResponse struct {
	Results []struct {
		DocumentID string  `json:"document_id"`
		ChunkID    string  `json:"chunk_id"`
		Score      float32 `json:"score"`
		Title      string  `json:"title"`
		ChunkText  string  `json:"chunk_text"`
		SourceURL  string  `json:"source_url,omitempty"`
	} `json:"results"`
}

type reconcileRequest struct {
	OlderThanSeconds int `json:"older_than_seconds,omitempty"`
	Limit            int `json:"limit,omitempty"`
}

type reconcileResponse struct {
	Reindexed int    `json:"reindexed"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// docFlags are shared by ingest and reingest.
type docFlags struct {
	owner     string
	title     string
	sourceURL string
}

func (f *docFlags) register(cmd *cobra.Command) {
	ownerFlag(cmd, &f.owner)
	cmd.Flags().StringVar(&f.title, "title", "", "document title (default: file name)")
	cmd.Flags().StringVar(&f.sourceURL, "source-url", "", "where the document came from")
}

// readDocument reads a file, or stdin for "-" or no argument.
func (c *cli) readDocument(arg string, f *docFlags) (documentRequest, error) {
	if err := requireOwner(f.owner); err != nil {
		return documentRequest{}, err
	}

	var (
		content []byte
		err     error
	)
	title := f.title
	if arg == "" || arg == "-" {
		content, err = io.ReadAll(c.in)
		if err != nil {
			return documentRequest{}, fmt.Errorf("failed to read from stdin: %w", err)
		}
		if title == "" {
			return documentRequest{}, fmt.Errorf("--title is required when reading from stdin")
		}
	} else {
		content, err = os.ReadFile(arg)
		if err != nil {
			return documentRequest{}, fmt.Errorf("failed to read file %s: %w", arg, err)
		}
		if title == "" {
			title = filepath.Base(arg)
		}
	}

	if strings.TrimSpace(string(content)) == "" {
		return documentRequest{}, fmt.Errorf("no content to ingest")
	}
	return documentRequest{OwnerID: f.owner, Title: title, Text: string(content), SourceURL: f.sourceURL}, nil
}

func (c *cli) printIngest(verb string, res ingestResponse) {
	fmt.Fprintf(c.out, "%s %s (%d chunks, %s)\n", verb, res.DocumentID, res.ChunkCount, res.Status)
	if res.Redacted > 0 {
		fmt.Fprintf(c.out, "Redacted %d secret(s) before indexing\n", res.Redacted)
	}
}

func (c *cli) ingestCmd() *cobra.Command {
	var f docFlags
	cmd := &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Ingest a document from a file or stdin",
		Long: `Store a document and index it for semantic search.

Examples:
  # Ingest a file
  recall ingest --owner alice notes.md

  # Ingest from stdin
  cat report.txt | recall ingest --owner alice --title "Q3 report" -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.readDocument(firstArg(args), &f)
			if err != nil {
				return err
			}
			var res ingestResponse
			printed, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/documents", req, &res)
			if err != nil || printed {
				return err
			}
			c.printIngest("Ingested", res)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) reingestCmd() *cobra.Command {
	var f docFlags
	cmd := &cobra.Command{
		Use:   "reingest <id> [file|-]",
		Short: "Replace a document's content",
		Long: `Replace the content of an existing document. Searches stop returning
the old chunks once the new ones are indexed.

Examples:
  recall reingest --owner alice 6f1c2e4a-9d8b-4c3a-8e7f-1a2b3c4d5e6f notes.md`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := c.readDocument(firstArg(args[1:]), &f)
			if err != nil {
				return err
			}
			var res ingestResponse
			printed, err := c.do(cmd.Context(), http.MethodPut, "/api/v1/documents/"+url.PathEscape(args[0]), req, &res)
			if err != nil || printed {
				return err
			}
			c.printIngest("Replaced", res)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		owner string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the owner's documents",
		Long: `Run a semantic search over the owner's documents, best match first.

Examples:
  recall search --owner alice "best pasta in Rome"
  recall search --owner alice --limit 10 "deployment checklist"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(owner); err != nil {
				return err
			}
			var res searchResponse
			printed, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/search",
				searchRequest{OwnerID: owner, Query: strings.Join(args, " "), Limit: limit}, &res)
			if err != nil || printed {
				return err
			}
			if len(res.Results) == 0 {
				fmt.Fprintln(c.out, "No results")
				return nil
			}
			for i, hit := range res.Results {
				fmt.Fprintf(c.out, "%d. [%.3f] %s (%s)\n", i+1, hit.Score, hit.Title, hit.DocumentID)
				if hit.SourceURL != "" {
					fmt.Fprintf(c.out, "   %s\n", hit.SourceURL)
				}
				fmt.Fprintf(c.out, "   %s\n", snippet(hit.ChunkText, 200))
			}
			return nil
		},
	}
	ownerFlag(cmd, &owner)
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of results (server default 5)")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(owner); err != nil {
				return err
			}
			var doc documentResponse
			path := "/api/v1/documents/" + url.PathEscape(args[0]) + "?owner_id=" + url.QueryEscape(owner)
			printed, err := c.do(cmd.Context(), http.MethodGet, path, nil, &doc)
			if err != nil || printed {
				return err
			}
			fmt.Fprintf(c.out, "ID:      %s\n", doc.DocumentID)
			fmt.Fprintf(c.out, "Title:   %s\n", doc.Title)
			if doc.SourceURL != "" {
				fmt.Fprintf(c.out, "Source:  %s\n", doc.SourceURL)
			}
			fmt.Fprintf(c.out, "Status:  %s (%d chunks)\n", doc.Status, doc.ChunkCount)
			fmt.Fprintf(c.out, "Updated: %s\n\n", doc.UpdatedAt.Format(time.RFC3339))
			fmt.Fprintln(c.out, doc.Text)
			return nil
		},
	}
	ownerFlag(cmd, &owner)
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document and its indexed chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(owner); err != nil {
				return err
			}
			path := "/api/v1/documents/" + url.PathEscape(args[0]) + "?owner_id=" + url.QueryEscape(owner)
			if _, err := c.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Deleted %s\n", args[0])
			return nil
		},
	}
	ownerFlag(cmd, &owner)
	return cmd
}

func (c *cli) reconcileCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-index documents left pending by index outages",
		Long: `Re-index documents whose chunks were stored but never reached the
vector index.

Examples:
  recall reconcile
  recall reconcile --older-than 10m --limit 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := reconcileRequest{OlderThanSeconds: int(olderThan / time.Second), Limit: limit}
			var res reconcileResponse
			printed, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/admin/reconcile", req, &res)
			if err != nil || printed {
				return err
			}
			fmt.Fprintf(c.out, "Reindexed %d document(s)\n", res.Reindexed)
			if res.Error != "" {
				fmt.Fprintf(c.out, "Some documents are still pending: %s\n", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only documents pending at least this long (server default)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum documents to re-index (default 100)")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check recalld server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.send(cmd.Context(), http.MethodGet, "/health", nil)
			if err != nil {
				return err
			}
			if r.status != http.StatusOK && r.status != http.StatusServiceUnavailable {
				return apiError(r)
			}
			var h healthResponse
			printed, err := c.decode(r, &h)
			if err != nil {
				return err
			}
			if !printed {
				fmt.Fprintf(c.out, "Server Status: %s\n", h.Status)
				fmt.Fprintf(c.out, "Server URL: %s\n", c.server)
				names := make([]string, 0, len(h.Components))
				for name := range h.Components {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(c.out, "  %-12s %s\n", name, h.Components[name])
				}
			}
			if r.status != http.StatusOK {
				return fmt.Errorf("server unhealthy (status %d)", r.status)
			}
			return nil
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// snippet flattens s onto one line and truncates it to n runes.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
