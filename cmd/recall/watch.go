package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/ignore"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		owner    string
		debounce time.Duration
		exts     []string
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Keep the files in a directory ingested",
		Long: `Ingest every matching file in a directory, then keep the documents in
sync: changed files are re-ingested and removed files are deleted. The
directory is not watched recursively. Document ids live only for the
lifetime of the command. File name patterns listed in .recallignore or
.gitignore in the directory are skipped.

Examples:
  recall watch --owner alice ~/notes
  recall watch --owner alice --ext .md --ext .txt --debounce 2s ./docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(owner); err != nil {
				return err
			}
			w, err := newDirWatcher(c, owner, args[0], debounce, exts)
			if err != nil {
				return err
			}
			defer w.close()
			return w.run(cmd.Context())
		},
	}
	ownerFlag(cmd, &owner)
	cmd.Flags().DurationVar(&debounce, "debounce", time.Second, "wait this long after the last write before ingesting")
	cmd.Flags().StringSliceVar(&exts, "ext", []string{".md", ".txt"}, "file extensions to ingest")
	return cmd
}

// dirWatcher mirrors the files of one directory into recalld documents.
type dirWatcher struct {
	cli      *cli
	owner    string
	dir      string
	debounce time.Duration
	exts     []string
	ignored  *ignore.Matcher
	watcher  *fsnotify.Watcher

	docs    map[string]string    // path -> document id
	pending map[string]time.Time // path -> last write
}

func newDirWatcher(c *cli, owner, dir string, debounce time.Duration, exts []string) (*dirWatcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	ignored, err := ignore.Load(abs)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &dirWatcher{
		cli:      c,
		owner:    owner,
		dir:      abs,
		debounce: debounce,
		exts:     exts,
		ignored:  ignored,
		watcher:  watcher,
		docs:     map[string]string{},
		pending:  map[string]time.Time{},
	}, nil
}

func (w *dirWatcher) close() {
	_ = w.watcher.Close()
}

func (w *dirWatcher) matches(path string) bool {
	return slices.Contains(w.exts, strings.ToLower(filepath.Ext(path))) && !w.ignored.Match(path)
}

// run ingests the current files and then follows changes until ctx is done.
func (w *dirWatcher) run(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && w.matches(e.Name()) {
			w.sync(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	fmt.Fprintf(w.cli.out, "Watching %s (%d documents)\n", w.dir, len(w.docs))

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w.cli.out, "watch error: %v\n", err)
		case now := <-ticker.C:
			for path, at := range w.pending {
				if now.Sub(at) >= w.debounce {
					delete(w.pending, path)
					w.sync(ctx, path)
				}
			}
		}
	}
}

func (w *dirWatcher) handle(ctx context.Context, event fsnotify.Event) {
	if !w.matches(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
		w.remove(ctx, event.Name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.pending[event.Name] = time.Now()
	}
}

// sync ingests path, replacing the document it was ingested as before. A
// document the server stored before failing keeps its id, and retryable
// failures are queued again.
func (w *dirWatcher) sync(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(w.cli.out, "skipping %s: %v\n", filepath.Base(path), err)
		}
		return
	}
	if strings.TrimSpace(string(content)) == "" {
		return
	}
	req := documentRequest{
		OwnerID:   w.owner,
		Title:     filepath.Base(path),
		Text:      string(content),
		SourceURL: (&url.URL{Scheme: "file", Path: path}).String(),
	}

	var res ingestResponse
	id, known := w.docs[path]
	if known {
		err = w.cli.call(ctx, http.MethodPut, "/api/v1/documents/"+url.PathEscape(id), req, &res)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			known = false
		}
	}
	if !known {
		err = w.cli.call(ctx, http.MethodPost, "/api/v1/documents", req, &res)
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.DocumentID != "" {
				w.docs[path] = apiErr.DocumentID
			}
			if apiErr.Retryable {
				w.pending[path] = time.Now()
			}
		}
		fmt.Fprintf(w.cli.out, "failed to ingest %s: %v\n", req.Title, err)
		return
	}
	w.docs[path] = res.DocumentID
	fmt.Fprintf(w.cli.out, "Ingested %s as %s (%d chunks)\n", req.Title, res.DocumentID, res.ChunkCount)
}

func (w *dirWatcher) remove(ctx context.Context, path string) {
	id, ok := w.docs[path]
	if !ok {
		return
	}
	target := "/api/v1/documents/" + url.PathEscape(id) + "?owner_id=" + url.QueryEscape(w.owner)
	err := w.cli.call(ctx, http.MethodDelete, target, nil, nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound) {
		fmt.Fprintf(w.cli.out, "failed to delete %s: %v\n", filepath.Base(path), err)
		return
	}
	delete(w.docs, path)
	fmt.Fprintf(w.cli.out, "Deleted %s (%s)\n", filepath.Base(path), id)
}
