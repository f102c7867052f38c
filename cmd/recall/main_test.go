package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer records the last request to each route.
type fakeServer struct {
	*httptest.Server
	mu     sync.Mutex
	last   map[string]map[string]any
	calls  map[string]int
	flaked map[string]bool
}

func (f *fakeServer) get(route string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[route]
}

func (f *fakeServer) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// failFirst reports whether this is the first create of a "flaky" title.
func (f *fakeServer) failFirst(title string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(title, "flaky") || f.flaked[title] {
		return false
	}
	f.flaked[title] = true
	return true
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{last: map[string]map[string]any{}, calls: map[string]int{}, flaked: map[string]bool{}}
	record := func(r *http.Request) map[string]any {
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		route := r.Method + " " + r.URL.Path
		f.mu.Lock()
		f.last[route] = body
		f.calls[route]++
		f.mu.Unlock()
		return body
	}
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		body := record(r)
		if title, _ := body["title"].(string); f.failFirst(title) {
			reply(w, http.StatusServiceUnavailable, map[string]any{"error": "vector index unavailable", "retryable": true, "document_id": "doc-7"})
			return
		}
		reply(w, http.StatusCreated, map[string]any{"document_id": "doc-1", "chunk_count": 2, "status": "indexed", "redacted": 1})
	})
	mux.HandleFunc("PUT /api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusOK, map[string]any{"document_id": r.PathValue("id"), "chunk_count": 1, "status": "indexed"})
	})
	mux.HandleFunc("GET /api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("owner_id") != "alice" {
			reply(w, http.StatusNotFound, map[string]any{"error": "document not found"})
			return
		}
		reply(w, http.StatusOK, map[string]any{"document_id": r.PathValue("id"), "title": "Trip Notes", "text": "pasta", "status": "indexed", "chunk_count": 1})
	})
	mux.HandleFunc("DELETE /api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/search", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if f.get("POST /api/v1/search")["query"] == "throttle me" {
			w.Header().Set("Retry-After", "3")
			reply(w, http.StatusTooManyRequests, map[string]any{"error": "embedding provider throttled", "retryable": true})
			return
		}
		reply(w, http.StatusOK, map[string]any{"results": []map[string]any{
			{"document_id": "doc-1", "chunk_id": "c-1", "score": 0.91, "title": "Trip Notes", "chunk_text": "The best pasta\nin Rome."},
		}})
	})
	mux.HandleFunc("POST /api/v1/admin/reconcile", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusOK, map[string]any{"reindexed": 3})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "components": map[string]string{"store": "database is closed", "vectorstore": "ok"}})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func run(t *testing.T, srv *fakeServer, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestIngest(t *testing.T) {
	srv := newFakeServer(t)

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "notes.md")
		require.NoError(t, os.WriteFile(path, []byte("The best pasta in Rome."), 0600))

		out, err := run(t, srv, "", "ingest", "--owner", "alice", "--source-url", "https://example.com", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Ingested doc-1 (2 chunks, indexed)")
		assert.Contains(t, out, "Redacted 1 secret(s)")

		body := srv.get("POST /api/v1/documents")
		assert.Equal(t, "alice", body["owner_id"])
		assert.Equal(t, "notes.md", body["title"])
		assert.Equal(t, "https://example.com", body["source_url"])
	})

	t.Run("from stdin needs a title", func(t *testing.T) {
		_, err := run(t, srv, "some text", "ingest", "--owner", "alice", "-")
		assert.ErrorContains(t, err, "--title is required")

		_, err = run(t, srv, "some text", "ingest", "--owner", "alice", "--title", "Piped", "-")
		require.NoError(t, err)
		assert.Equal(t, "some text", srv.get("POST /api/v1/documents")["text"])
	})

	t.Run("owner is required", func(t *testing.T) {
		t.Setenv("RECALL_OWNER", "")
		_, err := run(t, srv, "text", "ingest", "--title", "x", "-")
		assert.ErrorContains(t, err, "--owner is required")
	})
}

func TestReingest(t *testing.T) {
	srv := newFakeServer(t)
	out, err := run(t, srv, "new text", "reingest", "--owner", "alice", "--title", "Notes", "doc-9", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Replaced doc-9")
	assert.Equal(t, "new text", srv.get("PUT /api/v1/documents/doc-9")["text"])
}

func TestSearch(t *testing.T) {
	srv := newFakeServer(t)

	out, err := run(t, srv, "", "search", "--owner", "alice", "--limit", "3", "best", "pasta")
	require.NoError(t, err)
	assert.Contains(t, out, "1. [0.910] Trip Notes (doc-1)")
	assert.Contains(t, out, "The best pasta in Rome.")
	body := srv.get("POST /api/v1/search")
	assert.Equal(t, "best pasta", body["query"])
	assert.EqualValues(t, 3, body["limit"])

	out, err = run(t, srv, "", "--json", "search", "--owner", "alice", "pasta")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)), out)

	_, err = run(t, srv, "", "search", "--owner", "alice", "throttle me")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.True(t, apiErr.Retryable)
	assert.Contains(t, err.Error(), "retry after 3s")
}

func TestGetAndDelete(t *testing.T) {
	srv := newFakeServer(t)

	out, err := run(t, srv, "", "get", "--owner", "alice", "doc-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Title:   Trip Notes")

	_, err = run(t, srv, "", "get", "--owner", "mallory", "doc-1")
	assert.ErrorContains(t, err, "document not found")

	out, err = run(t, srv, "", "delete", "--owner", "alice", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Deleted doc-1\n", out)
}

func TestReconcileAndHealth(t *testing.T) {
	srv := newFakeServer(t)

	out, err := run(t, srv, "", "reconcile", "--older-than", "10m", "--limit", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "Reindexed 3 document(s)")
	body := srv.get("POST /api/v1/admin/reconcile")
	assert.EqualValues(t, 600, body["older_than_seconds"])
	assert.EqualValues(t, 50, body["limit"])

	out, err = run(t, srv, "", "health")
	assert.ErrorContains(t, err, "status 503")
	assert.Contains(t, out, "Server Status: unavailable")
	assert.Contains(t, out, "store        database is closed")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", snippet("a\n b\tc", 10))
	assert.Equal(t, "héll...", snippet("héllo world", 4))
}

func TestWatch(t *testing.T) {
	srv := newFakeServer(t)
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.md")
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("binary"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.md"), []byte("not yet"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".recallignore"), []byte("draft.md\n"), 0600))

	var out bytes.Buffer
	c := &cli{server: srv.URL, out: &out, http: http.DefaultClient}
	w, err := newDirWatcher(c, "alice", dir, 50*time.Millisecond, []string{".md"})
	require.NoError(t, err)
	defer w.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.get("POST /api/v1/documents")["title"] == "existing.md"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.md"), []byte("fresh notes"), 0600))
	require.Eventually(t, func() bool {
		return srv.get("POST /api/v1/documents")["title"] == "new.md"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(existing))
	require.Eventually(t, func() bool {
		return srv.get("DELETE /api/v1/documents/doc-1") != nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, out.String(), "draft.md")
}

func TestNewDirWatcher_RejectsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	_, err := newDirWatcher(&cli{}, "alice", path, time.Second, nil)
	assert.ErrorContains(t, err, "not a directory")
}

func TestIngest_StoredButNotIndexed(t *testing.T) {
	srv := newFakeServer(t)
	_, err := run(t, srv, "text", "ingest", "--owner", "alice", "--title", "flaky notes", "-")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "doc-7", apiErr.DocumentID)
	assert.Contains(t, err.Error(), "retry with: recall reingest doc-7")
}

func TestWatch_RetriesStoredDocumentInPlace(t *testing.T) {
	srv := newFakeServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flaky.md"), []byte("pasta in Rome"), 0600))

	var out bytes.Buffer
	c := &cli{server: srv.URL, out: &out, http: http.DefaultClient}
	w, err := newDirWatcher(c, "alice", dir, 50*time.Millisecond, []string{".md"})
	require.NoError(t, err)
	defer w.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.get("PUT /api/v1/documents/doc-7")["title"] == "flaky.md"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, srv.count("POST /api/v1/documents"), "the retry reuses the stored id")
}
