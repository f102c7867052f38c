package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
)

const (
	toolIngest = "ingest_document"
	toolSearch = "search_context"
	toolDelete = "delete_document"
)

type ingestInput struct {
	OwnerID    string `json:"owner_id" jsonschema:"owner the document belongs to; searches only see the caller's own documents"`
	Title      string `json:"title" jsonschema:"document title"`
	Text       string `json:"text" jsonschema:"full document text"`
	SourceURL  string `json:"source_url,omitempty" jsonschema:"where the document came from"`
	DocumentID string `json:"document_id,omitempty" jsonschema:"id of an existing document to replace; omit to create a new one"`
}

type ingestOutput struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
	Redacted   int    `json:"redacted,omitempty" jsonschema:"number of secrets removed before indexing"`
}

type searchInput struct {
	OwnerID string `json:"owner_id" jsonschema:"owner whose documents are searched"`
	Query   string `json:"query" jsonschema:"natural language query"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 5, max 50)"`
}

type searchOutput struct {
	Results []retrieval.Hit `json:"results"`
	Count   int             `json:"count"`
}

type deleteInput struct {
	OwnerID    string `json:"owner_id" jsonschema:"owner of the document"`
	DocumentID string `json:"document_id" jsonschema:"id of the document to delete"`
}

type deleteOutput struct {
	DocumentID string `json:"document_id"`
	Deleted    bool   `json:"deleted"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolIngest,
		Description: "Store a document and index it for semantic search. Long documents are split into chunks. Passing document_id replaces that document's content.",
	}, instrument(s, toolIngest, s.handleIngest))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSearch,
		Description: "Find the passages most relevant to a query among the owner's documents, best match first. Returns an empty list when nothing matches or the index is temporarily unavailable.",
	}, instrument(s, toolSearch, s.handleSearch))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolDelete,
		Description: "Delete a document and all of its indexed chunks.",
	}, instrument(s, toolDelete, s.handleDelete))
}

// instrument records metrics for h and replaces internal errors with
// messages that are safe to show to the caller.
func instrument[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		end := s.metrics.begin(ctx, name)
		res, out, err := h(ctx, req, in)
		end(err)
		if err != nil {
			if !errdefs.IsInvalidInput(err) && !errdefs.IsNotFound(err) {
				s.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
			}
			var zero Out
			return nil, zero, toolError(err)
		}
		return res, out, nil
	}
}

// storedError is an ingestion failure after the document was written.
type storedError struct {
	documentID string
	err        error
}

func (e *storedError) Error() string { return e.err.Error() }
func (e *storedError) Unwrap() error { return e.err }

// toolError mirrors the HTTP error mapping: foreign and missing documents
// are indistinguishable and internal detail is not exposed. A stored
// document's id is included so the retry replaces it.
func toolError(err error) error {
	msg := toolMessage(err)
	var stored *storedError
	if errors.As(err, &stored) {
		return fmt.Errorf("%s; document was stored as %s, retry with document_id %q", msg, stored.documentID, stored.documentID)
	}
	return errors.New(msg)
}

func toolMessage(err error) string {
	if d, ok := errdefs.IsThrottled(err); ok {
		if d > 0 {
			return fmt.Sprintf("embedding provider throttled, retry after %s", d.Round(time.Second))
		}
		return "embedding provider throttled, retry later"
	}
	switch {
	case errdefs.IsInvalidInput(err):
		return err.Error()
	case errdefs.IsNotFound(err):
		return "document not found"
	case errdefs.IsTransientEmbedding(err):
		return "embedding provider unavailable, retry later"
	case errdefs.IsIndexUnavailable(err):
		return "vector index unavailable, retry later"
	default:
		return "internal error"
	}
}

func (s *Server) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, in ingestInput) (*mcp.CallToolResult, ingestOutput, error) {
	res, err := s.services.Ingest().Ingest(ctx, ingest.Request{
		OwnerID:    in.OwnerID,
		DocumentID: in.DocumentID,
		Title:      in.Title,
		Text:       in.Text,
		SourceURL:  in.SourceURL,
	})
	if err != nil {
		if res != nil {
			return nil, ingestOutput{}, &storedError{documentID: res.DocumentID, err: err}
		}
		return nil, ingestOutput{}, err
	}
	return nil, ingestOutput{
		DocumentID: res.DocumentID,
		ChunkCount: res.ChunkCount,
		Status:     string(res.Status),
		Redacted:   res.Redacted,
	}, nil
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in searchInput) (*mcp.CallToolResult, searchOutput, error) {
	hits, err := s.services.Retrieval().Search(ctx, in.OwnerID, in.Query, in.Limit)
	if err != nil {
		return nil, searchOutput{}, err
	}
	if hits == nil {
		hits = []retrieval.Hit{}
	}
	return nil, searchOutput{Results: hits, Count: len(hits)}, nil
}

func (s *Server) handleDelete(ctx context.Context, _ *mcp.CallToolRequest, in deleteInput) (*mcp.CallToolResult, deleteOutput, error) {
	if err := s.services.Ingest().Delete(ctx, in.OwnerID, in.DocumentID); err != nil {
		return nil, deleteOutput{}, err
	}
	return nil, deleteOutput{DocumentID: in.DocumentID, Deleted: true}, nil
}
