package http

import (
	"time"

	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/services"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

// DocumentRequest is the body for POST /api/v1/documents and
// PUT /api/v1/documents/:id.
type DocumentRequest struct {
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	SourceURL string `json:"source_url,omitempty"`
}

// IngestResponse is returned by document create and replace.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
	Redacted   int    `json:"redacted,omitempty"`
}

// DocumentResponse is returned by GET /api/v1/documents/:id.
type DocumentResponse struct {
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

func documentResponse(d *store.Document) DocumentResponse {
	return DocumentResponse{
		DocumentID: d.ID,
		OwnerID:    d.OwnerID,
		Title:      d.Title,
		Text:       d.Text,
		SourceURL:  d.SourceURL,
		Status:     string(d.Status),
		ChunkCount: d.ChunkCount,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}

// SearchRequest is the body for POST /api/v1/search.
type SearchRequest struct {
	OwnerID string `json:"owner_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

// SearchResponse is returned by POST /api/v1/search. Results is never
// null.
type SearchResponse struct {
	Results []retrieval.Hit `json:"results"`
}

// ReconcileRequest is the optional body for POST /api/v1/admin/reconcile.
type ReconcileRequest struct {
	// OlderThanSeconds selects pending documents last updated at least this
	// long ago. Zero uses the server's configured reconcile age.
	OlderThanSeconds int `json:"older_than_seconds,omitempty"`
	Limit            int `json:"limit,omitempty"`
}

// ReconcileResponse is returned by POST /api/v1/admin/reconcile.
type ReconcileResponse struct {
	Reindexed int    `json:"reindexed"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the body for GET /health.
type HealthResponse = services.Health
