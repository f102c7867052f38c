// Package store is the canonical relational store for documents and chunks.
//
// Every operation is scoped to an owner. A row that exists under another
// owner yields *errdefs.UnauthorizedError; a missing row yields
// errdefs.ErrNotFound. Both satisfy errdefs.IsNotFound so transports render
// them identically. Driver failures are wrapped as
// *errdefs.CanonicalStoreError.
//
// Postgres (lib/pq) and SQLite (modernc.org/sqlite) share one squirrel query
// layer; the schema is applied with embedded goose migrations on Open.
package store

import (
	"context"
	"time"
)

// Status is the write-ahead indexing state of a document.
type Status string

const (
	// StatusPending means canonical rows are written but vectors may be
	// missing or stale.
	StatusPending Status = "pending"

	// StatusIndexed means the vector index matches the canonical rows.
	StatusIndexed Status = "indexed"
)

// Document is the canonical record of one ingested text.
type Document struct {
	ID         string
	OwnerID    string
	Title      string
	Text       string
	SourceURL  string
	Status     Status
	ChunkCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is one ordered slice of a document.
type Chunk struct {
	ID             string
	OwnerID        string
	DocumentID     string
	Ordinal        int
	Text           string
	EmbeddingModel string
	Dimensions     int
	CreatedAt      time.Time
}

// ChunkView is a chunk joined with its document, used to hydrate search
// hits.
type ChunkView struct {
	ChunkID    string
	DocumentID string
	OwnerID    string
	Ordinal    int
	Text       string
	Title      string
	SourceURL  string
}

// Store is the canonical store contract.
type Store interface {
	// CreateDocument inserts doc and its chunks atomically.
	CreateDocument(ctx context.Context, doc Document, chunks []Chunk) error

	// ReplaceChunks swaps the chunk set of an existing document and updates
	// its fields atomically. It returns the replaced chunk ids.
	ReplaceChunks(ctx context.Context, ownerID string, doc Document, chunks []Chunk) ([]string, error)

	GetDocument(ctx context.Context, ownerID, id string) (*Document, error)

	// ListDocuments returns the owner's documents, most recently updated
	// first.
	ListDocuments(ctx context.Context, ownerID string, limit int) ([]Document, error)

	// GetChunks returns the owner's chunks among ids. Ids that are missing
	// or owned by someone else are absent from the map.
	GetChunks(ctx context.Context, ownerID string, ids []string) (map[string]ChunkView, error)

	ListChunkIDs(ctx context.Context, ownerID, documentID string) ([]string, error)
	ListChunks(ctx context.Context, ownerID, documentID string) ([]Chunk, error)

	// DeleteDocument removes the document and its chunks in one
	// transaction and returns the removed chunk ids.
	DeleteDocument(ctx context.Context, ownerID, id string) ([]string, error)

	MarkIndexed(ctx context.Context, ownerID, id string) error

	// ListPending returns pending documents last updated before olderThan,
	// oldest first, across all owners.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]Document, error)

	Ping(ctx context.Context) error
	Close() error
}
