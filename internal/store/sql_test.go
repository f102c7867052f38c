package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

// setupTestStore opens a SQLite store in a temp directory.
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{
		Driver: DriverSQLite,
		DSN:    config.Secret(filepath.Join(t.TempDir(), "data", "recalld.db")),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDocument(id, owner string, chunks int) (Document, []Chunk) {
	doc := Document{
		ID:         id,
		OwnerID:    owner,
		Title:      "Doc " + id,
		Text:       "body of " + id,
		SourceURL:  "https://example.com/" + id,
		Status:     StatusPending,
		ChunkCount: chunks,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
	out := make([]Chunk, chunks)
	for i := range out {
		out[i] = Chunk{
			ID:             fmt.Sprintf("%s-c%d", id, i),
			OwnerID:        owner,
			DocumentID:     id,
			Ordinal:        i,
			Text:           fmt.Sprintf("chunk %d of %s", i, id),
			EmbeddingModel: "test-model",
			Dimensions:     3,
			CreatedAt:      baseTime,
		}
	}
	return doc, out
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mysql", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recalld.db")
	cfg := config.StoreConfig{Driver: DriverSQLite, DSN: config.Secret(path)}

	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 2)
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))

	got, err := s.GetDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, doc, *got)

	listed, err := s.ListChunks(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, chunks, listed)

	ids, err := s.ListChunkIDs(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1-c0", "d1-c1"}, ids)
}

func TestSQLStore_OwnerScoping(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 1)
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))

	_, err := s.GetDocument(ctx, "bob", "d1")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))
	assert.True(t, errdefs.IsNotFound(err), "foreign documents look missing")

	_, err = s.GetDocument(ctx, "alice", "missing")
	assert.True(t, errdefs.IsNotFound(err))
	assert.False(t, errdefs.IsUnauthorized(err))

	_, err = s.DeleteDocument(ctx, "bob", "d1")
	assert.True(t, errdefs.IsUnauthorized(err))

	_, err = s.ListChunkIDs(ctx, "bob", "d1")
	assert.True(t, errdefs.IsUnauthorized(err))

	assert.True(t, errdefs.IsUnauthorized(s.MarkIndexed(ctx, "bob", "d1")))

	views, err := s.GetChunks(ctx, "bob", []string{"d1-c0"})
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = s.GetDocument(ctx, "", "d1")
	assert.True(t, errdefs.IsInvalidInput(err))

	got, err := s.GetDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "rejected calls leave the row untouched")
}

func TestSQLStore_CreateRejectsForeignChunks(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 2)
	chunks[1].OwnerID = "bob"
	err := s.CreateDocument(ctx, doc, chunks)
	assert.True(t, errdefs.IsInvalidInput(err))

	_, err = s.GetDocument(ctx, "alice", "d1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSQLStore_CreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 2)
	chunks[1].Ordinal = 0 // violates the (document_id, ordinal) unique index

	err := s.CreateDocument(ctx, doc, chunks)
	require.Error(t, err)
	assert.True(t, errdefs.IsCanonicalStore(err))

	_, err = s.GetDocument(ctx, "alice", "d1")
	assert.True(t, errdefs.IsNotFound(err), "document insert must roll back")
}

func TestSQLStore_LargeDocument(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	// 8 columns per chunk puts 4200 rows past SQLite's 32766 variable limit
	// for a single statement.
	doc, chunks := testDocument("big", "alice", 4200)
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))

	ids, err := s.ListChunkIDs(ctx, "alice", "big")
	require.NoError(t, err)
	require.Len(t, ids, 4200)
	assert.Equal(t, "big-c0", ids[0])
	assert.Equal(t, "big-c4199", ids[4199])

	doc.UpdatedAt = baseTime.Add(time.Minute)
	_, replacement := testDocument("big", "alice", 4500)
	for i := range replacement {
		replacement[i].ID = fmt.Sprintf("big-g2-c%d", i)
	}
	old, err := s.ReplaceChunks(ctx, "alice", doc, replacement)
	require.NoError(t, err)
	assert.Len(t, old, 4200)

	ids, err = s.ListChunkIDs(ctx, "alice", "big")
	require.NoError(t, err)
	assert.Len(t, ids, 4500)
}

func TestSQLStore_LargeDocumentIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	// The duplicate id lands in a later insert batch than the original.
	doc, chunks := testDocument("big", "alice", 1200)
	chunks[1100].ID = chunks[3].ID
	err := s.CreateDocument(ctx, doc, chunks)
	require.Error(t, err)
	assert.True(t, errdefs.IsCanonicalStore(err))

	_, err = s.GetDocument(ctx, "alice", "big")
	assert.True(t, errdefs.IsNotFound(err), "earlier batches are rolled back with the document")
}

func TestSQLStore_ReplaceChunks(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 3)
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))
	require.NoError(t, s.MarkIndexed(ctx, "alice", "d1"))

	doc.Title = "Renamed"
	doc.Text = "new body"
	doc.Status = StatusPending
	doc.ChunkCount = 1
	doc.UpdatedAt = baseTime.Add(time.Hour)
	replacement := []Chunk{{
		ID: "d1-g2-c0", OwnerID: "alice", DocumentID: "d1", Ordinal: 0,
		Text: "new body", EmbeddingModel: "test-model", Dimensions: 3, CreatedAt: doc.UpdatedAt,
	}}

	old, err := s.ReplaceChunks(ctx, "alice", doc, replacement)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1-c0", "d1-c1", "d1-c2"}, old)

	got, err := s.GetDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.ChunkCount)
	assert.Equal(t, baseTime, got.CreatedAt)
	assert.Equal(t, baseTime.Add(time.Hour), got.UpdatedAt)

	ids, err := s.ListChunkIDs(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1-g2-c0"}, ids)

	_, err = s.ReplaceChunks(ctx, "bob", doc, nil)
	assert.True(t, errdefs.IsNotFound(err))

	doc.ID = "missing"
	_, err = s.ReplaceChunks(ctx, "alice", doc, nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSQLStore_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 2)
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))
	other, otherChunks := testDocument("d2", "alice", 1)
	require.NoError(t, s.CreateDocument(ctx, other, otherChunks))

	removed, err := s.DeleteDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1-c0", "d1-c1"}, removed)

	_, err = s.GetDocument(ctx, "alice", "d1")
	assert.True(t, errdefs.IsNotFound(err))

	views, err := s.GetChunks(ctx, "alice", []string{"d1-c0", "d1-c1", "d2-c0"})
	require.NoError(t, err)
	assert.Len(t, views, 1)
	assert.Contains(t, views, "d2-c0")

	_, err = s.DeleteDocument(ctx, "alice", "d1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSQLStore_GetChunksHydratesDocumentFields(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	doc, chunks := testDocument("d1", "alice", 2)
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))

	views, err := s.GetChunks(ctx, "alice", []string{"d1-c1", "nope"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ChunkView{
		ChunkID:    "d1-c1",
		DocumentID: "d1",
		OwnerID:    "alice",
		Ordinal:    1,
		Text:       "chunk 1 of d1",
		Title:      "Doc d1",
		SourceURL:  "https://example.com/d1",
	}, views["d1-c1"])

	empty, err := s.GetChunks(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLStore_ListDocumentsAndPending(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for i, id := range []string{"d1", "d2", "d3"} {
		doc, chunks := testDocument(id, "alice", 1)
		doc.UpdatedAt = baseTime.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateDocument(ctx, doc, chunks))
	}
	bobDoc, bobChunks := testDocument("b1", "bob", 1)
	require.NoError(t, s.CreateDocument(ctx, bobDoc, bobChunks))
	require.NoError(t, s.MarkIndexed(ctx, "alice", "d2"))

	docs, err := s.ListDocuments(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "d3", docs[0].ID, "most recently updated first")

	docs, err = s.ListDocuments(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	pending, err := s.ListPending(ctx, baseTime.Add(90*time.Second), 10)
	require.NoError(t, err)
	var ids []string
	for _, d := range pending {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"d1", "b1"}, ids)
}
