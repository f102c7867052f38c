package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

const testCollection = "test_chunks"

func newTestChromem(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemOptions{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(context.Background(), testCollection, 3))
	return idx
}

func point(id, owner, doc string, ordinal int, vec ...float32) Point {
	return Point{
		ID:     id,
		Vector: vec,
		Payload: ChunkPayload{
			OwnerID:    owner,
			DocumentID: doc,
			Title:      "Title " + doc,
			SourceURL:  "https://example.com/" + doc,
			ChunkText:  "text of " + id,
			Ordinal:    ordinal,
		},
	}
}

func TestChromemIndex_EnsureCollectionIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	require.NoError(t, idx.EnsureCollection(ctx, testCollection, 3))
	require.NoError(t, idx.EnsureCollection(ctx, testCollection, 3))

	err := idx.EnsureCollection(ctx, testCollection, 4)
	require.Error(t, err)
	assert.True(t, errdefs.IsDimensionMismatch(err))

	var mismatch *errdefs.DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 3, mismatch.Actual)
}

func TestChromemIndex_EnsureCollectionValidation(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(ChromemOptions{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		collection string
		dims       int
	}{
		{"uppercase", "Chunks", 3},
		{"dash", "my-chunks", 3},
		{"empty", "", 3},
		{"reserved", registryCollection, 3},
		{"zero dims", "chunks", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, idx.EnsureCollection(ctx, tt.collection, tt.dims))
		})
	}
}

func TestChromemIndex_RoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	p := point("c1", "alice", "d1", 2, 1, 0, 0)
	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{p}))

	hits, err := idx.Search(ctx, testCollection, []float32{1, 0, 0}, 5, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ID)
	assert.Equal(t, p.Payload, hits[0].Payload)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestChromemIndex_SearchOrderAndClamp(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{
		point("far", "alice", "d1", 0, 0, 0, 1),
		point("near", "alice", "d1", 1, 1, 0.1, 0),
		point("mid", "alice", "d1", 2, 1, 1, 0),
	}))

	hits, err := idx.Search(ctx, testCollection, []float32{1, 0, 0}, 50, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	assert.GreaterOrEqual(t, hits[1].Score, hits[2].Score)

	hits, err = idx.Search(ctx, testCollection, []float32{1, 0, 0}, 1, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].ID)
}

func TestChromemIndex_OwnerIsolation(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{
		point("a1", "alice", "d1", 0, 1, 0, 0),
		point("a2", "alice", "d1", 1, 0, 1, 0),
		point("b1", "bob", "d2", 0, 1, 0, 0),
	}))

	hits, err := idx.Search(ctx, testCollection, []float32{1, 0, 0}, 10, Filter{OwnerID: "bob"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b1", hits[0].ID)
	assert.Equal(t, "bob", hits[0].Payload.OwnerID)

	hits, err = idx.Search(ctx, testCollection, []float32{1, 0, 0}, 10, Filter{OwnerID: "carol"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = idx.Search(ctx, testCollection, []float32{1, 0, 0}, 10, Filter{})
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestChromemIndex_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{point("c1", "alice", "d1", 0, 1, 0, 0)}))
	updated := point("c1", "alice", "d1", 0, 0, 1, 0)
	updated.Payload.ChunkText = "rewritten"
	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{updated}))

	hits, err := idx.Search(ctx, testCollection, []float32{0, 1, 0}, 10, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rewritten", hits[0].Payload.ChunkText)
}

func TestChromemIndex_UpsertRejectsBadPoints(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	err := idx.Upsert(ctx, testCollection, []Point{point("c1", "alice", "d1", 0, 1, 0)})
	assert.True(t, errdefs.IsDimensionMismatch(err))

	err = idx.Upsert(ctx, testCollection, []Point{point("c1", "", "d1", 0, 1, 0, 0)})
	assert.ErrorIs(t, err, ErrMissingOwner)

	err = idx.Upsert(ctx, testCollection, []Point{point("", "alice", "d1", 0, 1, 0, 0)})
	assert.Error(t, err)

	err = idx.Upsert(ctx, "never_ensured", []Point{point("c1", "alice", "d1", 0, 1, 0, 0)})
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemIndex_SearchDimensionMismatch(t *testing.T) {
	idx := newTestChromem(t)

	_, err := idx.Search(context.Background(), testCollection, []float32{1, 0}, 5, Filter{OwnerID: "alice"})
	assert.True(t, errdefs.IsDimensionMismatch(err))
}

func TestChromemIndex_Deletes(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)

	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{
		point("a1", "alice", "d1", 0, 1, 0, 0),
		point("a2", "alice", "d1", 1, 1, 0.2, 0),
		point("a3", "alice", "d2", 0, 1, 0.4, 0),
		point("b1", "bob", "d1", 0, 1, 0, 0),
	}))

	require.NoError(t, idx.DeleteByIDs(ctx, testCollection, []string{"a1", "missing"}))
	require.NoError(t, idx.DeleteByIDs(ctx, testCollection, []string{"a1"}), "deleting twice is a no-op")
	require.NoError(t, idx.DeleteByIDs(ctx, testCollection, nil))

	hits, err := idx.Search(ctx, testCollection, []float32{1, 0, 0}, 10, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// bob's document shares the id d1 but a different owner.
	require.NoError(t, idx.DeleteByDocument(ctx, testCollection, "alice", "d1"))

	hits, err = idx.Search(ctx, testCollection, []float32{1, 0, 0}, 10, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a3", hits[0].ID)

	hits, err = idx.Search(ctx, testCollection, []float32{1, 0, 0}, 10, Filter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	assert.ErrorIs(t, idx.DeleteByDocument(ctx, testCollection, "", "d1"), ErrMissingOwner)
	assert.NoError(t, idx.DeleteByIDs(ctx, "never_ensured", []string{"x"}))
}

func TestChromemIndex_SearchUnknownCollectionIsUnavailable(t *testing.T) {
	idx := newTestChromem(t)

	_, err := idx.Search(context.Background(), "never_ensured", []float32{1, 0, 0}, 5, Filter{OwnerID: "alice"})
	require.Error(t, err)
	assert.True(t, errdefs.IsIndexUnavailable(err))
}

func TestChromemIndex_EmptyCollectionSearch(t *testing.T) {
	idx := newTestChromem(t)

	hits, err := idx.Search(context.Background(), testCollection, []float32{1, 0, 0}, 5, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_PersistentDimensionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewChromemIndex(ChromemOptions{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(ctx, testCollection, 3))
	require.NoError(t, idx.Upsert(ctx, testCollection, []Point{point("c1", "alice", "d1", 0, 1, 0, 0)}))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(ChromemOptions{Path: dir}, zap.NewNop())
	require.NoError(t, err)

	err = reopened.EnsureCollection(ctx, testCollection, 384)
	assert.True(t, errdefs.IsDimensionMismatch(err))
	require.NoError(t, reopened.EnsureCollection(ctx, testCollection, 3))

	hits, err := reopened.Search(ctx, testCollection, []float32{1, 0, 0}, 5, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "text of c1", hits[0].Payload.ChunkText)
}
