package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/redact"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const (
	testCollection = "test_chunks"
	testDims       = 256
)

// bagOfWords embeds text as normalized hashed word counts, so texts that
// share words are close in cosine space.
type bagOfWords struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *bagOfWords) vector(text string) []float32 {
	v := make([]float32, testDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%testDims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func (b *bagOfWords) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	b.calls++
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.vector(t)
	}
	return out, nil
}

func (b *bagOfWords) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return b.vector(text), nil
}

func (b *bagOfWords) Dimension() int { return testDims }
func (b *bagOfWords) Model() string  { return "bag-of-words" }
func (b *bagOfWords) Close() error   { return nil }

func (b *bagOfWords) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *bagOfWords) failWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// flakyIndex fails selected operations on demand.
type flakyIndex struct {
	vectorstore.Index
	mu          sync.Mutex
	upsertErr   error
	deleteErr   error
	upsertCalls int
}

func (f *flakyIndex) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	f.mu.Lock()
	f.upsertCalls++
	err := f.upsertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Index.Upsert(ctx, collection, points)
}

func (f *flakyIndex) DeleteByDocument(ctx context.Context, collection, ownerID, documentID string) error {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Index.DeleteByDocument(ctx, collection, ownerID, documentID)
}

func (f *flakyIndex) set(upsertErr, deleteErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = upsertErr
	f.deleteErr = deleteErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.State
	}
	return out
}

func (r *recordingPublisher) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	pipeline *Pipeline
	provider *bagOfWords
	index    *flakyIndex
	store    *store.SQLStore
	events   *recordingPublisher
	logger   *logging.TestLogger
	tel      *telemetry.TestTelemetry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, config.StoreConfig{
		Driver: store.DriverSQLite,
		DSN:    config.Secret(filepath.Join(t.TempDir(), "recalld.db")),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	chromem, err := vectorstore.NewChromemIndex(vectorstore.ChromemOptions{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, chromem.EnsureCollection(ctx, testCollection, testDims))

	h := &harness{
		provider: &bagOfWords{},
		index:    &flakyIndex{Index: chromem},
		store:    st,
		events:   &recordingPublisher{},
		logger:   logging.NewTestLogger(),
		tel:      telemetry.NewTestTelemetry(),
	}
	client := embeddings.NewClient(h.provider, embeddings.ClientConfig{MaxAttempts: 2}, h.logger.Logger,
		embeddings.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	opts = append([]Option{
		WithEvents(h.events),
		WithTracer(h.tel.Tracer("test")),
		WithMeter(h.tel.Meter("test")),
	}, opts...)
	h.pipeline, err = New(Config{Collection: testCollection, MaxChars: 1200, EmbedBatchSize: 1}, client, h.index, st, h.logger.Logger, opts...)
	require.NoError(t, err)
	return h
}

// indexedIDs returns the sorted point ids the index holds for a document.
func (h *harness) indexedIDs(t *testing.T, ownerID, documentID string) []string {
	t.Helper()
	hits, err := h.index.Search(context.Background(), testCollection, h.provider.vector("trip"), 100, vectorstore.Filter{OwnerID: ownerID})
	require.NoError(t, err)
	ids := []string{}
	for _, hit := range hits {
		if hit.Payload.DocumentID == documentID {
			ids = append(ids, hit.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *harness) storedIDs(t *testing.T, ownerID, documentID string) []string {
	t.Helper()
	ids, err := h.store.ListChunkIDs(context.Background(), ownerID, documentID)
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func tripNotes(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "trip_notes.txt"))
	require.NoError(t, err)
	return string(data)
}

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StateChunking, true},
		{StateChunking, StateEmbedding, true},
		{StateEmbedding, StatePersisting, true},
		{StatePersisting, StateIndexing, true},
		{StateIndexing, StateComplete, true},
		{StateReceived, StateFailed, true},
		{StateIndexing, StateFailed, true},
		{StateReceived, StateEmbedding, false},
		{StateEmbedding, StateChunking, false},
		{StateComplete, StateFailed, false},
		{StateFailed, StateReceived, false},
		{StateChunking, StateChunking, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPipeline_IngestTripNotes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	text := tripNotes(t)
	require.InDelta(t, 2000, utf8.RuneCountInString(text), 50)

	res, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: text})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, store.StatusIndexed, res.Status)
	assert.False(t, res.Reingested)
	_, err = uuid.Parse(res.DocumentID)
	assert.NoError(t, err)

	doc, err := h.store.GetDocument(ctx, "alice", res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, doc.Status)
	assert.Equal(t, "Trip Notes", doc.Title)

	chunks, err := h.store.ListChunks(ctx, "alice", res.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 1200)
		assert.Equal(t, "bag-of-words", c.EmbeddingModel)
		assert.Equal(t, testDims, c.Dimensions)
	}
	assert.Contains(t, chunks[0].Text, "best pasta")

	assert.Equal(t, h.storedIDs(t, "alice", res.DocumentID), h.indexedIDs(t, "alice", res.DocumentID))
	assert.Equal(t, []string{"received", "chunking", "embedding", "persisting", "indexing", "complete"}, h.events.states())
	assert.Equal(t, 2, h.events.last().ChunkCount)
	assert.Equal(t, 2, h.provider.callCount(), "one embedding call per sub-batch")

	h.tel.AssertSpanExists(t, "ingest.Ingest")
	assert.Equal(t, int64(1), h.tel.CounterValue(t, "recalld.ingest.documents_total", attribute.String("mode", "create")))
	assert.Equal(t, int64(2), h.tel.CounterValue(t, "recalld.ingest.chunks_total"))
	h.logger.AssertLogged(t, zapcore.InfoLevel, "document ingested")
}

func TestPipeline_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty text", Request{OwnerID: "alice", Title: "Empty", Text: ""}},
		{"whitespace text", Request{OwnerID: "alice", Title: "Blank", Text: " \n\n\t \n"}},
		{"missing title", Request{OwnerID: "alice", Title: "  ", Text: "body"}},
		{"long title", Request{OwnerID: "alice", Title: strings.Repeat("t", MaxTitleLength+1), Text: "body"}},
		{"missing owner", Request{Title: "T", Text: "body"}},
		{"bad owner", Request{OwnerID: "alice bob", Title: "T", Text: "body"}},
		{"bad document id", Request{OwnerID: "alice", DocumentID: "d1", Title: "T", Text: "body"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			res, err := h.pipeline.Ingest(ctx, tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errdefs.IsInvalidInput(err), "got %v", err)

			assert.Zero(t, h.provider.callCount())
			docs, err := h.store.ListDocuments(ctx, "alice", 10)
			require.NoError(t, err)
			assert.Empty(t, docs)
			assert.Zero(t, h.index.upsertCalls)
			assert.Equal(t, []string{"received", "failed"}, h.events.states())
			assert.Equal(t, int64(1), h.tel.CounterValue(t, "recalld.ingest.failures_total",
				attribute.String("state", "received"), attribute.String("kind", "invalid_input")))
		})
	}
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	text := tripNotes(t)

	first, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: text})
	require.NoError(t, err)
	firstIDs := h.storedIDs(t, "alice", first.DocumentID)
	before, err := h.store.GetDocument(ctx, "alice", first.DocumentID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := h.pipeline.Ingest(ctx, Request{
			OwnerID:    "alice",
			DocumentID: first.DocumentID,
			Title:      "Trip Notes",
			Text:       text,
		})
		require.NoError(t, err)
		assert.True(t, res.Reingested)
		assert.Equal(t, first.DocumentID, res.DocumentID)
		assert.Equal(t, first.ChunkCount, res.ChunkCount)

		stored := h.storedIDs(t, "alice", first.DocumentID)
		require.Len(t, stored, first.ChunkCount)
		assert.Equal(t, stored, h.indexedIDs(t, "alice", first.DocumentID), "index holds exactly the current chunk set")
	}

	assert.NotEqual(t, firstIDs, h.storedIDs(t, "alice", first.DocumentID), "each ingest writes a new chunk generation")

	after, err := h.store.GetDocument(ctx, "alice", first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Equal(t, store.StatusIndexed, after.Status)

	docs, err := h.store.ListDocuments(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestPipeline_ReingestReplacesContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.NoError(t, err)

	res, err := h.pipeline.Ingest(ctx, Request{
		OwnerID:    "alice",
		DocumentID: first.DocumentID,
		Title:      "Trip Notes (short)",
		Text:       "Only the pasta in Rome mattered.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	ids := h.indexedIDs(t, "alice", first.DocumentID)
	assert.Len(t, ids, 1)
	assert.Equal(t, h.storedIDs(t, "alice", first.DocumentID), ids)
}

func TestPipeline_ReingestForeignDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.NoError(t, err)
	calls := h.provider.callCount()

	_, err = h.pipeline.Ingest(ctx, Request{OwnerID: "bob", DocumentID: res.DocumentID, Title: "Mine", Text: "stolen"})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, calls, h.provider.callCount(), "ownership is checked before embedding")

	_, err = h.pipeline.Ingest(ctx, Request{OwnerID: "alice", DocumentID: uuid.NewString(), Title: "T", Text: "body"})
	assert.True(t, errdefs.IsNotFound(err))

	doc, err := h.store.GetDocument(ctx, "alice", res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "Trip Notes", doc.Title)
}

func TestPipeline_EmbeddingFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.failWith(&errdefs.TransientEmbeddingError{Err: errors.New("connection reset")})

	_, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransientEmbedding(err))
	assert.True(t, errdefs.IsRetryable(err))

	docs, err := h.store.ListDocuments(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Zero(t, h.index.upsertCalls)
	assert.Equal(t, "failed", h.events.last().State)
	assert.NotEmpty(t, h.events.last().Error)
}

func TestPipeline_IndexFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.index.set(errors.New("connection refused"), nil)

	_, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.Error(t, err)
	assert.True(t, errdefs.IsIndexUnavailable(err))
	assert.True(t, errdefs.IsRetryable(err))
	assert.Equal(t, []string{"received", "chunking", "embedding", "persisting", "indexing", "failed"}, h.events.states())

	docs, err := h.store.ListDocuments(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, store.StatusPending, docs[0].Status, "canonical rows stay pending until indexed")

	h.index.set(nil, nil)
	n, err := h.pipeline.Reconcile(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := h.store.GetDocument(ctx, "alice", docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIndexed, doc.Status)
	assert.Equal(t, h.storedIDs(t, "alice", doc.ID), h.indexedIDs(t, "alice", doc.ID))
	assert.Equal(t, int64(1), h.tel.CounterValue(t, "recalld.ingest.reconciled_total"))

	n, err = h.pipeline.Reconcile(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left pending")
}

func TestPipeline_RetryAfterIndexFailureKeepsOneDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.index.set(errors.New("connection refused"), nil)

	req := Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)}
	res, err := h.pipeline.Ingest(ctx, req)
	require.Error(t, err)
	assert.True(t, errdefs.IsIndexUnavailable(err))
	require.NotNil(t, res, "a stored document is reported with its id")
	assert.NotEmpty(t, res.DocumentID)
	assert.Equal(t, store.StatusPending, res.Status)
	assert.Equal(t, 2, res.ChunkCount)

	h.index.set(nil, nil)
	req.DocumentID = res.DocumentID
	retried, err := h.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.DocumentID, retried.DocumentID)
	assert.Equal(t, store.StatusIndexed, retried.Status)

	n, err := h.pipeline.Reconcile(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	docs, err := h.store.ListDocuments(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Len(t, h.indexedIDs(t, "alice", res.DocumentID), 2)
	assert.Equal(t, h.storedIDs(t, "alice", res.DocumentID), h.indexedIDs(t, "alice", res.DocumentID))
}

func TestPipeline_FailureBeforeWriteReturnsNoResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.failWith(&errdefs.ThrottledError{Err: errors.New("429")})

	res, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestPipeline_ReconcileReportsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.index.set(errors.New("connection refused"), nil)

	_, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.Error(t, err)

	n, err := h.pipeline.Reconcile(ctx, time.Now().Add(time.Hour), 10)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.True(t, errdefs.IsIndexUnavailable(err))
	h.logger.AssertLogged(t, zapcore.WarnLevel, "reconcile failed")

	n, err = h.pipeline.Reconcile(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "recent pending documents are left to the ingest that wrote them")
}

func TestPipeline_Delete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.pipeline.Ingest(ctx, Request{OwnerID: "alice", Title: "Trip Notes", Text: tripNotes(t)})
	require.NoError(t, err)

	err = h.pipeline.Delete(ctx, "bob", res.DocumentID)
	assert.True(t, errdefs.IsNotFound(err), "foreign documents look missing")
	assert.Len(t, h.indexedIDs(t, "alice", res.DocumentID), 2)

	h.index.set(nil, errors.New("connection refused"))
	err = h.pipeline.Delete(ctx, "alice", res.DocumentID)
	assert.True(t, errdefs.IsRetryable(err))
	_, err = h.store.GetDocument(ctx, "alice", res.DocumentID)
	require.NoError(t, err, "canonical rows survive an index failure")

	h.index.set(nil, nil)
	require.NoError(t, h.pipeline.Delete(ctx, "alice", res.DocumentID))
	_, err = h.store.GetDocument(ctx, "alice", res.DocumentID)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, h.indexedIDs(t, "alice", res.DocumentID))

	assert.True(t, errdefs.IsNotFound(h.pipeline.Delete(ctx, "alice", res.DocumentID)))
	assert.True(t, errdefs.IsInvalidInput(h.pipeline.Delete(ctx, "", res.DocumentID)))
}

type stubRedactor struct{ secret string }

func (s stubRedactor) Redact(_ context.Context, text string) redact.Result {
	if !strings.Contains(text, s.secret) {
		return redact.Result{Text: text}
	}
	return redact.Result{
		Text:     strings.ReplaceAll(text, s.secret, "[REDACTED:test]"),
		Findings: []redact.Finding{{RuleID: "test", Line: 1}},
	}
}

func TestPipeline_RedactsBeforeChunking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithRedactor(stubRedactor{secret: "hunter2"}))

	res, err := h.pipeline.Ingest(ctx, Request{
		OwnerID: "alice",
		Title:   "Ops",
		Text:    "Deploy notes.\n\nThe staging password is hunter2 for now.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Redacted)

	doc, err := h.store.GetDocument(ctx, "alice", res.DocumentID)
	require.NoError(t, err)
	assert.NotContains(t, doc.Text, "hunter2")

	chunks, err := h.store.ListChunks(ctx, "alice", res.DocumentID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.NotContains(t, c.Text, "hunter2")
	}
	assert.Contains(t, chunks[0].Text, "[REDACTED:test]")
}

func TestChunkID(t *testing.T) {
	a := ChunkID("doc", "gen", 0)
	assert.Equal(t, a, ChunkID("doc", "gen", 0))
	assert.NotEqual(t, a, ChunkID("doc", "gen", 1))
	assert.NotEqual(t, a, ChunkID("doc", "gen2", 0))
	assert.NotEqual(t, a, ChunkID("doc2", "gen", 0))

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())
}

func TestNew_Validation(t *testing.T) {
	chromem, err := vectorstore.NewChromemIndex(vectorstore.ChromemOptions{}, nil)
	require.NoError(t, err)

	_, err = New(Config{Collection: testCollection}, nil, chromem, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Collection: "Bad-Name"}, &bagOfWords{}, chromem, &store.SQLStore{}, nil)
	assert.Error(t, err)
}
