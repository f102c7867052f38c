// Package ingest turns documents into stored chunks and indexed vectors.
//
// An ingestion moves through received, chunking, embedding, persisting,
// indexing and complete, or to failed from any earlier state. Every chunk
// is embedded before anything is written, so a failed embedding leaves no
// trace. Canonical rows are written first with status pending and flipped
// to indexed once the vectors are upserted; documents left pending by an
// index failure are picked up again by Reconcile.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/recalld/internal/chunker"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/redact"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/ingest"

// MaxTitleLength bounds document titles.
const MaxTitleLength = 512

// chunkNamespace seeds the UUIDv5 chunk ids.
var chunkNamespace = uuid.MustParse("6f9b1c2e-4d3a-5e8f-9a7b-0c1d2e3f4a5b")

// Embedder embeds document chunks. *embeddings.Client satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// Config tunes the pipeline.
type Config struct {
	Collection      string
	MaxChars        int
	Concurrency     int
	EmbedBatchSize  int
	UpsertBatchSize int
}

// ConfigFrom maps the service configuration onto a pipeline Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Collection:      c.VectorStore.Collection,
		MaxChars:        c.Chunker.MaxChars,
		Concurrency:     c.Ingest.Concurrency,
		EmbedBatchSize:  c.Embeddings.MaxBatchSize,
		UpsertBatchSize: c.Ingest.UpsertBatchSize,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxChars <= 0 {
		c.MaxChars = chunker.DefaultMaxChars
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 64
	}
}

// Request is a document to ingest. A non-empty DocumentID re-ingests an
// existing document, replacing its chunks.
type Request struct {
	OwnerID    string
	DocumentID string
	Title      string
	Text       string
	SourceURL  string
}

// Result describes a completed ingestion.
type Result struct {
	DocumentID string
	ChunkCount int
	Status     store.Status
	Redacted   int
	Reingested bool
}

// Pipeline runs ingestion, deletion and reconciliation.
type Pipeline struct {
	cfg      Config
	chunker  *chunker.Chunker
	embedder Embedder
	index    vectorstore.Index
	store    store.Store
	redactor redact.Redactor
	events   events.Publisher
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *metrics
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRedactor scrubs document text before chunking.
func WithRedactor(r redact.Redactor) Option {
	return func(p *Pipeline) { p.redactor = r }
}

// WithEvents publishes state transitions.
func WithEvents(pub events.Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// WithMeter records pipeline metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(p *Pipeline) { p.meter = meter }
}

// WithTracer records spans on tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a Pipeline.
func New(cfg Config, embedder Embedder, index vectorstore.Index, st store.Store, logger *logging.Logger, opts ...Option) (*Pipeline, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if index == nil {
		return nil, errors.New("vector index is required")
	}
	if st == nil {
		return nil, errors.New("canonical store is required")
	}
	if err := vectorstore.ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	p := &Pipeline{
		cfg:      cfg,
		chunker:  chunker.New(chunker.WithMaxChars(cfg.MaxChars)),
		embedder: embedder,
		index:    index,
		store:    st,
		redactor: redact.Nop{},
		events:   events.Nop{},
		logger:   logger.Named("ingest"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = newMetrics(p.meter, p.logger)
	return p, nil
}

// Ingest stores and indexes req. Validation failures and empty documents
// return InvalidInputError before any write. Embedding failures abort
// before any write. A failure after the canonical write, such as an
// unreachable index, returns the error together with a pending Result
// carrying the document id; retrying with that id replaces the same
// document instead of creating another.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Ingest")
	defer span.End()

	documentID := req.DocumentID
	reingest := documentID != ""
	if !reingest {
		documentID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("document_id", documentID),
		attribute.Bool("reingest", reingest),
	)
	ctx = logging.WithOwnerID(ctx, req.OwnerID)
	ctx = logging.WithDocumentID(ctx, documentID)

	r := p.newRun(ctx, span, req.OwnerID, documentID)
	res, err := p.ingest(ctx, r, req, reingest)
	if err != nil {
		err = r.fail(ctx, err)
		if !r.persisted {
			return nil, err
		}
		return &Result{
			DocumentID: r.documentID,
			ChunkCount: r.chunks,
			Status:     store.StatusPending,
			Reingested: reingest,
		}, err
	}
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, r *run, req Request, reingest bool) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if reingest {
		// Fail fast on foreign or missing documents before paying for
		// embeddings. ReplaceChunks checks again inside its transaction.
		if _, err := p.store.GetDocument(ctx, req.OwnerID, r.documentID); err != nil {
			return nil, err
		}
	}

	text := req.Text
	redacted := p.redactor.Redact(ctx, text)
	if len(redacted.Findings) > 0 {
		text = redacted.Text
		r.span.SetAttributes(attribute.Int("redacted", len(redacted.Findings)))
	}

	if err := r.advance(ctx, StateChunking); err != nil {
		return nil, err
	}
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return nil, errdefs.InvalidInput("text", "produced no chunks")
	}
	r.chunks = len(pieces)

	if err := r.advance(ctx, StateEmbedding); err != nil {
		return nil, err
	}
	vectors, err := p.embed(ctx, pieces)
	if err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StatePersisting); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	doc := store.Document{
		ID:         r.documentID,
		OwnerID:    req.OwnerID,
		Title:      strings.TrimSpace(req.Title),
		Text:       text,
		SourceURL:  req.SourceURL,
		Status:     store.StatusPending,
		ChunkCount: len(pieces),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chunks := p.buildChunks(doc, pieces, now)

	var oldIDs []string
	if reingest {
		oldIDs, err = p.store.ReplaceChunks(ctx, req.OwnerID, doc, chunks)
	} else {
		err = p.store.CreateDocument(ctx, doc, chunks)
	}
	if err != nil {
		return nil, err
	}
	r.persisted = true

	if err := r.advance(ctx, StateIndexing); err != nil {
		return nil, err
	}
	if reingest {
		if err := p.deleteVectors(ctx, req.OwnerID, r.documentID, oldIDs); err != nil {
			return nil, err
		}
	}
	if err := p.upsert(ctx, doc, chunks, vectors); err != nil {
		return nil, err
	}
	if err := p.store.MarkIndexed(ctx, req.OwnerID, r.documentID); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StateComplete); err != nil {
		return nil, err
	}
	mode := "create"
	if reingest {
		mode = "reingest"
	}
	elapsed := p.now().Sub(r.start)
	p.metrics.recordSuccess(ctx, mode, len(chunks), elapsed)
	p.logger.Info(ctx, "document ingested",
		zap.String("mode", mode),
		zap.Int("chunks", len(chunks)),
		zap.Int("redacted", len(redacted.Findings)),
		zap.Duration("elapsed", elapsed),
	)

	return &Result{
		DocumentID: r.documentID,
		ChunkCount: len(chunks),
		Status:     store.StatusIndexed,
		Redacted:   len(redacted.Findings),
		Reingested: reingest,
	}, nil
}

// Delete removes a document's vectors and then its canonical rows. A
// foreign or missing document is not-found. If the index cannot be reached
// the canonical rows are kept and the error is retryable.
func (p *Pipeline) Delete(ctx context.Context, ownerID, documentID string) error {
	ctx, span := p.tracer.Start(ctx, "ingest.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))
	ctx = logging.WithOwnerID(ctx, ownerID)
	ctx = logging.WithDocumentID(ctx, documentID)

	err := p.delete(ctx, ownerID, documentID)
	if err != nil {
		span.RecordError(err)
		if !errdefs.IsNotFound(err) {
			p.logger.Warn(ctx, "delete failed", zap.Error(err))
		}
		return err
	}
	p.logger.Info(ctx, "document deleted")
	return nil
}

func (p *Pipeline) delete(ctx context.Context, ownerID, documentID string) error {
	if err := tenant.ValidateOwnerID(ownerID); err != nil {
		return err
	}
	if err := tenant.ValidateDocumentID(documentID); err != nil {
		return err
	}

	ids, err := p.store.ListChunkIDs(ctx, ownerID, documentID)
	if err != nil {
		return err
	}
	if err := p.deleteVectors(ctx, ownerID, documentID, ids); err != nil {
		return err
	}
	_, err = p.store.DeleteDocument(ctx, ownerID, documentID)
	return err
}

func validate(req Request) error {
	if err := tenant.ValidateOwnerID(req.OwnerID); err != nil {
		return err
	}
	if req.DocumentID != "" {
		if err := tenant.ValidateDocumentID(req.DocumentID); err != nil {
			return err
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return errdefs.InvalidInput("title", "is required")
	}
	if len(title) > MaxTitleLength {
		return errdefs.InvalidInput("title", fmt.Sprintf("must be at most %d characters", MaxTitleLength))
	}
	if strings.TrimSpace(req.Text) == "" {
		return errdefs.InvalidInput("text", "must not be empty")
	}
	return nil
}

// ChunkID derives the id of the ordinal-th chunk of a document generation.
// The same id keys the canonical row and the vector point.
func ChunkID(documentID, generation string, ordinal int) string {
	name := fmt.Sprintf("%s:%s:%d", documentID, generation, ordinal)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

func (p *Pipeline) buildChunks(doc store.Document, pieces []string, now time.Time) []store.Chunk {
	generation := uuid.NewString()
	chunks := make([]store.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = store.Chunk{
			ID:             ChunkID(doc.ID, generation, i),
			OwnerID:        doc.OwnerID,
			DocumentID:     doc.ID,
			Ordinal:        i,
			Text:           piece,
			EmbeddingModel: p.embedder.Model(),
			Dimensions:     p.embedder.Dimension(),
			CreatedAt:      now,
		}
	}
	return chunks
}

// embed embeds texts in concurrent sub-batches. Every batch must succeed.
func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for start := 0; start < len(texts); start += p.cfg.EmbedBatchSize {
		end := min(start+p.cfg.EmbedBatchSize, len(texts))
		g.Go(func() error {
			vectors, err := p.embedder.EmbedDocuments(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vectors) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), end-start)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// upsert writes the points of a chunk set in concurrent sub-batches.
func (p *Pipeline) upsert(ctx context.Context, doc store.Document, chunks []store.Chunk, vectors [][]float32) error {
	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ID:     c.ID,
			Vector: vectors[i],
			Payload: vectorstore.ChunkPayload{
				OwnerID:    doc.OwnerID,
				DocumentID: doc.ID,
				Title:      doc.Title,
				SourceURL:  doc.SourceURL,
				ChunkText:  c.Text,
				Ordinal:    c.Ordinal,
			},
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for start := 0; start < len(points); start += p.cfg.UpsertBatchSize {
		end := min(start+p.cfg.UpsertBatchSize, len(points))
		g.Go(func() error {
			return p.index.Upsert(gctx, p.cfg.Collection, points[start:end])
		})
	}
	return indexErr("upsert", g.Wait())
}

// deleteVectors removes the given points and any other point of the
// document, such as orphans of an interrupted re-ingest.
func (p *Pipeline) deleteVectors(ctx context.Context, ownerID, documentID string, ids []string) error {
	if len(ids) > 0 {
		if err := p.index.DeleteByIDs(ctx, p.cfg.Collection, ids); err != nil {
			return indexErr("delete", err)
		}
	}
	return indexErr("delete", p.index.DeleteByDocument(ctx, p.cfg.Collection, ownerID, documentID))
}

// indexErr makes every index failure retryable except a dimension
// mismatch, which needs operator action.
func indexErr(op string, err error) error {
	if err == nil || errdefs.IsIndexUnavailable(err) || errdefs.IsDimensionMismatch(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errdefs.VectorIndexUnavailableError{Op: op, Err: err}
}
