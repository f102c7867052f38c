// Package retrieval answers natural-language queries with the owner's most
// similar chunks.
//
// A search is one query embedding followed by one owner-filtered vector
// search. Results keep the index's similarity order. When the vector index
// fails the search degrades to an empty result instead of an error;
// embedding failures are returned to the caller.
package retrieval

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/retrieval"

const (
	// DefaultLimit applies when a caller passes a limit of zero or less.
	DefaultLimit = 5
	// MaxLimit caps the number of results of one search.
	MaxLimit = 50
)

// Embedder embeds search queries. *embeddings.Client satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Hit is one search result.
type Hit struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Score      float32 `json:"score"`
	Title      string  `json:"title"`
	ChunkText  string  `json:"chunk_text"`
	SourceURL  string  `json:"source_url,omitempty"`
}

// Config bounds search results.
type Config struct {
	Collection   string
	DefaultLimit int
	MaxLimit     int
}

// ConfigFrom maps the service configuration onto a retrieval Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Collection:   c.VectorStore.Collection,
		DefaultLimit: c.Retrieval.DefaultLimit,
		MaxLimit:     c.Retrieval.MaxLimit,
	}
}

// Service runs searches.
type Service struct {
	cfg      Config
	embedder Embedder
	index    vectorstore.Index
	store    store.Store
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	searches metric.Int64Counter
	degraded metric.Int64Counter
	duration metric.Float64Histogram
	results  metric.Int64Histogram
}

// Option configures a Service.
type Option func(*Service)

// WithMeter records search metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(s *Service) { s.meter = meter }
}

// WithTracer records spans on tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// New builds a Service. The store is used to hydrate hits whose index
// payload lacks text.
func New(cfg Config, embedder Embedder, index vectorstore.Index, st store.Store, logger *logging.Logger, opts ...Option) (*Service, error) {
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
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxLimit
	}
	cfg.DefaultLimit = min(cfg.DefaultLimit, cfg.MaxLimit)
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Service{
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		store:    st,
		logger:   logger.Named("retrieval"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.searches, err = s.meter.Int64Counter(
		"recalld.retrieval.searches_total",
		metric.WithDescription("Searches, by result"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create searches counter", zap.Error(err))
	}
	s.degraded, err = s.meter.Int64Counter(
		"recalld.retrieval.degraded_total",
		metric.WithDescription("Searches answered empty because the vector index failed"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create degraded counter", zap.Error(err))
	}
	s.duration, err = s.meter.Float64Histogram(
		"recalld.retrieval.duration",
		metric.WithDescription("Search latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
	s.results, err = s.meter.Int64Histogram(
		"recalld.retrieval.results",
		metric.WithDescription("Hits returned per search"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create results histogram", zap.Error(err))
	}
}

// Limit normalizes a requested result count.
func (s *Service) Limit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultLimit
	}
	return min(limit, s.cfg.MaxLimit)
}

// Search returns up to limit of the owner's chunks most similar to query.
func (s *Service) Search(ctx context.Context, ownerID, query string, limit int) (hits []Hit, err error) {
	ctx, span := s.tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	ctx = logging.WithOwnerID(ctx, ownerID)

	start := time.Now()
	result := "ok"
	defer func() {
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.record(ctx, result, time.Since(start), len(hits))
	}()

	if err := tenant.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, errdefs.InvalidInput("query", "must not be blank")
	}
	limit = s.Limit(limit)
	span.SetAttributes(attribute.Int("limit", limit))

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	found, err := s.index.Search(ctx, s.cfg.Collection, vector, limit, vectorstore.Filter{OwnerID: ownerID})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		result = "degraded"
		span.AddEvent("degraded", trace.WithAttributes(attribute.String("error", err.Error())))
		if s.degraded != nil {
			s.degraded.Add(ctx, 1)
		}
		s.logger.Warn(ctx, "retrieval degraded: vector index unavailable",
			zap.Bool("index_unavailable", errdefs.IsIndexUnavailable(err)),
			zap.Error(err),
		)
		return []Hit{}, nil
	}

	hits = s.hydrate(ctx, ownerID, found)
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// hydrate converts index hits in order. Hits whose payload lacks a title or
// text are completed from the canonical store; hits that cannot be
// completed are dropped.
func (s *Service) hydrate(ctx context.Context, ownerID string, found []vectorstore.Hit) []Hit {
	var missing []string
	for _, h := range found {
		if h.Payload.Title == "" || h.Payload.ChunkText == "" {
			missing = append(missing, h.ID)
		}
	}

	var views map[string]store.ChunkView
	if len(missing) > 0 {
		var err error
		views, err = s.store.GetChunks(ctx, ownerID, missing)
		if err != nil {
			s.logger.Warn(ctx, "hydrating search hits failed", zap.Int("hits", len(missing)), zap.Error(err))
		}
	}

	hits := make([]Hit, 0, len(found))
	for _, h := range found {
		if h.Payload.OwnerID != "" && h.Payload.OwnerID != ownerID {
			s.logger.Error(ctx, "index returned a foreign hit", zap.String("chunk_id", h.ID))
			continue
		}
		hit := Hit{
			DocumentID: h.Payload.DocumentID,
			ChunkID:    h.ID,
			Score:      h.Score,
			Title:      h.Payload.Title,
			ChunkText:  h.Payload.ChunkText,
			SourceURL:  h.Payload.SourceURL,
		}
		if hit.Title == "" || hit.ChunkText == "" {
			v, ok := views[h.ID]
			if !ok {
				s.logger.Warn(ctx, "dropping search hit without canonical chunk", zap.String("chunk_id", h.ID))
				continue
			}
			hit.DocumentID = v.DocumentID
			hit.Title = v.Title
			hit.ChunkText = v.Text
			hit.SourceURL = v.SourceURL
		}
		hits = append(hits, hit)
	}
	return hits
}

func (s *Service) record(ctx context.Context, result string, elapsed time.Duration, n int) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	if s.searches != nil {
		s.searches.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if s.results != nil && result != "error" {
		s.results.Record(ctx, int64(n))
	}
}
