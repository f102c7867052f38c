package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

const (
	chromemBackend = "chromem"

	// registryCollection holds one entry per ensured collection recording
	// its dimension. chromem keeps no per-collection vector size.
	registryCollection = "recalld_registry"
	registryKeyName    = "collection"
	registryKeyDims    = "dimensions"
)

var errCallerEmbeds = errors.New("chromem: vectors are computed by the caller")

// noEmbed keeps chromem from falling back to its default OpenAI embedder.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errCallerEmbeds
}

// ChromemOptions configures the embedded index. An empty Path keeps the
// index in memory.
type ChromemOptions struct {
	Path     string
	Compress bool
}

// ChromemIndex implements Index on chromem-go.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger

	mu   sync.Mutex
	dims map[string]int
}

// NewChromemIndex opens (or creates) the embedded index.
func NewChromemIndex(opts ChromemOptions, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(opts.Path, 0700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", opts.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem index initialized",
		zap.String("path", opts.Path),
		zap.Bool("persistent", opts.Path != ""),
		zap.Bool("compress", opts.Compress),
	)

	return &ChromemIndex{db: db, logger: logger, dims: make(map[string]int)}, nil
}

// EnsureCollection implements Index.
func (s *ChromemIndex) EnsureCollection(ctx context.Context, name string, dims int) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.EnsureCollection")
	defer span.End()
	defer observe(chromemBackend, "ensure_collection", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", name), attribute.Int("dims", dims))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if name == registryCollection {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidCollectionName, name)
	}
	if dims <= 0 {
		return fmt.Errorf("%w: dims must be positive, got %d", ErrInvalidConfig, dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok, err := s.lookupDims(ctx, name)
	if err != nil {
		return unavailable(ctx, "ensure_collection", err)
	}
	if ok {
		if stored != dims {
			return &errdefs.DimensionMismatchError{Collection: name, Expected: dims, Actual: stored}
		}
		return nil
	}

	if _, err := s.db.GetOrCreateCollection(name, map[string]string{registryKeyDims: strconv.Itoa(dims)}, noEmbed); err != nil {
		return unavailable(ctx, "ensure_collection", fmt.Errorf("creating collection %s: %w", name, err))
	}
	if err := s.register(ctx, name, dims); err != nil {
		return unavailable(ctx, "ensure_collection", err)
	}
	s.dims[name] = dims

	s.logger.Info("collection created",
		zap.String("collection", name),
		zap.Int("dims", dims),
	)
	return nil
}

// lookupDims returns the registered dimension. Callers hold s.mu.
func (s *ChromemIndex) lookupDims(ctx context.Context, name string) (int, bool, error) {
	if d, ok := s.dims[name]; ok {
		return d, true, nil
	}

	reg, err := s.db.GetOrCreateCollection(registryCollection, nil, noEmbed)
	if err != nil {
		return 0, false, fmt.Errorf("opening registry: %w", err)
	}
	if reg.Count() == 0 {
		return 0, false, nil
	}
	res, err := reg.QueryEmbedding(ctx, []float32{1}, 1, map[string]string{registryKeyName: name}, nil)
	if err != nil {
		return 0, false, fmt.Errorf("reading registry: %w", err)
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	d, err := strconv.Atoi(res[0].Metadata[registryKeyDims])
	if err != nil {
		return 0, false, fmt.Errorf("registry entry for %s: %w", name, err)
	}
	s.dims[name] = d
	return d, true, nil
}

func (s *ChromemIndex) register(ctx context.Context, name string, dims int) error {
	reg, err := s.db.GetOrCreateCollection(registryCollection, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	err = reg.AddDocument(ctx, chromem.Document{
		ID:        name,
		Content:   name,
		Embedding: []float32{1},
		Metadata: map[string]string{
			registryKeyName: name,
			registryKeyDims: strconv.Itoa(dims),
		},
	})
	if err != nil {
		return fmt.Errorf("registering collection %s: %w", name, err)
	}
	return nil
}

// collection returns an ensured collection and its dimension.
func (s *ChromemIndex) collection(ctx context.Context, name string) (*chromem.Collection, int, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	dims, ok, err := s.lookupDims(ctx, name)
	s.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	coll := s.db.GetCollection(name, noEmbed)
	if !ok || coll == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return coll, dims, nil
}

// Upsert implements Index.
func (s *ChromemIndex) Upsert(ctx context.Context, collection string, points []Point) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	defer observe(chromemBackend, "upsert", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return nil
	}

	coll, dims, err := s.collection(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := checkPoints(collection, dims, points); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Payload.ChunkText,
			Metadata:  p.Payload.metadata(),
			Embedding: append([]float32(nil), p.Vector...),
		}
	}

	if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		err = unavailable(ctx, "upsert", fmt.Errorf("adding documents to %s: %w", collection, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByIDs implements Index.
func (s *ChromemIndex) DeleteByIDs(ctx context.Context, collection string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.DeleteByIDs")
	defer span.End()
	defer observe(chromemBackend, "delete_ids", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	coll, _, err := s.collection(ctx, collection)
	if errors.Is(err, ErrCollectionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := coll.Delete(ctx, nil, nil, ids...); err != nil {
		err = unavailable(ctx, "delete", fmt.Errorf("deleting from %s: %w", collection, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// DeleteByDocument implements Index.
func (s *ChromemIndex) DeleteByDocument(ctx context.Context, collection, ownerID, documentID string) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.DeleteByDocument")
	defer span.End()
	defer observe(chromemBackend, "delete_document", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection))

	if ownerID == "" {
		return ErrMissingOwner
	}
	if documentID == "" {
		return errors.New("document id is required")
	}
	coll, _, err := s.collection(ctx, collection)
	if errors.Is(err, ErrCollectionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if coll.Count() == 0 {
		return nil
	}

	where := map[string]string{payloadOwnerID: ownerID, payloadDocumentID: documentID}
	if err := coll.Delete(ctx, where, nil); err != nil {
		err = unavailable(ctx, "delete", fmt.Errorf("deleting document from %s: %w", collection, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Search implements Index. k is clamped to the collection size, which
// chromem requires.
func (s *ChromemIndex) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	defer observe(chromemBackend, "search", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("top_k", topK))

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	coll, dims, err := s.collection(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return nil, unavailable(ctx, "search", err)
	}
	if err := checkVector(collection, dims, vector); err != nil {
		return nil, err
	}

	k := min(topK, coll.Count())
	if k == 0 {
		return []Hit{}, nil
	}

	res, err := coll.QueryEmbedding(ctx, vector, k, map[string]string{payloadOwnerID: filter.OwnerID}, nil)
	if err != nil {
		err = unavailable(ctx, "search", fmt.Errorf("querying %s: %w", collection, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits = make([]Hit, 0, len(res))
	for _, r := range res {
		hits = append(hits, Hit{
			ID:      r.ID,
			Score:   r.Similarity,
			Payload: payloadFromMetadata(r.Metadata, r.Content),
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Health implements Index. The embedded index is always reachable.
func (s *ChromemIndex) Health(context.Context) error {
	return nil
}

// Close implements Index. chromem persists on every write.
func (s *ChromemIndex) Close() error {
	return nil
}
