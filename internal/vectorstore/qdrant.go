package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

const qdrantBackend = "qdrant"

// QdrantOptions configures the Qdrant gRPC backend.
type QdrantOptions struct {
	Host   string
	Port   int
	UseTLS bool

	// MaxRetries is the number of retries after the first attempt for
	// transient gRPC failures.
	MaxRetries int

	// RetryBackoff is the first retry delay; it doubles per retry.
	RetryBackoff time.Duration

	// MaxMessageSize bounds gRPC messages in both directions.
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of consecutive transient
	// failures that opens the circuit.
	CircuitBreakerThreshold int

	// CircuitResetAfter is how long the circuit stays open.
	CircuitResetAfter time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (o *QdrantOptions) ApplyDefaults() {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Port == 0 {
		o.Port = 6334
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 250 * time.Millisecond
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 50 * 1024 * 1024
	}
	if o.CircuitBreakerThreshold == 0 {
		o.CircuitBreakerThreshold = 5
	}
	if o.CircuitResetAfter == 0 {
		o.CircuitResetAfter = 30 * time.Second
	}
}

// Validate validates the options.
func (o QdrantOptions) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, o.Port)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// ErrCircuitOpen is returned while the circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// QdrantIndex implements Index on Qdrant's native gRPC client.
type QdrantIndex struct {
	client *qdrant.Client
	opts   QdrantOptions
	logger *zap.Logger

	// dims caches collection dimensions read from collection info.
	dims sync.Map

	circuitBreaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}

	sleep func(ctx context.Context, d time.Duration) error
}

// NewQdrantIndex creates the gRPC client. The connection is established
// lazily; use Health to probe it.
func NewQdrantIndex(opts QdrantOptions, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating qdrant options: %w", err)
	}

	if !opts.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", opts.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		UseTLS: opts.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMessageSize),
				grpc.MaxCallSendMsgSize(opts.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	return &QdrantIndex{
		client: client,
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

// retryOperation retries transient failures with exponential backoff behind
// the circuit breaker.
func (s *QdrantIndex) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.opts.RetryBackoff

	for attempt := 0; ; attempt++ {
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: %w", operationName, ErrCircuitOpen)
		}

		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()
		if attempt >= s.opts.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.opts.MaxRetries, err)
		}

		RetriesTotal.WithLabelValues(qdrantBackend, operationName).Inc()
		s.logger.Debug("qdrant call failed, retrying",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s canceled: %w", operationName, err)
		}
		backoff *= 2
	}
}

func (s *QdrantIndex) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
	if s.circuitBreaker.failures == s.opts.CircuitBreakerThreshold {
		CircuitOpen.Set(1)
		s.logger.Warn("qdrant circuit breaker opened",
			zap.Int("failures", s.circuitBreaker.failures),
			zap.Duration("reset_after", s.opts.CircuitResetAfter),
		)
	}
}

func (s *QdrantIndex) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	if s.circuitBreaker.failures >= s.opts.CircuitBreakerThreshold {
		CircuitOpen.Set(0)
	}
	s.circuitBreaker.failures = 0
}

func (s *QdrantIndex) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures < s.opts.CircuitBreakerThreshold {
		return false
	}
	if time.Since(s.circuitBreaker.lastFail) > s.opts.CircuitResetAfter {
		// Half-open: let the next call through.
		s.circuitBreaker.failures = s.opts.CircuitBreakerThreshold - 1
		CircuitOpen.Set(0)
		return false
	}
	return true
}

// collectionDims reads the vector size from collection info. ok is false
// when the collection does not exist.
func (s *QdrantIndex) collectionDims(ctx context.Context, name string) (dims int, ok bool, err error) {
	if d, cached := s.dims.Load(name); cached {
		return d.(int), true, nil
	}

	var info *qdrant.CollectionInfo
	err = s.retryOperation(ctx, "get_collection_info", func() error {
		res, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		info = res
		return nil
	})
	if err != nil {
		if status.Code(err) == grpccodes.NotFound {
			return 0, false, nil
		}
		return 0, false, err
	}

	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size == 0 {
		return 0, false, fmt.Errorf("collection %s has no single unnamed vector config", name)
	}
	s.dims.Store(name, int(size))
	return int(size), true, nil
}

// EnsureCollection implements Index.
func (s *QdrantIndex) EnsureCollection(ctx context.Context, name string, dims int) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.EnsureCollection")
	defer span.End()
	defer observe(qdrantBackend, "ensure_collection", time.Now(), &err)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	span.SetAttributes(attribute.String("collection", name), attribute.Int("dims", dims))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dims <= 0 {
		return fmt.Errorf("%w: dims must be positive, got %d", ErrInvalidConfig, dims)
	}

	stored, ok, err := s.collectionDims(ctx, name)
	if err != nil {
		return unavailable(ctx, "ensure_collection", err)
	}
	if ok {
		if stored != dims {
			return &errdefs.DimensionMismatchError{Collection: name, Expected: dims, Actual: stored}
		}
		return nil
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		if status.Code(err) == grpccodes.AlreadyExists {
			// Lost a creation race; verify what the winner created.
			return s.EnsureCollection(ctx, name, dims)
		}
		return unavailable(ctx, "ensure_collection", fmt.Errorf("creating collection %s: %w", name, err))
	}

	for _, field := range []string{payloadOwnerID, payloadDocumentID} {
		err := s.retryOperation(ctx, "create_field_index", func() error {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
		if err != nil {
			s.logger.Warn("creating payload index failed",
				zap.String("collection", name),
				zap.String("field", field),
				zap.Error(err),
			)
		}
	}

	s.dims.Store(name, dims)
	s.logger.Info("collection created", zap.String("collection", name), zap.Int("dims", dims))
	return nil
}

// Upsert implements Index.
func (s *QdrantIndex) Upsert(ctx context.Context, collection string, points []Point) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	defer observe(qdrantBackend, "upsert", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	dims, ok, err := s.collectionDims(ctx, collection)
	if err != nil {
		err = unavailable(ctx, "upsert", err)
		span.RecordError(err)
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err := checkPoints(collection, dims, points); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if _, err := uuid.Parse(p.ID); err != nil {
			return fmt.Errorf("point id %q must be a UUID: %w", p.ID, err)
		}
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toQdrantPayload(p.Payload),
		}
	}

	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         structs,
		})
		return err
	})
	if err != nil {
		err = unavailable(ctx, "upsert", fmt.Errorf("upserting points to collection %s: %w", collection, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByIDs implements Index.
func (s *QdrantIndex) DeleteByIDs(ctx context.Context, collection string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.DeleteByIDs")
	defer span.End()
	defer observe(qdrantBackend, "delete_ids", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}
	if len(pointIDs) == 0 {
		return nil
	}

	return s.deletePoints(ctx, collection, "delete_ids", &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{Ids: pointIDs},
		},
	})
}

// DeleteByDocument implements Index.
func (s *QdrantIndex) DeleteByDocument(ctx context.Context, collection, ownerID, documentID string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.DeleteByDocument")
	defer span.End()
	defer observe(qdrantBackend, "delete_document", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection))

	if ownerID == "" {
		return ErrMissingOwner
	}
	if documentID == "" {
		return errors.New("document id is required")
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	return s.deletePoints(ctx, collection, "delete_document", &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					keywordCondition(payloadOwnerID, ownerID),
					keywordCondition(payloadDocumentID, documentID),
				},
			},
		},
	})
}

func (s *QdrantIndex) deletePoints(ctx context.Context, collection, op string, selector *qdrant.PointsSelector) error {
	err := s.retryOperation(ctx, op, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         selector,
		})
		return err
	})
	if err == nil {
		return nil
	}
	if status.Code(err) == grpccodes.NotFound {
		return nil
	}
	return unavailable(ctx, op, fmt.Errorf("deleting from collection %s: %w", collection, err))
}

// Search implements Index.
func (s *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	defer observe(qdrantBackend, "search", time.Now(), &err)

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("top_k", topK))

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	dims, ok, err := s.collectionDims(ctx, collection)
	if err != nil {
		return nil, unavailable(ctx, "search", err)
	}
	if !ok {
		return nil, unavailable(ctx, "search", fmt.Errorf("%w: %s", ErrCollectionNotFound, collection))
	}
	if err := checkVector(collection, dims, vector); err != nil {
		return nil, err
	}

	var results []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         ownerFilter(filter.OwnerID),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		err = unavailable(ctx, "search", fmt.Errorf("searching collection %s: %w", collection, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits = make([]Hit, 0, len(results))
	for _, point := range results {
		hits = append(hits, Hit{
			ID:      point.GetId().GetUuid(),
			Score:   point.GetScore(),
			Payload: fromQdrantPayload(point.GetPayload()),
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Health implements Index.
func (s *QdrantIndex) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Health")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable(ctx, "health", err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantIndex) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func ownerFilter(ownerID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{keywordCondition(payloadOwnerID, ownerID)}}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func toQdrantPayload(p ChunkPayload) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadOwnerID:    stringValue(p.OwnerID),
		payloadDocumentID: stringValue(p.DocumentID),
		payloadTitle:      stringValue(p.Title),
		payloadChunkText:  stringValue(p.ChunkText),
		payloadOrdinal:    {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(p.Ordinal)}},
	}
	if p.SourceURL != "" {
		payload[payloadSourceURL] = stringValue(p.SourceURL)
	}
	return payload
}

func fromQdrantPayload(payload map[string]*qdrant.Value) ChunkPayload {
	str := func(key string) string {
		return payload[key].GetStringValue()
	}
	return ChunkPayload{
		OwnerID:    str(payloadOwnerID),
		DocumentID: str(payloadDocumentID),
		Title:      str(payloadTitle),
		SourceURL:  str(payloadSourceURL),
		ChunkText:  str(payloadChunkText),
		Ordinal:    int(payload[payloadOrdinal].GetIntegerValue()),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
