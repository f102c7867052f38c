package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for vector index operations.
var (
	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrCollectionNotFound is returned when a collection was never ensured.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrMissingOwner is returned when a search or delete has no owner.
	ErrMissingOwner = errors.New("owner id is required")

	// ErrEmptyVector is returned for points or queries without a vector.
	ErrEmptyVector = errors.New("vector cannot be empty")
)

// Index is the vector index contract shared by all backends.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// EnsureCollection creates the collection with cosine distance when
	// absent. Calling it again with the same dims is a no-op; different
	// dims return *errdefs.DimensionMismatchError.
	EnsureCollection(ctx context.Context, name string, dims int) error

	// Upsert writes points, overwriting any point with the same id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// DeleteByIDs removes points by id. Missing ids are ignored.
	DeleteByIDs(ctx context.Context, collection string, ids []string) error

	// DeleteByDocument removes every point of one document.
	DeleteByDocument(ctx context.Context, collection, ownerID, documentID string) error

	// Search returns up to topK hits by descending cosine similarity,
	// restricted to filter.OwnerID.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Hit, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}
