// Package errdefs defines the error taxonomy shared by the ingestion and
// retrieval paths.
//
// Components return these types (wrapped with fmt.Errorf and %w as they
// travel up the stack) and callers classify them with errors.As or the
// predicate helpers in this package. Transport layers map them to status
// codes; see internal/http.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates that an owner-scoped lookup found nothing.
var ErrNotFound = errors.New("not found")

// InvalidInputError reports malformed caller input: empty text or query,
// malformed owner id, and similar. Never retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// InvalidInput is shorthand for &InvalidInputError{Field: field, Reason: reason}.
func InvalidInput(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// TransientEmbeddingError wraps a network or provider-side failure of the
// embedding provider. Eligible for retry.
type TransientEmbeddingError struct {
	Err error
}

func (e *TransientEmbeddingError) Error() string {
	return fmt.Sprintf("transient embedding error: %v", e.Err)
}

func (e *TransientEmbeddingError) Unwrap() error { return e.Err }

// ThrottledError reports provider quota or rate limiting. RetryAfter carries
// the provider's delay hint when one was supplied (zero otherwise).
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("embedding provider throttled (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("embedding provider throttled: %v", e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// VectorIndexUnavailableError reports that the vector index could not serve
// an operation. Fatal to ingestion (retry the whole request), absorbed by
// retrieval.
type VectorIndexUnavailableError struct {
	Op  string
	Err error
}

func (e *VectorIndexUnavailableError) Error() string {
	return fmt.Sprintf("vector index unavailable during %s: %v", e.Op, e.Err)
}

func (e *VectorIndexUnavailableError) Unwrap() error { return e.Err }

// CanonicalStoreError wraps any failure of the relational store. Always
// fatal to the request.
type CanonicalStoreError struct {
	Op  string
	Err error
}

func (e *CanonicalStoreError) Error() string {
	return fmt.Sprintf("canonical store %s: %v", e.Op, e.Err)
}

func (e *CanonicalStoreError) Unwrap() error { return e.Err }

// DimensionMismatchError reports drift between the embedding model and a
// bootstrapped collection. Fatal and non-retryable.
type DimensionMismatchError struct {
	Collection string
	Expected   int
	Actual     int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %q: expected %d, got %d",
		e.Collection, e.Expected, e.Actual)
}

// UnauthorizedError reports access to a document or chunk owned by someone
// else. Transports must render it exactly like ErrNotFound.
type UnauthorizedError struct {
	Resource string
	ID       string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized access to %s %q", e.Resource, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match unauthorized access so callers
// that only care about visibility need a single check.
func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrNotFound
}

// IsInvalidInput reports whether err is an InvalidInputError.
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

// IsNotFound reports whether err should be presented as not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}

// IsThrottled reports whether err is a ThrottledError and returns its
// delay hint.
func IsThrottled(err error) (time.Duration, bool) {
	var target *ThrottledError
	if errors.As(err, &target) {
		return target.RetryAfter, true
	}
	return 0, false
}

// IsTransientEmbedding reports whether err is a TransientEmbeddingError.
func IsTransientEmbedding(err error) bool {
	var target *TransientEmbeddingError
	return errors.As(err, &target)
}

// IsIndexUnavailable reports whether err is a VectorIndexUnavailableError.
func IsIndexUnavailable(err error) bool {
	var target *VectorIndexUnavailableError
	return errors.As(err, &target)
}

// IsCanonicalStore reports whether err is a CanonicalStoreError.
func IsCanonicalStore(err error) bool {
	var target *CanonicalStoreError
	return errors.As(err, &target)
}

// IsDimensionMismatch reports whether err is a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var target *DimensionMismatchError
	return errors.As(err, &target)
}

// IsRetryable reports whether the caller may retry the whole request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := IsThrottled(err); ok {
		return true
	}
	return IsTransientEmbedding(err) || IsIndexUnavailable(err)
}
