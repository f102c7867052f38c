package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

// checkPoints validates ids, payload owners and vector lengths before any
// backend call.
func checkPoints(collection string, dims int, points []Point) error {
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point %d: id cannot be empty", i)
		}
		if p.Payload.OwnerID == "" {
			return fmt.Errorf("point %s: %w", p.ID, ErrMissingOwner)
		}
		if err := checkVector(collection, dims, p.Vector); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
	}
	return nil
}

func checkVector(collection string, dims int, v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if len(v) != dims {
		return &errdefs.DimensionMismatchError{Collection: collection, Expected: dims, Actual: len(v)}
	}
	return nil
}

// unavailable wraps a backend failure unless it is already classified or
// the caller's context ended.
func unavailable(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if errdefs.IsIndexUnavailable(err) || errdefs.IsDimensionMismatch(err) {
		return err
	}
	return &errdefs.VectorIndexUnavailableError{Op: op, Err: err}
}
