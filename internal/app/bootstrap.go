package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const (
	bootstrapAttempts = 5
	bootstrapBackoff  = 500 * time.Millisecond
)

// Bootstrap ensures the chunk collection exists with dims dimensions. It
// runs on every start. A dimension mismatch is fatal; transient index
// failures are retried up to five times with exponential backoff.
func Bootstrap(ctx context.Context, index vectorstore.Index, collection string, dims int, logger *logging.Logger) error {
	return bootstrap(ctx, index, collection, dims, logger, sleepCtx)
}

func bootstrap(ctx context.Context, index vectorstore.Index, collection string, dims int, logger *logging.Logger,
	sleep func(context.Context, time.Duration) error) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	backoff := bootstrapBackoff

	for attempt := 1; ; attempt++ {
		err := index.EnsureCollection(ctx, collection, dims)
		if err == nil {
			logger.Info(ctx, "collection ready",
				zap.String("collection", collection),
				zap.Int("dimensions", dims),
			)
			return nil
		}

		if errdefs.IsDimensionMismatch(err) {
			return fmt.Errorf("collection %s was created for another embedding model: %w", collection, err)
		}
		if !errdefs.IsRetryable(err) || attempt >= bootstrapAttempts {
			return fmt.Errorf("bootstrapping collection %s: %w", collection, err)
		}

		logger.Warn(ctx, "vector index not ready, retrying bootstrap",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
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
