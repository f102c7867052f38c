package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

// Reconcile re-indexes up to limit documents that have been pending since
// before olderThan, from their stored chunks. It returns how many were
// marked indexed. Per-document failures are logged, joined and returned
// alongside the count; the remaining documents are still attempted.
func (p *Pipeline) Reconcile(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Reconcile")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	pending, err := p.store.ListPending(ctx, olderThan, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		done int
		errs []error
	)
	for _, doc := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		dctx := logging.WithDocumentID(logging.WithOwnerID(ctx, doc.OwnerID), doc.ID)
		if err := p.reindex(dctx, doc); err != nil {
			p.logger.Warn(dctx, "reconcile failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("document %s: %w", doc.ID, err))
			continue
		}
		done++
	}

	p.metrics.recordReconciled(ctx, done)
	p.logger.Info(ctx, "reconcile finished",
		zap.Int("pending", len(pending)),
		zap.Int("reindexed", done),
		zap.Int("failed", len(errs)),
	)
	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return done, err
}

func (p *Pipeline) reindex(ctx context.Context, doc store.Document) error {
	chunks, err := p.store.ListChunks(ctx, doc.OwnerID, doc.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return p.store.MarkIndexed(ctx, doc.OwnerID, doc.ID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embed(ctx, texts)
	if err != nil {
		return err
	}

	if err := p.deleteVectors(ctx, doc.OwnerID, doc.ID, nil); err != nil {
		return err
	}
	if err := p.upsert(ctx, doc, chunks, vectors); err != nil {
		return err
	}
	return p.store.MarkIndexed(ctx, doc.OwnerID, doc.ID)
}
