package ingest

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
)

type metrics struct {
	documents  metric.Int64Counter
	chunks     metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	reconciled metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *metrics {
	m := &metrics{}
	var err error

	m.documents, err = meter.Int64Counter(
		"recalld.ingest.documents_total",
		metric.WithDescription("Documents ingested, by mode"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create documents counter", zap.Error(err))
	}

	m.chunks, err = meter.Int64Counter(
		"recalld.ingest.chunks_total",
		metric.WithDescription("Chunks written to the canonical store and index"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create chunks counter", zap.Error(err))
	}

	m.failures, err = meter.Int64Counter(
		"recalld.ingest.failures_total",
		metric.WithDescription("Failed ingestions, by state reached and error kind"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create failures counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"recalld.ingest.duration",
		metric.WithDescription("End to end ingestion latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}

	m.reconciled, err = meter.Int64Counter(
		"recalld.ingest.reconciled_total",
		metric.WithDescription("Pending documents re-indexed by the reconciler"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create reconciled counter", zap.Error(err))
	}

	return m
}

func (m *metrics) recordSuccess(ctx context.Context, mode string, chunks int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if m.documents != nil {
		m.documents.Add(ctx, 1, attrs)
	}
	if m.chunks != nil {
		m.chunks.Add(ctx, int64(chunks), attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *metrics) recordFailure(ctx context.Context, state State, err error) {
	if m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("kind", errorKind(err)),
	))
}

func (m *metrics) recordReconciled(ctx context.Context, n int) {
	if m.reconciled != nil && n > 0 {
		m.reconciled.Add(ctx, int64(n))
	}
}

func errorKind(err error) string {
	switch {
	case errdefs.IsInvalidInput(err):
		return "invalid_input"
	case errdefs.IsNotFound(err):
		return "not_found"
	case errdefs.IsDimensionMismatch(err):
		return "dimension_mismatch"
	case errdefs.IsIndexUnavailable(err):
		return "index_unavailable"
	case errdefs.IsCanonicalStore(err):
		return "canonical_store"
	case errdefs.IsRetryable(err):
		return "embedding"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
