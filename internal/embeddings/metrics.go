package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/embeddings"

// Metrics records embedding client instruments. A nil instrument means its
// creation failed; recording skips it.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
	retries   metric.Int64Counter
}

// NewMetrics creates instruments on meter, or on the global meter if nil.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	m.duration, _ = meter.Float64Histogram(
		"recalld.embedding.duration_seconds",
		metric.WithDescription("Duration of one provider call, including failed attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	m.batchSize, _ = meter.Int64Histogram(
		"recalld.embedding.batch_size",
		metric.WithDescription("Texts sent per provider call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128),
	)
	m.errors, _ = meter.Int64Counter(
		"recalld.embedding.errors_total",
		metric.WithDescription("Embedding calls that failed after retries, by error kind"),
		metric.WithUnit("{error}"),
	)
	m.retries, _ = meter.Int64Counter(
		"recalld.embedding.retries_total",
		metric.WithDescription("Retried provider calls, by reason"),
		metric.WithUnit("{retry}"),
	)
	return m
}

func (m *Metrics) recordCall(ctx context.Context, model, op string, d time.Duration, n int) {
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("operation", op))
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if m.batchSize != nil && n > 0 {
		m.batchSize.Record(ctx, int64(n), attrs)
	}
}

func (m *Metrics) recordError(ctx context.Context, model, kind string) {
	if m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model), attribute.String("kind", kind)))
	}
}

func (m *Metrics) recordRetry(ctx context.Context, model, reason string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model), attribute.String("reason", reason)))
	}
}
