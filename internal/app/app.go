// Package app builds the recalld client context: every long-lived client
// is constructed once here and handed explicitly to the HTTP server, the
// MCP server and the reconciler. Nothing is stored in package globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/redact"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/services"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// reconcileBatch is the number of pending documents one reconcile pass
// handles.
const reconcileBatch = 100

// App holds the clients shared by every transport.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry
	Embedder  *embeddings.Client
	Index     vectorstore.Index
	Store     store.Store
	Events    events.Publisher
	Redactor  redact.Redactor
	Ingest    *ingest.Pipeline
	Retrieval *retrieval.Service
	Services  services.Registry

	closers []func(context.Context) error
}

type options struct {
	version   string
	provider  embeddings.Provider
	index     vectorstore.Index
	telemetry *telemetry.Telemetry
}

// Option configures New.
type Option func(*options)

// WithVersion tags telemetry with the build version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithProvider replaces the embedding provider selected by configuration.
func WithProvider(p embeddings.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithIndex replaces the vector index selected by configuration.
func WithIndex(idx vectorstore.Index) Option {
	return func(o *options) { o.index = idx }
}

// WithTelemetry uses t instead of creating providers from configuration.
// The caller keeps ownership of t.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// New connects every client, bootstraps the collection and wires the
// pipelines. On failure everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	zlog := logger.Underlying()

	a.Telemetry = o.telemetry
	if a.Telemetry == nil {
		a.Telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, o.version))
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		a.onClose(a.Telemetry.Shutdown)
	}

	provider := o.provider
	if provider == nil {
		provider, err = embeddings.NewProvider(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}
	a.Embedder = embeddings.NewClient(provider, embeddings.ClientConfigFrom(cfg.Embeddings), logger,
		embeddings.WithMeter(a.Telemetry.Meter("github.com/fyrsmithlabs/recalld/internal/embeddings")),
	)
	a.onClose(func(context.Context) error { return a.Embedder.Close() })
	logger.Info(ctx, "embedding provider ready",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", a.Embedder.Model()),
		zap.Int("dimensions", a.Embedder.Dimension()),
	)

	a.Index = o.index
	if a.Index == nil {
		a.Index, err = vectorstore.NewIndex(cfg.VectorStore, zlog)
		if err != nil {
			return nil, fmt.Errorf("creating vector index: %w", err)
		}
	}
	a.onClose(func(context.Context) error { return a.Index.Close() })
	if err := Bootstrap(ctx, a.Index, cfg.VectorStore.Collection, a.Embedder.Dimension(), logger); err != nil {
		return nil, err
	}

	a.Store, err = store.Open(ctx, cfg.Store, zlog)
	if err != nil {
		return nil, fmt.Errorf("opening canonical store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Store.Close() })

	a.Redactor, err = redact.New(cfg.Redaction, zlog)
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}

	a.Events, err = events.New(cfg.Events, zlog)
	if err != nil {
		return nil, fmt.Errorf("connecting event publisher: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Events.Close() })

	a.Ingest, err = ingest.New(ingest.ConfigFrom(cfg), a.Embedder, a.Index, a.Store, logger,
		ingest.WithRedactor(a.Redactor),
		ingest.WithEvents(a.Events),
		ingest.WithMeter(a.Telemetry.Meter("github.com/fyrsmithlabs/recalld/internal/ingest")),
		ingest.WithTracer(a.Telemetry.Tracer("github.com/fyrsmithlabs/recalld/internal/ingest")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ingest pipeline: %w", err)
	}

	a.Retrieval, err = retrieval.New(retrieval.ConfigFrom(cfg), a.Embedder, a.Index, a.Store, logger,
		retrieval.WithMeter(a.Telemetry.Meter("github.com/fyrsmithlabs/recalld/internal/retrieval")),
		retrieval.WithTracer(a.Telemetry.Tracer("github.com/fyrsmithlabs/recalld/internal/retrieval")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retrieval service: %w", err)
	}

	a.Services = services.NewRegistry(services.Options{
		Ingest:    a.Ingest,
		Retrieval: a.Retrieval,
		Store:     a.Store,
		Index:     a.Index,
	})
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases every client in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RunReconciler re-indexes pending documents every ingest.reconcile_interval
// until ctx is done. A zero interval disables it.
func (a *App) RunReconciler(ctx context.Context) {
	interval := a.Config.Ingest.ReconcileInterval.Duration()
	if interval <= 0 {
		return
	}
	age := a.Config.Ingest.ReconcileAge.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.Logger.Info(ctx, "reconciler started", zap.Duration("interval", interval), zap.Duration("age", age))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Ingest.Reconcile(ctx, time.Now().Add(-age), reconcileBatch)
			if err != nil && ctx.Err() == nil {
				a.Logger.Warn(ctx, "reconcile pass incomplete", zap.Int("reindexed", n), zap.Error(err))
			}
		}
	}
}
