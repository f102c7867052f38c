// Package services is the registry the HTTP and MCP transports are served
// from.
//
// A Registry exposes the ingestion and retrieval pipelines together with
// the canonical store and vector index behind them. It is built once by
// internal/app and handed to each transport, so transports never construct
// clients themselves.
package services

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Health states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "unavailable"
)

// healthTimeout bounds each component probe.
const healthTimeout = 3 * time.Second

// Registry provides access to the recalld services.
type Registry interface {
	Ingest() *ingest.Pipeline
	Retrieval() *retrieval.Service
	Store() store.Store
	Index() vectorstore.Index

	// Health probes the canonical store and the vector index.
	Health(ctx context.Context) Health
}

// Health is the aggregate component status.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Healthy reports whether every component answered.
func (h Health) Healthy() bool { return h.Status == StatusOK }

// Options configures the registry with service instances.
type Options struct {
	Ingest    *ingest.Pipeline
	Retrieval *retrieval.Service
	Store     store.Store
	Index     vectorstore.Index
}

type registry struct {
	ingest    *ingest.Pipeline
	retrieval *retrieval.Service
	store     store.Store
	index     vectorstore.Index
}

// NewRegistry creates a registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		ingest:    opts.Ingest,
		retrieval: opts.Retrieval,
		store:     opts.Store,
		index:     opts.Index,
	}
}

func (r *registry) Ingest() *ingest.Pipeline      { return r.ingest }
func (r *registry) Retrieval() *retrieval.Service { return r.retrieval }
func (r *registry) Store() store.Store            { return r.store }
func (r *registry) Index() vectorstore.Index      { return r.index }

// Health reports ok when both components answer. A failing index alone is
// degraded, since searches still answer (empty); a failing store is
// unavailable.
func (r *registry) Health(ctx context.Context) Health {
	h := Health{Status: StatusOK, Components: map[string]string{}}

	probe := func(name string, fn func(context.Context) error) bool {
		if fn == nil {
			h.Components[name] = "not configured"
			return false
		}
		pctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := fn(pctx); err != nil {
			h.Components[name] = err.Error()
			return false
		}
		h.Components[name] = StatusOK
		return true
	}

	var storeProbe, indexProbe func(context.Context) error
	if r.store != nil {
		storeProbe = r.store.Ping
	}
	if r.index != nil {
		indexProbe = r.index.Health
	}

	storeOK := probe("store", storeProbe)
	indexOK := probe("vectorstore", indexProbe)
	switch {
	case !storeOK:
		h.Status = StatusDown
	case !indexOK:
		h.Status = StatusDegraded
	}
	return h
}
