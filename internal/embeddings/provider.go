package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

// Provider is a single embedding backend.
type Provider interface {
	// EmbedDocuments returns one vector per text, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search query. Some models embed queries and
	// passages differently.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector length the model produces.
	Dimension() int
	// Model names the embedding model.
	Model() string
	Close() error
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"all-minilm":                             384,
	"nomic-embed-text":                       768,
	"mxbai-embed-large":                      1024,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// DimensionForModel returns the vector size of a known model. Ollama style
// tags such as "nomic-embed-text:latest" are matched without the tag.
func DimensionForModel(model string) (int, bool) {
	if d, ok := knownDimensions[model]; ok {
		return d, true
	}
	if i := strings.LastIndex(model, ":"); i > 0 {
		d, ok := knownDimensions[model[:i]]
		return d, ok
	}
	return 0, false
}

func resolveDimension(cfg config.EmbeddingsConfig) (int, error) {
	if cfg.Dimensions > 0 {
		return cfg.Dimensions, nil
	}
	if d, ok := DimensionForModel(cfg.Model); ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown dimension for model %q: set embeddings.dimensions", cfg.Model)
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	dims, err := resolveDimension(cfg)
	if err != nil {
		return nil, err
	}

	var p Provider
	switch cfg.Provider {
	case "tei", "":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dims,
			Timeout:   cfg.Timeout.Duration(),
		})
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "ollama":
		p, err = NewOllamaProvider(cfg.BaseURL, cfg.Model, dims, cfg.MaxBatchSize)
	case "openai":
		p, err = NewOpenAIProvider(cfg.BaseURL, cfg.Model, cfg.APIKey.Value(), dims, cfg.MaxBatchSize)
	default:
		return nil, errdefs.InvalidInput("embeddings.provider", fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s embedding provider: %w", cfg.Provider, err)
	}
	return p, nil
}
