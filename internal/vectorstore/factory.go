package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// NewIndex creates the backend named by cfg.Provider:
//   - "chromem" (default): embedded, persisted under cfg.Chromem.Path
//   - "qdrant": external Qdrant server over gRPC
func NewIndex(cfg config.VectorStoreConfig, logger *zap.Logger) (Index, error) {
	var (
		idx Index
		err error
	)

	switch cfg.Provider {
	case "chromem", "":
		var c *ChromemIndex
		c, err = NewChromemIndex(ChromemOptions{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)
		if err == nil {
			idx = c
		}

	case "qdrant":
		var q *QdrantIndex
		q, err = NewQdrantIndex(QdrantOptions{
			Host:         cfg.Qdrant.Host,
			Port:         cfg.Qdrant.Port,
			UseTLS:       cfg.Qdrant.UseTLS,
			MaxRetries:   cfg.Qdrant.MaxRetries,
			RetryBackoff: cfg.Qdrant.RetryBackoff.Duration(),
		}, logger)
		if err == nil {
			idx = q
		}

	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("creating %s index: %w", cfg.Provider, err)
	}
	return idx, nil
}
