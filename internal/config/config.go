// Package config provides configuration loading for recalld.
//
// Configuration is layered: embedded defaults (defaults.yaml), then an
// optional YAML file, then RECALLD_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"regexp"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Store       StoreConfig       `koanf:"store"`
	Chunker     ChunkerConfig     `koanf:"chunker"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Redaction   RedactionConfig   `koanf:"redaction"`
	Events      EventsConfig      `koanf:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// EmbeddingsConfig selects the embedding provider and the client's batching
// and retry policy.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // tei, fastembed, ollama, openai
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`

	// Dimensions overrides the dimension inferred from the model name.
	Dimensions int `koanf:"dimensions"`

	MaxBatchSize      int      `koanf:"max_batch_size"`
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	Timeout           Duration `koanf:"timeout"`
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	Provider   string        `koanf:"provider"` // chromem or qdrant
	Collection string        `koanf:"collection"`
	Qdrant     QdrantConfig  `koanf:"qdrant"`
	Chromem    ChromemConfig `koanf:"chromem"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host         string   `koanf:"host"`
	Port         int      `koanf:"port"`
	UseTLS       bool     `koanf:"use_tls"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
}

// ChromemConfig holds embedded index settings. An empty Path keeps the
// index in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// StoreConfig selects the canonical relational store.
type StoreConfig struct {
	Driver       string `koanf:"driver"` // sqlite or postgres
	DSN          Secret `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// ChunkerConfig bounds chunk size.
type ChunkerConfig struct {
	MaxChars int `koanf:"max_chars"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Concurrency       int      `koanf:"concurrency"`
	UpsertBatchSize   int      `koanf:"upsert_batch_size"`
	ReconcileInterval Duration `koanf:"reconcile_interval"`
	ReconcileAge      Duration `koanf:"reconcile_age"`
}

// RetrievalConfig bounds search result counts.
type RetrievalConfig struct {
	DefaultLimit int `koanf:"default_limit"`
	MaxLimit     int `koanf:"max_limit"`
}

// RedactionConfig controls secret scrubbing of ingested text.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// EventsConfig enables NATS ingestion events when NATSURL is set.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
		}
	}

	switch c.Embeddings.Provider {
	case "tei", "ollama", "openai":
		if c.Embeddings.BaseURL == "" && c.Embeddings.Provider != "openai" {
			errs = append(errs, fmt.Errorf("embeddings.base_url is required for provider %q", c.Embeddings.Provider))
		}
	case "fastembed":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be tei, fastembed, ollama or openai, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Model == "" {
		errs = append(errs, errors.New("embeddings.model is required"))
	}
	if c.Embeddings.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("embeddings.max_batch_size must be positive"))
	}
	if c.Embeddings.MaxAttempts <= 0 {
		errs = append(errs, errors.New("embeddings.max_attempts must be positive"))
	}
	if c.Embeddings.Dimensions < 0 {
		errs = append(errs, errors.New("embeddings.dimensions must not be negative"))
	}

	switch c.VectorStore.Provider {
	case "chromem":
	case "qdrant":
		if c.VectorStore.Qdrant.Host == "" {
			errs = append(errs, errors.New("vectorstore.qdrant.host is required"))
		}
		if c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535 {
			errs = append(errs, fmt.Errorf("vectorstore.qdrant.port must be 1-65535, got %d", c.VectorStore.Qdrant.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider))
	}
	if !collectionNamePattern.MatchString(c.VectorStore.Collection) {
		errs = append(errs, fmt.Errorf("vectorstore.collection must match %s, got %q", collectionNamePattern, c.VectorStore.Collection))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if !c.Store.DSN.IsSet() {
		errs = append(errs, errors.New("store.dsn is required"))
	}

	if c.Chunker.MaxChars <= 0 {
		errs = append(errs, errors.New("chunker.max_chars must be positive"))
	}
	if c.Ingest.Concurrency <= 0 {
		errs = append(errs, errors.New("ingest.concurrency must be positive"))
	}
	if c.Ingest.UpsertBatchSize <= 0 {
		errs = append(errs, errors.New("ingest.upsert_batch_size must be positive"))
	}
	if c.Retrieval.DefaultLimit <= 0 || c.Retrieval.MaxLimit < c.Retrieval.DefaultLimit {
		errs = append(errs, fmt.Errorf("retrieval limits invalid: default %d, max %d",
			c.Retrieval.DefaultLimit, c.Retrieval.MaxLimit))
	}

	return errors.Join(errs...)
}
