package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/recalld/internal/errdefs"
)

// LangchainProvider adapts a langchaingo embedder (Ollama, OpenAI and
// OpenAI-compatible servers).
type LangchainProvider struct {
	embedder  lcembeddings.Embedder
	model     string
	dimension int
}

// NewLangchainProvider wraps client. batchSize bounds the texts langchaingo
// sends per upstream call.
func NewLangchainProvider(client lcembeddings.EmbedderClient, model string, dimension, batchSize int) (*LangchainProvider, error) {
	opts := []lcembeddings.Option{lcembeddings.WithStripNewLines(false)}
	if batchSize > 0 {
		opts = append(opts, lcembeddings.WithBatchSize(batchSize))
	}
	e, err := lcembeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &LangchainProvider{embedder: e, model: model, dimension: dimension}, nil
}

// NewOllamaProvider embeds through an Ollama server.
func NewOllamaProvider(serverURL, model string, dimension, batchSize int) (*LangchainProvider, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return NewLangchainProvider(llm, model, dimension, batchSize)
}

// NewOpenAIProvider embeds through the OpenAI API or a compatible server.
// An empty baseURL uses the OpenAI default.
func NewOpenAIProvider(baseURL, model, apiKey string, dimension, batchSize int) (*LangchainProvider, error) {
	if apiKey == "" {
		// langchaingo refuses an empty token; compatible servers ignore it.
		apiKey = "unused"
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewLangchainProvider(llm, model, dimension, batchSize)
}

func (p *LangchainProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyLangchainError(ctx, err)
	}
	return vectors, nil
}

func (p *LangchainProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classifyLangchainError(ctx, err)
	}
	return vector, nil
}

func (p *LangchainProvider) Dimension() int { return p.dimension }
func (p *LangchainProvider) Model() string  { return p.model }
func (p *LangchainProvider) Close() error   { return nil }

// classifyLangchainError maps langchaingo errors, which only carry status
// codes in their text, onto the error taxonomy. Unknown failures count as
// transient.
func classifyLangchainError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		return &errdefs.ThrottledError{Err: err}
	case strings.Contains(msg, "400"), strings.Contains(msg, "invalid input"), strings.Contains(msg, "too long"):
		return errors.Join(errdefs.InvalidInput("texts", "rejected by provider"), err)
	}
	return &errdefs.TransientEmbeddingError{Err: err}
}
