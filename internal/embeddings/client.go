package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/errdefs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
)

// ClientConfig is the batching and retry policy applied to a Provider.
type ClientConfig struct {
	MaxBatchSize   int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultClientConfig returns batches of 32 and three attempts with backoff
// from 200ms up to 5s.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxBatchSize:   32,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Burst:          1,
	}
}

// ClientConfigFrom maps the service config section onto a ClientConfig.
// Zero values keep defaults.
func ClientConfigFrom(c config.EmbeddingsConfig) ClientConfig {
	cfg := DefaultClientConfig()
	if c.MaxBatchSize > 0 {
		cfg.MaxBatchSize = c.MaxBatchSize
	}
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if d := c.InitialBackoff.Duration(); d > 0 {
		cfg.InitialBackoff = d
	}
	if d := c.MaxBackoff.Duration(); d > 0 {
		cfg.MaxBackoff = d
	}
	cfg.RequestsPerSecond = c.RequestsPerSecond
	if c.Burst > 0 {
		cfg.Burst = c.Burst
	}
	return cfg
}

// Client applies ClientConfig to a Provider.
type Client struct {
	provider Provider
	cfg      ClientConfig
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMeter records client metrics on meter.
func WithMeter(meter metric.Meter) ClientOption {
	return func(c *Client) { c.metrics = NewMetrics(meter) }
}

// WithSleep replaces the backoff wait; tests use it to observe delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// NewClient wraps provider.
func NewClient(provider Provider, cfg ClientConfig, logger *logging.Logger, opts ...ClientOption) *Client {
	def := DefaultClientConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Client{
		provider: provider,
		cfg:      cfg,
		logger:   logger.Named("embeddings"),
		sleep:    sleepCtx,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Dimension is the provider's vector size.
func (c *Client) Dimension() int { return c.provider.Dimension() }

// Model is the provider's model name.
func (c *Client) Model() string { return c.provider.Model() }

// Close closes the provider.
func (c *Client) Close() error { return c.provider.Close() }

// EmbedDocuments returns one vector per text, in input order. Identical
// texts are embedded once. Texts are sent in batches of at most
// MaxBatchSize; a failed batch fails the whole call. An empty batch or a
// blank text is rejected with InvalidInputError before any provider call.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errdefs.InvalidInput("texts", "must not be empty")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errdefs.InvalidInput(fmt.Sprintf("texts[%d]", i), "must not be blank")
		}
	}

	unique := make([]string, 0, len(texts))
	slot := make([]int, len(texts))
	seen := make(map[string]int, len(texts))
	for i, t := range texts {
		j, ok := seen[t]
		if !ok {
			j = len(unique)
			seen[t] = j
			unique = append(unique, t)
		}
		slot[i] = j
	}

	vectors := make([][]float32, 0, len(unique))
	for start := 0; start < len(unique); start += c.cfg.MaxBatchSize {
		end := min(start+c.cfg.MaxBatchSize, len(unique))
		batch := unique[start:end]

		var out [][]float32
		err := c.call(ctx, "embed_documents", len(batch), func(ctx context.Context) error {
			var err error
			out, err = c.provider.EmbedDocuments(ctx, batch)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(out) != len(batch) {
			return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(out), len(batch))
		}
		for _, v := range out {
			if err := c.checkDimension(v); err != nil {
				return nil, err
			}
		}
		vectors = append(vectors, out...)
	}

	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = vectors[slot[i]]
	}
	return result, nil
}

// EmbedQuery embeds a search query with the same retry policy.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.InvalidInput("query", "must not be blank")
	}
	var out []float32
	err := c.call(ctx, "embed_query", 1, func(ctx context.Context) error {
		var err error
		out, err = c.provider.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := c.checkDimension(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) checkDimension(v []float32) error {
	if want := c.provider.Dimension(); want > 0 && len(v) != want {
		return &errdefs.DimensionMismatchError{Expected: want, Actual: len(v)}
	}
	return nil
}

// call runs fn up to MaxAttempts times. Transient errors back off
// exponentially from InitialBackoff; throttled errors wait for the
// provider's hint when given. Every wait is capped at MaxBackoff. Other
// errors return at once.
func (c *Client) call(ctx context.Context, op string, n int, fn func(context.Context) error) error {
	model := c.provider.Model()
	backoff := c.cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		err := fn(ctx)
		c.metrics.recordCall(ctx, model, op, time.Since(start), n)
		if err == nil {
			return nil
		}

		delay := backoff
		reason := "transient"
		if hint, throttled := errdefs.IsThrottled(err); throttled {
			reason = "throttled"
			if hint > 0 {
				delay = hint
			}
		} else if !errdefs.IsTransientEmbedding(err) {
			c.metrics.recordError(ctx, model, errorKind(err))
			return err
		}

		if attempt >= c.cfg.MaxAttempts {
			c.metrics.recordError(ctx, model, reason)
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}

		delay = min(delay, c.cfg.MaxBackoff)
		c.metrics.recordRetry(ctx, model, reason)
		c.logger.Warn(ctx, "embedding call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("reason", reason),
			zap.Error(err),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func errorKind(err error) string {
	switch {
	case errdefs.IsInvalidInput(err):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
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
