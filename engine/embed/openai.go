package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
	"github.com/taskrecall/recall/pkg/openai"
)

// openAIClient is the subset of *openai.Client used here.
type openAIClient interface {
	Embed(ctx context.Context, model, text string, dims int) (openai.Embedding, error)
	Configured() bool
}

// OpenAI embeds text with an OpenAI-compatible embeddings endpoint.
type OpenAI struct {
	client openAIClient
	model  string
	dim    int
	retry  fn.RetryOpts
	rec    *usage.Recorder
	logger *slog.Logger
}

// OpenAIOption configures an OpenAI embedder.
type OpenAIOption func(*OpenAI)

// WithRetry overrides DefaultRetry. The retryable-status predicate is always
// applied.
func WithRetry(opts fn.RetryOpts) OpenAIOption {
	return func(o *OpenAI) { o.retry = opts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(o *OpenAI) { o.logger = l }
}

// NewOpenAI creates a remote embedder that requests vectors of length dim.
func NewOpenAI(client openAIClient, model string, dim int, rec *usage.Recorder, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		client: client,
		model:  model,
		dim:    dim,
		retry:  DefaultRetry,
		rec:    rec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retry.ShouldRetry = domain.IsRetryable
	return o
}

// Embed calls the provider with retry. The call is recorded once, after the
// last attempt, with the provider's token count or an estimate.
func (o *OpenAI) Embed(ctx context.Context, text string) (vec []float32, err error) {
	if !o.client.Configured() {
		return nil, domain.NewConfigurationError(openai.APIKeySetting)
	}

	start := now()
	var tokens int64
	defer func() {
		if tokens == 0 {
			tokens = domain.EstimateTokens(text)
		}
		c := usage.Call{Duration: now().Sub(start), Model: o.model, Err: err != nil}
		if err == nil {
			c.TokensIn = tokens
			c.EmbedCostUSD = embedCost(o.rec, tokens)
		}
		record(o.rec, c)
	}()

	emb, err := fn.Do(ctx, o.retry, func(ctx context.Context) (openai.Embedding, error) {
		return o.client.Embed(ctx, o.model, text, o.dim)
	})
	if err != nil {
		o.logger.Warn("embedding failed", "model", o.model, "error", err)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(emb.Vector) != o.dim {
		return nil, fmt.Errorf("embed: %s returned %d dimensions, want %d", o.model, len(emb.Vector), o.dim)
	}
	tokens = emb.Tokens
	return emb.Vector, nil
}

// Dimension implements Embedder.
func (o *OpenAI) Dimension() int { return o.dim }

// Name implements Embedder.
func (o *OpenAI) Name() string { return o.model }
