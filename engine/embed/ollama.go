package embed

import (
	"context"
	"fmt"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
)

// ollamaClient is the subset of *ollama.EmbedClient used here.
type ollamaClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Ollama embeds text with a locally served Ollama model. Ollama does not
// report token usage, so tokens are always estimated.
type Ollama struct {
	client ollamaClient
	dim    int
	retry  fn.RetryOpts
	rec    *usage.Recorder
}

// NewOllama creates an Ollama embedder. The model must produce vectors of
// length dim.
func NewOllama(client ollamaClient, dim int, rec *usage.Recorder, retry fn.RetryOpts) *Ollama {
	retry.ShouldRetry = domain.IsRetryable
	return &Ollama{client: client, dim: dim, retry: retry, rec: rec}
}

// Embed implements Embedder.
func (o *Ollama) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := now()
	defer func() {
		c := usage.Call{Duration: now().Sub(start), Model: o.client.Model(), Err: err != nil}
		if err == nil {
			c.TokensIn = domain.EstimateTokens(text)
			c.EmbedCostUSD = embedCost(o.rec, c.TokensIn)
		}
		record(o.rec, c)
	}()

	vec, err = fn.Do(ctx, o.retry, func(ctx context.Context) ([]float32, error) {
		return o.client.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != o.dim {
		return nil, fmt.Errorf("embed: %s returned %d dimensions, want %d", o.client.Model(), len(vec), o.dim)
	}
	return vec, nil
}

// Dimension implements Embedder.
func (o *Ollama) Dimension() int { return o.dim }

// Name implements Embedder.
func (o *Ollama) Name() string { return o.client.Model() }
