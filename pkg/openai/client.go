// Package openai wraps the official OpenAI Go SDK for the two calls the
// retrieval pipeline makes: embeddings and chat completions. SDK retries are
// disabled; callers apply their own retry policy. Failures are returned as
// *domain.UpstreamError carrying the HTTP status and response body.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/taskrecall/recall/engine/domain"
)

const (
	// ServiceName labels upstream errors from this client.
	ServiceName = "openai"
	// APIKeySetting names the credential in configuration errors.
	APIKeySetting   = "LLM_API_KEY"
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultTimeout  = 60 * time.Second
	chatTemperature = 0.2
)

// ErrNoEmbeddingInResponse is returned when the API answers without data.
var ErrNoEmbeddingInResponse = errors.New("openai: no embedding in response")

// Config configures the Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client calls the OpenAI API (or any compatible endpoint).
type Client struct {
	sdk    openaisdk.Client
	apiKey string
}

// Embedding is an embedding vector plus the provider's token count
// (0 when the provider did not report usage).
type Embedding struct {
	Vector []float32
	Tokens int64
}

// Completion is a chat completion plus reported usage (0 when absent).
type Completion struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// New creates a Client. An empty API key is allowed; calls then fail with a
// *domain.ConfigurationError before touching the network.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		sdk: openaisdk.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(0),
			option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		),
		apiKey: cfg.APIKey,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Embed returns the embedding of text. dims > 0 requests a specific size.
func (c *Client) Embed(ctx context.Context, model, text string, dims int) (Embedding, error) {
	if !c.Configured() {
		return Embedding{}, domain.NewConfigurationError(APIKeySetting)
	}
	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
		Model: openaisdk.EmbeddingModel(model),
	}
	if dims > 0 {
		params.Dimensions = param.NewOpt(int64(dims))
	}

	resp, err := c.sdk.Embeddings.New(ctx, params)
	if err != nil {
		return Embedding{}, upstream(err)
	}
	if len(resp.Data) == 0 {
		return Embedding{}, ErrNoEmbeddingInResponse
	}

	emb := resp.Data[0].Embedding
	out := make([]float32, len(emb))
	for i := range emb {
		out[i] = float32(emb[i])
	}
	return Embedding{Vector: out, Tokens: resp.Usage.TotalTokens}, nil
}

// Chat sends a system instruction plus one user message.
func (c *Client) Chat(ctx context.Context, model, system, user string) (Completion, error) {
	if !c.Configured() {
		return Completion{}, domain.NewConfigurationError(APIKeySetting)
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(system),
			openaisdk.UserMessage(user),
		},
		Temperature: param.NewOpt(chatTemperature),
	})
	if err != nil {
		return Completion{}, upstream(err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return Completion{
		Text:             text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// upstream converts SDK errors to *domain.UpstreamError.
func upstream(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return domain.NewUpstreamError(ServiceName, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.NewUpstreamError(ServiceName, 0, "", fmt.Errorf("transport: %w", err))
}
