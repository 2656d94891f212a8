package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/routing"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
	"github.com/taskrecall/recall/pkg/openai"
)

// OfflineModel is the model name reported by OfflineGenerator.
const OfflineModel = "offline-chat"

// SystemPrompt is the fixed instruction sent with every remote generation.
const SystemPrompt = "You are a helpful assistant for a task management system."

// DefaultRetry is the policy applied to remote generation calls.
var DefaultRetry = fn.RetryOpts{
	Retries:  2,
	MinDelay: 500 * time.Millisecond,
	MaxDelay: 2500 * time.Millisecond,
}

// Generator produces an answer from a question and its retrieved matches.
type Generator interface {
	Generate(ctx context.Context, question string, matches []domain.Match) (*Answer, error)
}

// Answer is a generated answer and the usage it cost.
type Answer struct {
	Text  string `json:"answer"`
	Usage Usage  `json:"usage"`
}

// Usage describes one generation call.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Model            string  `json:"model"`
	CostUSD          float64 `json:"cost_usd"`
}

// BuildContext renders matches as a numbered list, one per line:
// "{n}. {title} - {description}".
func BuildContext(matches []domain.Match) string {
	lines := make([]string, len(matches))
	for i, m := range matches {
		title := m.Title()
		if title == "" {
			title = "Untitled"
		}
		lines[i] = strings.TrimSpace(fmt.Sprintf("%d. %s - %s", i+1, title, m.Description()))
	}
	return strings.Join(lines, "\n")
}

// OfflineGenerator answers from match titles alone. Output depends only on
// the question and the matches.
type OfflineGenerator struct {
	rec *usage.Recorder
}

// NewOfflineGenerator creates an OfflineGenerator.
func NewOfflineGenerator(rec *usage.Recorder) *OfflineGenerator {
	return &OfflineGenerator{rec: rec}
}

// Generate implements Generator.
func (g *OfflineGenerator) Generate(_ context.Context, question string, matches []domain.Match) (*Answer, error) {
	start := time.Now()
	text := OfflineAnswer(question, matches)
	in := domain.EstimateTokens(question)
	out := domain.EstimateTokens(text)
	if g.rec != nil {
		g.rec.Record(usage.Call{Duration: time.Since(start), TokensIn: in, TokensOut: out, Model: OfflineModel})
	}
	return &Answer{
		Text: text,
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
			Model:            OfflineModel,
		},
	}, nil
}

// OfflineAnswer is the deterministic answer template.
func OfflineAnswer(question string, matches []domain.Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("Question: %s\nAnswer: No close matches found.", question)
	}
	titles := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := m.Title(); t != "" {
			titles = append(titles, t)
		}
	}
	return fmt.Sprintf("Question: %s\nAnswer: Closest matching tasks: %s", question, strings.Join(titles, ", "))
}

// chatClient is the subset of *openai.Client used here.
type chatClient interface {
	Chat(ctx context.Context, model, system, user string) (openai.Completion, error)
	Configured() bool
}

// OpenAIGenerator answers with a chat completion model picked by a routing
// policy.
type OpenAIGenerator struct {
	client chatClient
	policy routing.Policy
	retry  fn.RetryOpts
	rec    *usage.Recorder
	logger *slog.Logger
}

// NewOpenAIGenerator creates a remote generator. A zero retry uses DefaultRetry.
func NewOpenAIGenerator(client chatClient, policy routing.Policy, rec *usage.Recorder, retry fn.RetryOpts, logger *slog.Logger) *OpenAIGenerator {
	if retry.Retries == 0 && retry.MinDelay == 0 && retry.MaxDelay == 0 {
		retry = DefaultRetry
	}
	retry.ShouldRetry = domain.IsRetryable
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{client: client, policy: policy, retry: retry, rec: rec, logger: logger}
}

// Generate implements Generator. Failed calls are recorded with the model
// that was attempted before the error is returned.
func (g *OpenAIGenerator) Generate(ctx context.Context, question string, matches []domain.Match) (*Answer, error) {
	if !g.client.Configured() {
		return nil, domain.NewConfigurationError(openai.APIKeySetting)
	}

	model := g.policy.Resolve(question)
	block := BuildContext(matches)
	user := fmt.Sprintf("Question: %s\n\nContext:\n%s", question, block)

	start := time.Now()
	comp, err := fn.Do(ctx, g.retry, func(ctx context.Context) (openai.Completion, error) {
		return g.client.Chat(ctx, model, SystemPrompt, user)
	})
	elapsed := time.Since(start)
	if err != nil {
		g.record(usage.Call{Duration: elapsed, Model: model, Err: true})
		g.logger.Warn("generation failed", "model", model, "error", err)
		return nil, fmt.Errorf("rag: generate: %w", err)
	}

	in := comp.PromptTokens
	if in == 0 {
		in = domain.EstimateTokens(question + "\n" + block)
	}
	out := comp.CompletionTokens
	if out == 0 {
		out = domain.EstimateTokens(comp.Text)
	}
	total := comp.TotalTokens
	if total == 0 {
		total = in + out
	}
	var cost float64
	if g.rec != nil {
		cost = g.rec.GenerationCost(in, out)
	}
	g.record(usage.Call{Duration: elapsed, TokensIn: in, TokensOut: out, Model: model, CostUSD: cost})

	return &Answer{
		Text: comp.Text,
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      total,
			Model:            model,
			CostUSD:          usage.Round(cost, 6),
		},
	}, nil
}

func (g *OpenAIGenerator) record(c usage.Call) {
	if g.rec != nil {
		g.rec.Record(c)
	}
}
