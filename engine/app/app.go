// Package app assembles the retrieval engine from configuration. Both the
// HTTP server and the reindex command build their components here so a
// provider or store switch behaves the same in every binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/embed"
	"github.com/taskrecall/recall/engine/eval"
	"github.com/taskrecall/recall/engine/index"
	"github.com/taskrecall/recall/engine/rag"
	"github.com/taskrecall/recall/engine/records"
	"github.com/taskrecall/recall/engine/routing"
	"github.com/taskrecall/recall/engine/semantic"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/config"
	"github.com/taskrecall/recall/pkg/ollama"
	"github.com/taskrecall/recall/pkg/openai"
	"github.com/taskrecall/recall/pkg/resilience"
)

// ollamaAPIKey is sent to Ollama's OpenAI-compatible endpoint, which
// requires a non-empty key but ignores its value.
const ollamaAPIKey = "ollama"

// Components is the wired engine.
type Components struct {
	Config    *config.Config
	Usage     *usage.Recorder
	Embedder  embed.Embedder
	Store     *semantic.VectorStore
	Breaker   *resilience.Breaker
	Source    records.Source
	Generator rag.Generator
	RAG       *rag.Service
	Index     *index.Pipeline
	Eval      *eval.Harness

	closers []func()
}

// Build creates every component described by cfg. The vector store
// connection is lazy; a Postgres source is pinged before Build returns.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{Config: cfg}
	c.Usage = NewRecorder(cfg)
	c.Embedder = NewEmbedder(cfg, c.Usage, logger)
	c.Generator = NewGenerator(cfg, c.Usage, logger)
	c.Breaker = NewBreaker(cfg, logger)

	store, err := semantic.New(cfg.Qdrant.URL, cfg.Qdrant.Collection, c.Embedder.Dimension(),
		semantic.WithRetry(cfg.Qdrant.Retry.Opts()),
		semantic.WithBreaker(c.Breaker),
		semantic.WithLogger(logger.With("component", "semantic")),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	c.Store = store
	c.closers = append(c.closers, func() { _ = store.Close() })

	src, closeSrc, err := NewSource(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	c.Source = src
	if closeSrc != nil {
		c.closers = append(c.closers, closeSrc)
	}

	c.RAG = rag.New(c.Embedder, c.Store, c.Generator, rag.DefaultOptions(), logger.With("component", "rag"))
	c.Index = index.New(index.Deps{
		Source:   c.Source,
		Embedder: c.Embedder,
		Store:    c.Store,
		Workers:  cfg.Records.Workers,
		Logger:   logger.With("component", "index"),
	})
	c.Eval = eval.New(c.Embedder, c.Store, c.Source, logger.With("component", "eval"))

	logger.Info("engine ready",
		"provider", cfg.LLM.Provider,
		"embedder", c.Embedder.Name(),
		"dimension", c.Embedder.Dimension(),
		"collection", cfg.Qdrant.Collection,
		"records", cfg.Records.Source,
	)
	return c, nil
}

// Close releases connections in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// NewRecorder creates the usage recorder with the configured prices and
// routing.
func NewRecorder(cfg *config.Config) *usage.Recorder {
	p := Policy(cfg)
	return usage.NewRecorder(
		usage.Pricing{
			InputPer1K:  cfg.LLM.CostInputPer1K,
			OutputPer1K: cfg.LLM.CostOutputPer1K,
			EmbedPer1K:  cfg.LLM.EmbedCostPer1K,
		},
		usage.Routing{
			Mode:           p.EffectiveMode(),
			FastModel:      p.FastModel,
			AccurateModel:  p.AccurateModel,
			ThresholdChars: p.ThresholdChars,
			DefaultModel:   p.DefaultModel,
		},
	)
}

// Policy returns the model routing policy.
func Policy(cfg *config.Config) routing.Policy {
	return routing.Policy{
		Mode:           cfg.LLM.Routing,
		DefaultModel:   cfg.LLM.Model,
		FastModel:      cfg.LLM.FastModel,
		AccurateModel:  cfg.LLM.AccurateModel,
		ThresholdChars: cfg.LLM.RoutingMaxChars,
	}
}

// NewEmbedder picks the embedding provider.
func NewEmbedder(cfg *config.Config, rec *usage.Recorder, logger *slog.Logger) embed.Embedder {
	dim := cfg.LLM.VectorSize
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		client := openai.New(openai.Config{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.APIBase})
		return embed.NewOpenAI(client, cfg.LLM.EmbedModel, dim, rec,
			embed.WithRetry(cfg.LLM.EmbedRetry.Opts()),
			embed.WithLogger(logger.With("component", "embed")),
		)
	case config.ProviderOllama:
		client := ollama.NewEmbedClient(cfg.LLM.OllamaURL, cfg.LLM.EmbedModel)
		return embed.NewOllama(client, dim, rec, cfg.LLM.EmbedRetry.Opts())
	default:
		return embed.NewHash(dim, rec)
	}
}

// NewGenerator picks the answer generator. Ollama is reached through its
// OpenAI-compatible chat endpoint.
func NewGenerator(cfg *config.Config, rec *usage.Recorder, logger *slog.Logger) rag.Generator {
	var client *openai.Client
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		client = openai.New(openai.Config{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.APIBase})
	case config.ProviderOllama:
		client = openai.New(openai.Config{
			APIKey:  ollamaAPIKey,
			BaseURL: strings.TrimRight(cfg.LLM.OllamaURL, "/") + "/v1",
		})
	default:
		return rag.NewOfflineGenerator(rec)
	}
	return rag.NewOpenAIGenerator(client, Policy(cfg), rec, cfg.LLM.ChatRetry.Opts(),
		logger.With("component", "generator"))
}

// NewBreaker creates the vector store breaker. Client errors (4xx) do not
// count toward opening it.
func NewBreaker(cfg *config.Config, logger *slog.Logger) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.Qdrant.BreakerFailThreshold,
		Timeout:       time.Duration(cfg.Qdrant.BreakerTimeoutMs) * time.Millisecond,
		IsFailure:     IsStoreFailure,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("vector store breaker", "from", from.String(), "to", to.String())
		},
	})
}

// IsStoreFailure reports whether err indicates an unhealthy vector store:
// no response at all or a server-side status. A canceled caller is not the
// store's fault.
func IsStoreFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	status, ok := domain.UpstreamStatus(err)
	if !ok {
		return true
	}
	return status == 0 || status >= 500
}

// NewSource opens the configured record source. The returned close func may
// be nil.
func NewSource(ctx context.Context, cfg *config.Config) (records.Source, func(), error) {
	switch cfg.Records.Source {
	case config.SourceHTTP:
		return records.NewHTTPSource(cfg.Records.URL, nil), nil, nil
	case config.SourcePostgres:
		src, err := records.NewPostgresSource(ctx, cfg.Records.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown records source %q", cfg.Records.Source)
	}
}
