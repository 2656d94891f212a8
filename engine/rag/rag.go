// Package rag orchestrates retrieval and answer generation. It validates
// the request, embeds the query, searches the vector index and, for Ask,
// hands the matches to a Generator for the final answer.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskrecall/recall/engine/domain"
)

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store abstracts the vector index.
type Store interface {
	Search(ctx context.Context, vector []float32, limit int) ([]domain.Match, error)
	EnsureCollection(ctx context.Context) error
}

// Options configures the Service.
type Options struct {
	// SearchTimeout bounds the vector search; zero means no extra bound.
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{SearchTimeout: 10 * time.Second}
}

// Service is the retrieval and answer service.
type Service struct {
	embed  Embedder
	store  Store
	gen    Generator
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(embed Embedder, store Store, gen Generator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embed: embed, store: store, gen: gen, opts: opts, logger: logger}
}

// AskResult is the response to Ask.
type AskResult struct {
	Answer  string         `json:"answer"`
	Usage   Usage          `json:"usage"`
	Sources []domain.Match `json:"sources"`
}

// Search returns the records closest to query. limit is normalized to
// [1, domain.MaxLimit] with domain.DefaultLimit for non-positive values.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]domain.Match, error) {
	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}
	return s.retrieve(ctx, query, domain.NormalizeLimit(limit))
}

// Ask retrieves matches for question and generates an answer from them.
func (s *Service) Ask(ctx context.Context, question string, limit int) (*AskResult, error) {
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}
	s.logger.Info("ask start", "question_len", len(question), "limit", limit)

	matches, err := s.retrieve(ctx, question, domain.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	ans, err := s.gen.Generate(ctx, question, matches)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ask done", "sources", len(matches), "model", ans.Usage.Model)
	return &AskResult{Answer: ans.Text, Usage: ans.Usage, Sources: matches}, nil
}

// Health ensures the collection exists.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("rag: health: %w", err)
	}
	return nil
}

func (s *Service) retrieve(ctx context.Context, text string, limit int) ([]domain.Match, error) {
	vec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	searchCtx := ctx
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	matches, err := s.store.Search(searchCtx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("rag: semantic search: %w", err)
	}
	if matches == nil {
		matches = []domain.Match{}
	}
	return matches, nil
}
