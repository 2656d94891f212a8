package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/index"
	"github.com/taskrecall/recall/engine/rag"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/metrics"
	"github.com/taskrecall/recall/pkg/mid"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 10 << 10

// rateLimitMessage is returned for local and upstream rate limits alike.
const rateLimitMessage = "LLM rate limit exceeded. Try again in a minute."

type retriever interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Match, error)
	Ask(ctx context.Context, question string, limit int) (*rag.AskResult, error)
	Health(ctx context.Context) error
}

type reindexer interface {
	Run(ctx context.Context, limit int) (index.Result, error)
}

type evaluator interface {
	Run(ctx context.Context, cases []domain.EvalCase, defaultLimit int) (*domain.EvalReport, error)
}

type usageSource interface {
	Snapshot() usage.Snapshot
	WriteText(w io.Writer) error
}

type server struct {
	rag     retriever
	index   reindexer
	eval    evaluator
	usage   usageSource
	metrics *metrics.Registry
	limiter mid.Limiter

	apiKey     string
	corsOrigin string
	// notify, when set, receives every reindex outcome.
	notify func(context.Context, index.Completed)
	logger *slog.Logger
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)

	llm := func(h http.HandlerFunc) http.Handler {
		return mid.Chain(h, mid.APIKey(s.apiKey), mid.RateLimit(s.limiter, rateLimitMessage))
	}
	mux.Handle("GET /api/llm/health", llm(s.handleLLMHealth))
	mux.Handle("POST /api/llm/reindex", llm(s.handleReindex))
	mux.Handle("POST /api/llm/search", llm(s.handleSearch))
	mux.Handle("POST /api/llm/ask", llm(s.handleAsk))
	mux.Handle("GET /api/llm/usage", llm(s.handleUsage))
	mux.Handle("POST /api/llm/eval", llm(s.handleEval))

	auth := mid.APIKey(s.apiKey)
	mux.Handle("GET /metrics", auth(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("GET /metrics/http", auth(s.metrics.Handler()))

	return mid.Chain(mux,
		mid.Recover(s.logger),
		mid.SecureHeaders(),
		mid.Logger(s.logger, "/health"),
		mid.CORS(s.corsOrigin),
		mid.MaxBody(maxBodyBytes),
		mid.OTel("recall-api"),
		mid.Metrics(s.metrics),
	)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleLLMHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rag.Health(r.Context()); err != nil {
		s.logger.Warn("vector store health check failed", "error", err)
		mid.WriteError(w, http.StatusServiceUnavailable, "vector store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	start := time.Now()
	res, err := s.index.Run(r.Context(), int(req.Limit))
	if s.notify != nil {
		evt := index.Completed{Indexed: res.Indexed, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			evt.Error = err.Error()
		}
		s.notify(context.WithoutCancel(r.Context()), evt)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	query, _ := req.Query.(string)
	matches, err := s.rag.Search(r.Context(), query, int(req.Limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	question, _ := req.Question.(string)
	res, err := s.rag.Ask(r.Context(), question, int(req.Limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.usage.Snapshot())
}

func (s *server) handleEval(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.eval.Run(r.Context(), req.evalCases(), int(req.Limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", metrics.ContentType)
	if err := s.usage.WriteText(w); err != nil {
		s.logger.Error("write usage metrics", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
