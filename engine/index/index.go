// Package index rebuilds the vector index from source records. Each record
// runs through Prepare → Embed as an fn.Stage; the batch runs on a bounded
// worker pool and is written to the store in one upsert. An embedding
// failure aborts the run before anything is written.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/records"
	"github.com/taskrecall/recall/pkg/fn"
)

const (
	// RequestSubject is the NATS subject for reindex requests.
	RequestSubject = "rag.reindex.requests"
	// CompletedSubject is the NATS subject for reindex completion events.
	CompletedSubject = "rag.reindex.completed"
)

// Embedder turns record content into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store writes points to the vector index.
type Store interface {
	Upsert(ctx context.Context, points []domain.Point) error
}

// Deps holds the external dependencies for the pipeline.
type Deps struct {
	Source   records.Source
	Embedder Embedder
	Store    Store
	// Workers bounds concurrent embedding calls. 1 or less runs strictly
	// sequentially.
	Workers int
	Logger  *slog.Logger
}

// Result is the outcome of a reindex run.
type Result struct {
	Indexed int `json:"indexed"`
}

// Request asks a worker to reindex. Limit <= 0 reindexes every record.
type Request struct {
	Limit int `json:"limit"`
}

// Completed is published after a run.
type Completed struct {
	Indexed    int    `json:"indexed"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// --- Pipeline Stages ---

// Prepared is a record with the text that will be embedded.
type Prepared struct {
	Record  domain.Record
	Content string
}

// Prepare derives the embedding content of a record.
var Prepare fn.Stage[domain.Record, Prepared] = func(_ context.Context, r domain.Record) fn.Result[Prepared] {
	return fn.Ok(Prepared{Record: r, Content: r.Content()})
}

// NewEmbed creates a stage that embeds prepared content into a Point.
func NewEmbed(e Embedder) fn.Stage[Prepared, domain.Point] {
	return func(ctx context.Context, p Prepared) fn.Result[domain.Point] {
		vec, err := e.Embed(ctx, p.Content)
		if err != nil {
			return fn.Err[domain.Point](fmt.Errorf("embed record %s: %w", p.Record.ID, err))
		}
		return fn.Ok(domain.Point{ID: p.Record.ID, Vector: vec, Payload: p.Record.Payload()})
	}
}

// NewRecordStage composes the per-record stages with tracing.
func NewRecordStage(e Embedder) fn.Stage[domain.Record, domain.Point] {
	return fn.Then(
		fn.TracedStage("index.prepare", Prepare),
		fn.TracedStage("index.embed", NewEmbed(e)),
	)
}

// Pipeline runs reindex batches.
type Pipeline struct {
	deps   Deps
	stage  fn.Stage[domain.Record, domain.Point]
	logger *slog.Logger
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Workers < 1 {
		deps.Workers = 1
	}
	return &Pipeline{deps: deps, stage: NewRecordStage(deps.Embedder), logger: log}
}

// Run reindexes the most recent limit records (all when limit <= 0).
func (p *Pipeline) Run(ctx context.Context, limit int) (Result, error) {
	recs, err := p.deps.Source.Recent(ctx, limit)
	if err != nil {
		return Result{}, fmt.Errorf("index: load records: %w", err)
	}
	return p.RunRecords(ctx, recs)
}

// RunRecords reindexes the given records. An empty set returns zero without
// touching the store.
func (p *Pipeline) RunRecords(ctx context.Context, recs []domain.Record) (Result, error) {
	if len(recs) == 0 {
		return Result{}, nil
	}
	start := time.Now()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// The first failure cancels the remaining records.
	guarded := func(ctx context.Context, r domain.Record) fn.Result[domain.Point] {
		if ctx.Err() != nil {
			return fn.Err[domain.Point](context.Cause(ctx))
		}
		res := p.stage(ctx, r)
		if res.IsErr() {
			_, err := res.Unwrap()
			cancel(err)
		}
		return res
	}

	points, err := fn.BatchStage(p.deps.Workers, guarded)(ctx, recs).Unwrap()
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		p.logger.Error("reindex aborted", "records", len(recs), "error", err)
		return Result{}, fmt.Errorf("index: %w", err)
	}

	if len(points) > 0 {
		if err := p.deps.Store.Upsert(ctx, points); err != nil {
			return Result{}, fmt.Errorf("index: upsert: %w", err)
		}
	}
	p.logger.Info("reindex done", "indexed", len(points), "workers", p.deps.Workers, "duration", time.Since(start))
	return Result{Indexed: len(points)}, nil
}
