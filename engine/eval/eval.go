// Package eval measures retrieval quality. Each case embeds a question,
// searches the index and checks whether an expected title came back.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/records"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
)

// DerivedCases is how many recent records become cases when none are given.
const DerivedCases = 5

// QuestionTemplate phrases a derived case for a record title.
const QuestionTemplate = "Find task: %s"

// Embedder turns a question into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs nearest-neighbour search.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]domain.Match, error)
}

// Harness runs evaluation batches.
type Harness struct {
	embed  Embedder
	search Searcher
	source records.Source
	logger *slog.Logger
}

// New creates a Harness. source is only consulted when a run has no cases.
func New(embed Embedder, search Searcher, source records.Source, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{embed: embed, search: search, source: source, logger: logger}
}

// Run evaluates cases, deriving them from recent records when empty.
// defaultLimit applies to cases without their own limit. The whole batch is
// validated before the first case runs.
func (h *Harness) Run(ctx context.Context, cases []domain.EvalCase, defaultLimit int) (*domain.EvalReport, error) {
	if len(cases) == 0 {
		derived, err := h.derive(ctx)
		if err != nil {
			return nil, err
		}
		cases = derived
	}
	if err := domain.ValidateEvalCases(cases); err != nil {
		return nil, err
	}

	report := &domain.EvalReport{Total: len(cases), Results: make([]domain.EvalResult, 0, len(cases))}
	for _, c := range cases {
		res, err := h.runCase(ctx, c, defaultLimit)
		if err != nil {
			return nil, err
		}
		if res.Hit {
			report.Passed++
		}
		report.Results = append(report.Results, res)
	}
	report.PassRate = PassRate(report.Passed, report.Total)

	h.logger.Info("eval done", "total", report.Total, "passed", report.Passed, "pass_rate", report.PassRate)
	return report, nil
}

func (h *Harness) runCase(ctx context.Context, c domain.EvalCase, defaultLimit int) (domain.EvalResult, error) {
	question := strings.TrimSpace(c.Question)
	limit := c.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = domain.NormalizeLimit(limit)

	vec, err := h.embed.Embed(ctx, question)
	if err != nil {
		return domain.EvalResult{}, fmt.Errorf("eval: embed %q: %w", question, err)
	}
	matches, err := h.search.Search(ctx, vec, limit)
	if err != nil {
		return domain.EvalResult{}, fmt.Errorf("eval: search: %w", err)
	}

	expected := c.ExpectedTitles
	if expected == nil {
		expected = []string{}
	}
	top := TopTitles(matches)
	return domain.EvalResult{
		Question:       c.Question,
		ExpectedTitles: expected,
		TopTitles:      top,
		Hit:            IsHit(expected, top, len(matches)),
	}, nil
}

func (h *Harness) derive(ctx context.Context) ([]domain.EvalCase, error) {
	if h.source == nil {
		return nil, domain.NewValidationError("cases", domain.ErrNoEvalRecords.Error(), domain.ErrNoEvalRecords)
	}
	recs, err := h.source.Recent(ctx, DerivedCases)
	if err != nil {
		return nil, fmt.Errorf("eval: load records: %w", err)
	}
	if len(recs) == 0 {
		return nil, domain.NewValidationError("cases", domain.ErrNoEvalRecords.Error(), domain.ErrNoEvalRecords)
	}
	return fn.Map(recs, func(r domain.Record) domain.EvalCase {
		return domain.EvalCase{
			Question:       fmt.Sprintf(QuestionTemplate, r.Title),
			ExpectedTitles: []string{r.Title},
		}
	}), nil
}

// TopTitles returns the non-empty payload titles of matches, in rank order.
func TopTitles(matches []domain.Match) []string {
	titles := fn.FilterMap(matches, func(m domain.Match) (string, bool) {
		t := m.Title()
		return t, t != ""
	})
	if titles == nil {
		return []string{}
	}
	return titles
}

// IsHit applies the hit rule: with expected titles, any of them is among
// top; without, any match at all counts.
func IsHit(expected, top []string, matchCount int) bool {
	if len(expected) == 0 {
		return matchCount > 0
	}
	for _, e := range expected {
		if slices.Contains(top, e) {
			return true
		}
	}
	return false
}

// PassRate is passed/total rounded to 3 decimals, 0 for an empty batch.
func PassRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return usage.Round(float64(passed)/float64(total), 3)
}
