package rag

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/routing"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
	"github.com/taskrecall/recall/pkg/openai"
)

var fastRetry = fn.RetryOpts{Retries: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func match(title, desc string) domain.Match {
	p := map[string]any{}
	if title != "" {
		p["title"] = title
	}
	if desc != "" {
		p["description"] = desc
	}
	return domain.Match{ID: title, Score: 0.9, Payload: p}
}

type mockChat struct {
	configured bool
	errs       []error
	comp       openai.Completion
	calls      int
	models     []string
	lastUser   string
	lastSystem string
}

func (m *mockChat) Configured() bool { return m.configured }

func (m *mockChat) Chat(_ context.Context, model, system, user string) (openai.Completion, error) {
	m.calls++
	m.models = append(m.models, model)
	m.lastSystem, m.lastUser = system, user
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return openai.Completion{}, err
	}
	return m.comp, nil
}

func TestBuildContext(t *testing.T) {
	got := BuildContext([]domain.Match{
		match("Fix login", "Users cannot sign in"),
		match("", ""),
		match("Docs", ""),
	})
	want := "1. Fix login - Users cannot sign in\n2. Untitled\n3. Docs -"
	if got != want {
		t.Fatalf("BuildContext =\n%q\nwant\n%q", got, want)
	}
	if BuildContext(nil) != "" {
		t.Fatal("empty matches give empty context")
	}
}

func TestOffline_NoMatches(t *testing.T) {
	rec := usage.NewRecorder(usage.Pricing{InputPer1K: 1, OutputPer1K: 1}, usage.Routing{})
	ans, err := NewOfflineGenerator(rec).Generate(context.Background(), "What is blocked?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "Question: What is blocked?\nAnswer: No close matches found." {
		t.Fatalf("text = %q", ans.Text)
	}
	if ans.Usage.CompletionTokens != 15 || ans.Usage.PromptTokens != 4 {
		t.Fatalf("usage = %+v", ans.Usage)
	}
	if ans.Usage.CostUSD != 0 || ans.Usage.Model != OfflineModel {
		t.Fatalf("usage = %+v", ans.Usage)
	}
	s := rec.Snapshot()
	if s.RequestsTotal != 1 || s.CostUSDTotal != 0 || s.Models[OfflineModel] != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestOffline_ListsTitles(t *testing.T) {
	g := NewOfflineGenerator(nil)
	matches := []domain.Match{match("Fix login", "x"), match("", "untitled"), match("Write docs", "")}
	a, _ := g.Generate(context.Background(), "q", matches)
	b, _ := g.Generate(context.Background(), "q", matches)
	want := "Question: q\nAnswer: Closest matching tasks: Fix login, Write docs"
	if a.Text != want {
		t.Fatalf("text = %q", a.Text)
	}
	if a.Text != b.Text || a.Usage != b.Usage {
		t.Fatal("offline generation must be deterministic")
	}
}

func TestOpenAI_Success(t *testing.T) {
	rec := usage.NewRecorder(usage.Pricing{InputPer1K: 0.01, OutputPer1K: 0.02}, usage.Routing{})
	chat := &mockChat{configured: true, comp: openai.Completion{Text: "Fix login first.", PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}}
	policy := routing.Policy{Mode: routing.ModeLength, DefaultModel: "gpt-4o-mini", FastModel: "fast", AccurateModel: "accurate", ThresholdChars: 200}
	g := NewOpenAIGenerator(chat, policy, rec, fastRetry, nil)

	ans, err := g.Generate(context.Background(), "Find login", []domain.Match{match("Fix login", "Users cannot sign in")})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "Fix login first." {
		t.Errorf("text = %q", ans.Text)
	}
	if ans.Usage.Model != "fast" || ans.Usage.CostUSD != 0.02 || ans.Usage.TotalTokens != 1500 {
		t.Errorf("usage = %+v", ans.Usage)
	}
	if chat.lastSystem != SystemPrompt {
		t.Errorf("system = %q", chat.lastSystem)
	}
	if chat.lastUser != "Question: Find login\n\nContext:\n1. Fix login - Users cannot sign in" {
		t.Errorf("user = %q", chat.lastUser)
	}
	s := rec.Snapshot()
	if s.TokensInTotal != 1000 || s.TokensOutTotal != 500 || s.CostUSDTotal != 0.02 || s.Models["fast"] != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestOpenAI_RoutesLongQuestions(t *testing.T) {
	chat := &mockChat{configured: true, comp: openai.Completion{Text: "ok"}}
	policy := routing.Policy{Mode: routing.ModeLength, FastModel: "fast", AccurateModel: "accurate", ThresholdChars: 200}
	g := NewOpenAIGenerator(chat, policy, nil, fastRetry, nil)
	g.Generate(context.Background(), strings.Repeat("q", 201), nil)
	if chat.models[0] != "accurate" {
		t.Fatalf("model = %q", chat.models[0])
	}
}

func TestOpenAI_EstimatesMissingUsage(t *testing.T) {
	chat := &mockChat{configured: true, comp: openai.Completion{Text: "Task 1 matters."}}
	g := NewOpenAIGenerator(chat, routing.Policy{DefaultModel: "m"}, nil, fastRetry, nil)
	ans, err := g.Generate(context.Background(), "Find login", []domain.Match{match("Fix login", "Users cannot sign in"), match("", "")})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Usage.PromptTokens != 15 || ans.Usage.CompletionTokens != 4 || ans.Usage.TotalTokens != 19 {
		t.Fatalf("usage = %+v", ans.Usage)
	}
}

func TestOpenAI_RetriesThenRecordsFailure(t *testing.T) {
	rec := usage.NewRecorder(usage.Pricing{}, usage.Routing{})
	upstream := domain.NewUpstreamError("openai", http.StatusServiceUnavailable, "", nil)
	chat := &mockChat{configured: true, errs: []error{upstream, upstream, upstream}}
	g := NewOpenAIGenerator(chat, routing.Policy{DefaultModel: "gpt-4o-mini"}, rec, fastRetry, nil)

	_, err := g.Generate(context.Background(), "q", nil)
	if st, _ := domain.UpstreamStatus(err); st != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	if chat.calls != 3 {
		t.Fatalf("calls = %d, want 3", chat.calls)
	}
	s := rec.Snapshot()
	if s.RequestsTotal != 1 || s.RequestErrorsTotal != 1 || s.Models["gpt-4o-mini"] != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestOpenAI_NotConfigured(t *testing.T) {
	rec := usage.NewRecorder(usage.Pricing{}, usage.Routing{})
	chat := &mockChat{}
	_, err := NewOpenAIGenerator(chat, routing.Policy{}, rec, fastRetry, nil).Generate(context.Background(), "q", nil)
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if chat.calls != 0 || rec.Snapshot().RequestsTotal != 0 {
		t.Fatal("configuration errors must not call or record")
	}
}

func TestNewOpenAIGenerator_DefaultRetry(t *testing.T) {
	g := NewOpenAIGenerator(&mockChat{}, routing.Policy{}, nil, fn.RetryOpts{}, nil)
	if g.retry.Retries != 2 || g.retry.MinDelay != 500*time.Millisecond || g.retry.MaxDelay != 2500*time.Millisecond {
		t.Fatalf("retry = %+v", g.retry)
	}
	if g.retry.ShouldRetry == nil {
		t.Fatal("retry predicate must be set")
	}
}
