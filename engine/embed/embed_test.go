package embed

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
	"github.com/taskrecall/recall/pkg/openai"
)

var fastRetry = fn.RetryOpts{Retries: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type fakeOpenAI struct {
	configured bool
	errs       []error
	emb        openai.Embedding
	calls      int
	gotDims    int
}

func (f *fakeOpenAI) Configured() bool { return f.configured }

func (f *fakeOpenAI) Embed(_ context.Context, _, _ string, dims int) (openai.Embedding, error) {
	f.calls++
	f.gotDims = dims
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return openai.Embedding{}, err
		}
	}
	return f.emb, nil
}

func newRecorder() *usage.Recorder {
	return usage.NewRecorder(usage.Pricing{EmbedPer1K: 1}, usage.Routing{})
}

func TestHash_Deterministic(t *testing.T) {
	h := NewHash(8, nil)
	a, _ := h.Embed(context.Background(), "Fix login bug")
	b, _ := h.Embed(context.Background(), "Fix login bug")
	c, _ := h.Embed(context.Background(), "Write docs")
	if len(a) != 8 {
		t.Fatalf("len = %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same text produced different vectors at %d", i)
		}
		if a[i] < -1 || a[i] > 1 {
			t.Fatalf("component %d out of range: %v", i, a[i])
		}
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Fatal("different texts should produce different vectors")
	}
}

func TestHashVector_KnownDigest(t *testing.T) {
	// sha256("") starts with 0xe3 0xb0.
	vec := HashVector("", 2)
	want0 := float32(float64(0xe3)/255*2 - 1)
	want1 := float32(float64(0xb0)/255*2 - 1)
	if vec[0] != want0 || vec[1] != want1 {
		t.Fatalf("vec = %v, want [%v %v]", vec, want0, want1)
	}
}

func TestHashVector_WrapsPastDigest(t *testing.T) {
	vec := HashVector("wrap", 40)
	for i := 32; i < 40; i++ {
		if vec[i] != vec[i-32] {
			t.Fatalf("component %d should repeat component %d", i, i-32)
		}
	}
}

func TestHash_RecordsUsage(t *testing.T) {
	rec := newRecorder()
	h := NewHash(4, rec)
	h.Embed(context.Background(), "12345678")
	s := rec.Snapshot()
	if s.RequestsTotal != 1 || s.TokensInTotal != 2 || s.Models[HashModel] != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.EmbedCostUSDTotal != 0 {
		t.Error("offline embeddings are free")
	}
	if h.Dimension() != 4 || h.Name() != HashModel {
		t.Error("metadata")
	}
}

func TestOpenAI_Success(t *testing.T) {
	rec := newRecorder()
	client := &fakeOpenAI{configured: true, emb: openai.Embedding{Vector: []float32{1, 2, 3}, Tokens: 500}}
	e := NewOpenAI(client, "text-embedding-3-small", 3, rec, WithRetry(fastRetry))

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || client.gotDims != 3 {
		t.Fatalf("vec = %v dims = %d", vec, client.gotDims)
	}
	s := rec.Snapshot()
	if s.RequestsTotal != 1 || s.TokensInTotal != 500 || s.EmbedCostUSDTotal != 0.5 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Models["text-embedding-3-small"] != 1 {
		t.Errorf("models = %v", s.Models)
	}
}

func TestOpenAI_EstimatesTokensWhenUnreported(t *testing.T) {
	rec := newRecorder()
	client := &fakeOpenAI{configured: true, emb: openai.Embedding{Vector: []float32{1}}}
	e := NewOpenAI(client, "m", 1, rec)
	e.Embed(context.Background(), "abcdefghi")
	if got := rec.Snapshot().TokensInTotal; got != 3 {
		t.Fatalf("tokens = %d, want 3", got)
	}
}

func TestOpenAI_RetriesTransient(t *testing.T) {
	rec := newRecorder()
	client := &fakeOpenAI{
		configured: true,
		errs: []error{
			domain.NewUpstreamError("openai", http.StatusServiceUnavailable, "", nil),
			domain.NewUpstreamError("openai", http.StatusTooManyRequests, "", nil),
		},
		emb: openai.Embedding{Vector: []float32{1, 1}},
	}
	e := NewOpenAI(client, "m", 2, rec, WithRetry(fastRetry))
	if _, err := e.Embed(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d, want 3", client.calls)
	}
	if s := rec.Snapshot(); s.RequestsTotal != 1 || s.RequestErrorsTotal != 0 {
		t.Fatalf("one logical call expected, got %+v", s)
	}
}

func TestOpenAI_NonRetryableFailsOnce(t *testing.T) {
	rec := newRecorder()
	client := &fakeOpenAI{
		configured: true,
		errs:       []error{domain.NewUpstreamError("openai", http.StatusBadRequest, `{"error":"bad"}`, nil)},
	}
	e := NewOpenAI(client, "m", 2, rec, WithRetry(fastRetry))
	_, err := e.Embed(context.Background(), "x")
	if status, ok := domain.UpstreamStatus(err); !ok || status != http.StatusBadRequest {
		t.Fatalf("expected upstream 400, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
	s := rec.Snapshot()
	if s.RequestsTotal != 1 || s.RequestErrorsTotal != 1 || s.Models["m"] != 1 {
		t.Fatalf("failure must be recorded: %+v", s)
	}
}

func TestOpenAI_ExhaustsRetries(t *testing.T) {
	upstream := domain.NewUpstreamError("openai", http.StatusTooManyRequests, "", nil)
	client := &fakeOpenAI{configured: true, errs: []error{upstream, upstream, upstream, upstream}}
	e := NewOpenAI(client, "m", 2, nil, WithRetry(fastRetry))
	_, err := e.Embed(context.Background(), "x")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d, want 3", client.calls)
	}
}

func TestOpenAI_NotConfigured(t *testing.T) {
	rec := newRecorder()
	client := &fakeOpenAI{}
	e := NewOpenAI(client, "m", 2, rec)
	_, err := e.Embed(context.Background(), "x")
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if client.calls != 0 {
		t.Fatal("no network call expected")
	}
	if rec.Snapshot().RequestsTotal != 0 {
		t.Fatal("configuration errors are not provider calls")
	}
}

func TestOpenAI_DimensionMismatch(t *testing.T) {
	client := &fakeOpenAI{configured: true, emb: openai.Embedding{Vector: []float32{1, 2}}}
	e := NewOpenAI(client, "m", 3, nil)
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected dimension error")
	}
}

type fakeOllama struct {
	vec   []float32
	errs  []error
	calls int
}

func (f *fakeOllama) Model() string { return "nomic-embed-text" }

func (f *fakeOllama) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.vec, nil
}

func TestOllama(t *testing.T) {
	rec := newRecorder()
	client := &fakeOllama{
		vec:  []float32{0.1, 0.2},
		errs: []error{domain.NewUpstreamError("ollama", http.StatusServiceUnavailable, "", nil)},
	}
	e := NewOllama(client, 2, rec, fastRetry)
	vec, err := e.Embed(context.Background(), "abcd")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 2 || client.calls != 2 {
		t.Fatalf("vec = %v calls = %d", vec, client.calls)
	}
	s := rec.Snapshot()
	if s.TokensInTotal != 1 || math.Abs(s.EmbedCostUSDTotal-0.001) > 1e-9 || s.Models["nomic-embed-text"] != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if e.Name() != "nomic-embed-text" || e.Dimension() != 2 {
		t.Error("metadata")
	}
}

func TestOllama_Failure(t *testing.T) {
	rec := newRecorder()
	client := &fakeOllama{errs: []error{errors.New("boom")}}
	e := NewOllama(client, 2, rec, fastRetry)
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 1 {
		t.Fatalf("non-upstream errors are not retried, calls = %d", client.calls)
	}
	if rec.Snapshot().RequestErrorsTotal != 1 {
		t.Fatal("failure must be recorded")
	}
}

var (
	_ Embedder = (*Hash)(nil)
	_ Embedder = (*OpenAI)(nil)
	_ Embedder = (*Ollama)(nil)
)
