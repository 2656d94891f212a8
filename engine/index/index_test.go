package index

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/records"
	"github.com/taskrecall/recall/pkg/natsutil"
)

// --- Mocks ---

type mockEmbedder struct {
	mu     sync.Mutex
	texts  []string
	failOn string
	calls  atomic.Int32
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	if m.failOn != "" && strings.Contains(text, m.failOn) {
		return nil, domain.NewUpstreamError("openai", 400, "bad input", nil)
	}
	return []float32{float32(len(text)), 1}, nil
}

type mockStore struct {
	mu      sync.Mutex
	batches [][]domain.Point
	err     error
}

func (m *mockStore) Upsert(_ context.Context, pts []domain.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, pts)
	return m.err
}

type failingSource struct{}

func (failingSource) Recent(context.Context, int) ([]domain.Record, error) {
	return nil, errors.New("records unavailable")
}

func sampleRecords() records.Static {
	return records.Static{
		{ID: "1", Title: "Fix login", Description: "Users cannot sign in", Status: "todo", Priority: "high", AssignedTo: "alice"},
		{ID: "2", Title: "Write docs", Status: "done", Priority: "low"},
		{ID: "3", Title: "Plan sprint", Description: "Q3 goals", Status: "in_progress", Priority: "medium"},
	}
}

func newPipeline(emb Embedder, st Store, src records.Source, workers int) *Pipeline {
	return New(Deps{Source: src, Embedder: emb, Store: st, Workers: workers})
}

// --- Stage Tests ---

func TestPrepare(t *testing.T) {
	r := domain.Record{ID: "1", Title: "  Fix login ", Description: "now  "}
	got, err := Prepare(context.Background(), r).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "Fix login \nnow" {
		t.Fatalf("content = %q", got.Content)
	}
}

func TestNewEmbed(t *testing.T) {
	emb := &mockEmbedder{}
	p := Prepared{Record: domain.Record{ID: "r1", Title: "T", Status: "todo", Priority: "low"}, Content: "T"}
	pt, err := NewEmbed(emb)(context.Background(), p).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if pt.ID != "r1" || len(pt.Vector) != 2 {
		t.Fatalf("point = %+v", pt)
	}
	if pt.Payload[domain.PayloadRecordID] != "r1" || pt.Payload[domain.PayloadDescription] != nil {
		t.Fatalf("payload = %v", pt.Payload)
	}
}

// --- Pipeline Tests ---

func TestRun_IndexesAllInOneBatch(t *testing.T) {
	for _, workers := range []int{0, 1, 4} {
		emb, st := &mockEmbedder{}, &mockStore{}
		res, err := newPipeline(emb, st, sampleRecords(), workers).Run(context.Background(), 0)
		if err != nil {
			t.Fatalf("workers %d: %v", workers, err)
		}
		if res.Indexed != 3 {
			t.Fatalf("workers %d: indexed = %d", workers, res.Indexed)
		}
		if len(st.batches) != 1 || len(st.batches[0]) != 3 {
			t.Fatalf("workers %d: batches = %v", workers, st.batches)
		}
		// Order of points follows the source order.
		for i, id := range []string{"1", "2", "3"} {
			if st.batches[0][i].ID != id {
				t.Fatalf("workers %d: point %d id = %s", workers, i, st.batches[0][i].ID)
			}
		}
	}
}

func TestRun_EmbedsTitleAndDescription(t *testing.T) {
	emb, st := &mockEmbedder{}, &mockStore{}
	if _, err := newPipeline(emb, st, sampleRecords(), 1).Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	want := []string{"Fix login\nUsers cannot sign in", "Write docs", "Plan sprint\nQ3 goals"}
	for i, w := range want {
		if emb.texts[i] != w {
			t.Errorf("text %d = %q, want %q", i, emb.texts[i], w)
		}
	}
}

func TestRun_Limit(t *testing.T) {
	emb, st := &mockEmbedder{}, &mockStore{}
	res, err := newPipeline(emb, st, sampleRecords(), 1).Run(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Indexed != 2 || emb.calls.Load() != 2 {
		t.Fatalf("indexed = %d, embed calls = %d", res.Indexed, emb.calls.Load())
	}
}

func TestRun_EmptySourceSkipsStore(t *testing.T) {
	emb, st := &mockEmbedder{}, &mockStore{}
	res, err := newPipeline(emb, st, records.Static{}, 2).Run(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Indexed != 0 || len(st.batches) != 0 || emb.calls.Load() != 0 {
		t.Fatalf("res = %+v, batches = %d, calls = %d", res, len(st.batches), emb.calls.Load())
	}
}

func TestRun_EmbedFailureAbortsBeforeWrite(t *testing.T) {
	for _, workers := range []int{1, 3} {
		emb, st := &mockEmbedder{failOn: "Write docs"}, &mockStore{}
		res, err := newPipeline(emb, st, sampleRecords(), workers).Run(context.Background(), 0)
		if err == nil {
			t.Fatalf("workers %d: expected error", workers)
		}
		if status, ok := domain.UpstreamStatus(err); !ok || status != 400 {
			t.Fatalf("workers %d: err = %v", workers, err)
		}
		if res.Indexed != 0 || len(st.batches) != 0 {
			t.Fatalf("workers %d: store must not be written, batches = %d", workers, len(st.batches))
		}
	}
}

func TestRun_SequentialStopsAtFirstFailure(t *testing.T) {
	emb, st := &mockEmbedder{failOn: "Fix login"}, &mockStore{}
	if _, err := newPipeline(emb, st, sampleRecords(), 1).Run(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
	if n := emb.calls.Load(); n != 1 {
		t.Fatalf("embed calls = %d, want 1", n)
	}
}

func TestRun_SourceError(t *testing.T) {
	emb, st := &mockEmbedder{}, &mockStore{}
	if _, err := newPipeline(emb, st, failingSource{}, 1).Run(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
	if emb.calls.Load() != 0 {
		t.Fatal("embedder must not be called")
	}
}

func TestRun_StoreError(t *testing.T) {
	st := &mockStore{err: domain.NewUpstreamError("qdrant", 503, "", nil)}
	_, err := newPipeline(&mockEmbedder{}, st, sampleRecords(), 1).Run(context.Background(), 0)
	if !domain.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRecords_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emb, st := &mockEmbedder{}, &mockStore{}
	_, err := newPipeline(emb, st, nil, 1).RunRecords(ctx, sampleRecords())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(st.batches) != 0 {
		t.Fatal("store must not be written")
	}
}

// --- Worker Tests ---

func startNATS(t *testing.T) (*natsserver.Server, *nats.Conn) {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	return ns, nc
}

func TestWorker_RequestReindex(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	st := &mockStore{}
	sub, err := StartWorker(nc, newPipeline(&mockEmbedder{}, st, sampleRecords(), 2))
	if err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, err := RequestReindex(ctx, nc, 2, nil)
	if err != nil {
		t.Fatalf("RequestReindex: %v", err)
	}
	if evt.Indexed != 2 || evt.Error != "" {
		t.Fatalf("event = %+v", evt)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.batches) != 1 {
		t.Fatalf("batches = %d", len(st.batches))
	}
}

func TestWorker_ReportsFailure(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	sub, err := StartWorker(nc, newPipeline(&mockEmbedder{failOn: "Plan"}, &mockStore{}, sampleRecords(), 1))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, err := RequestReindex(ctx, nc, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Indexed != 0 || evt.Error == "" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestRequestReindex_IgnoresOtherCompletions(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	// Another run's completion arrives while no worker is listening.
	other, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = natsutil.Publish(context.Background(), other, CompletedSubject, Completed{Indexed: 999})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := RequestReindex(ctx, nc, 1, nil)
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("evt = %+v err = %v, want ErrNoResponders", evt, err)
	}

	st := &mockStore{}
	sub, err := StartWorker(nc, newPipeline(&mockEmbedder{}, st, sampleRecords(), 1))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	evt, err = RequestReindex(ctx, nc, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Indexed != 1 {
		t.Fatalf("event = %+v, want this request's own result", evt)
	}
}

func TestWorker_StillPublishesCompletion(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	events := make(chan *nats.Msg, 1)
	esub, err := nc.ChanSubscribe(CompletedSubject, events)
	if err != nil {
		t.Fatal(err)
	}
	defer esub.Unsubscribe()
	sub, err := StartWorker(nc, newPipeline(&mockEmbedder{}, &mockStore{}, sampleRecords(), 1))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := RequestReindex(ctx, nc, 2, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-events:
		var evt Completed
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Indexed != 2 {
			t.Fatalf("event = %s, %v", msg.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}
}

func TestRequestReindex_Timeout(t *testing.T) {
	ns, nc := startNATS(t)
	defer ns.Shutdown()
	defer nc.Close()

	// A listener that never answers.
	sub, err := nc.Subscribe(RequestSubject, func(*nats.Msg) {})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := RequestReindex(ctx, nc, 1, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
