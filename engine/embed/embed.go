// Package embed turns text into fixed-length vectors. Providers are
// interchangeable behind Embedder: Hash computes vectors locally, OpenAI and
// Ollama call a remote model. Every provider call is metered on a
// usage.Recorder, failures included.
package embed

import (
	"context"
	"time"

	"github.com/taskrecall/recall/engine/usage"
	"github.com/taskrecall/recall/pkg/fn"
)

// Embedder produces vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
}

// DefaultRetry is the policy applied to remote embedding calls.
var DefaultRetry = fn.RetryOpts{
	Retries:  2,
	MinDelay: 300 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// now is replaced in tests.
var now = time.Now

func record(rec *usage.Recorder, c usage.Call) {
	if rec != nil {
		rec.Record(c)
	}
}

func embedCost(rec *usage.Recorder, tokens int64) float64 {
	if rec == nil {
		return 0
	}
	return rec.EmbedCost(tokens)
}
