// Package usage meters every call made to a language-model provider:
// request and error counts, latency, tokens and estimated cost. A single
// Recorder lives for the whole process and is safe for concurrent use.
package usage

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pricing holds per-1000-token prices in USD. Zero prices yield zero cost.
type Pricing struct {
	InputPer1K  float64 `json:"inputPer1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"outputPer1k" yaml:"output_per_1k"`
	EmbedPer1K  float64 `json:"embedPer1k" yaml:"embed_per_1k"`
}

// Routing is the model routing configuration echoed in snapshots.
type Routing struct {
	Mode           string `json:"mode"`
	FastModel      string `json:"fastModel"`
	AccurateModel  string `json:"accurateModel"`
	ThresholdChars int    `json:"thresholdChars"`
	DefaultModel   string `json:"defaultModel"`
}

// MarshalJSON writes unset fast and accurate models as null.
func (r Routing) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Mode           string  `json:"mode"`
		FastModel      *string `json:"fastModel"`
		AccurateModel  *string `json:"accurateModel"`
		ThresholdChars int     `json:"thresholdChars"`
		DefaultModel   string  `json:"defaultModel"`
	}{r.Mode, nullable(r.FastModel), nullable(r.AccurateModel), r.ThresholdChars, r.DefaultModel})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Call describes one provider call.
type Call struct {
	Duration     time.Duration
	TokensIn     int64
	TokensOut    int64
	Model        string
	CostUSD      float64
	EmbedCostUSD float64
	Err          bool
}

// Snapshot is an immutable copy of the recorder state.
type Snapshot struct {
	RequestsTotal      int64            `json:"requestsTotal"`
	RequestErrorsTotal int64            `json:"requestErrorsTotal"`
	AvgDurationMs      float64          `json:"avgDurationMs"`
	DurationMsSum      int64            `json:"durationMsSum"`
	DurationMsCount    int64            `json:"durationMsCount"`
	TokensInTotal      int64            `json:"tokensInTotal"`
	TokensOutTotal     int64            `json:"tokensOutTotal"`
	CostUSDTotal       float64          `json:"costUsdTotal"`
	EmbedCostUSDTotal  float64          `json:"embedCostUsdTotal"`
	Models             map[string]int64 `json:"models"`
	Routing            Routing          `json:"routing"`
	Pricing            Pricing          `json:"pricing"`
}

// Recorder is the process-wide usage aggregate.
type Recorder struct {
	pricing Pricing
	routing Routing

	mu            sync.Mutex
	requests      int64
	errors        int64
	durationSum   int64 // milliseconds
	durationCount int64
	tokensIn      int64
	tokensOut     int64
	cost          float64
	embedCost     float64
	models        map[string]int64
}

// NewRecorder creates a Recorder with the given pricing and routing config.
func NewRecorder(pricing Pricing, routing Routing) *Recorder {
	if routing.Mode == "" {
		routing.Mode = "off"
	}
	return &Recorder{
		pricing: pricing,
		routing: routing,
		models:  make(map[string]int64),
	}
}

// Pricing returns the configured prices.
func (r *Recorder) Pricing() Pricing { return r.pricing }

// GenerationCost is (in/1000)*InputPer1K + (out/1000)*OutputPer1K.
func (r *Recorder) GenerationCost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1000*r.pricing.InputPer1K + float64(tokensOut)/1000*r.pricing.OutputPer1K
}

// EmbedCost is (in/1000)*EmbedPer1K.
func (r *Recorder) EmbedCost(tokensIn int64) float64 {
	return float64(tokensIn) / 1000 * r.pricing.EmbedPer1K
}

// Record appends one call. Each call counts exactly once toward requests and
// duration; errors only when c.Err is set.
func (r *Recorder) Record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	r.durationSum += c.Duration.Milliseconds()
	r.durationCount++
	r.tokensIn += c.TokensIn
	r.tokensOut += c.TokensOut
	r.cost += c.CostUSD
	r.embedCost += c.EmbedCostUSD
	if c.Err {
		r.errors++
	}
	if c.Model != "" {
		r.models[c.Model]++
	}
}

// Snapshot returns a copy of the current state.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	models := make(map[string]int64, len(r.models))
	for k, v := range r.models {
		models[k] = v
	}
	var avg float64
	if r.durationCount > 0 {
		avg = float64(r.durationSum) / float64(r.durationCount)
	}
	return Snapshot{
		RequestsTotal:      r.requests,
		RequestErrorsTotal: r.errors,
		AvgDurationMs:      avg,
		DurationMsSum:      r.durationSum,
		DurationMsCount:    r.durationCount,
		TokensInTotal:      r.tokensIn,
		TokensOutTotal:     r.tokensOut,
		CostUSDTotal:       Round(r.cost, 6),
		EmbedCostUSDTotal:  Round(r.embedCost, 6),
		Models:             models,
		Routing:            r.routing,
		Pricing:            r.pricing,
	}
}

// WriteText writes the flat exposition, one "name value" pair per line.
func (r *Recorder) WriteText(w io.Writer) error {
	s := r.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "llm_requests_total %d\n", s.RequestsTotal)
	fmt.Fprintf(&b, "llm_request_errors_total %d\n", s.RequestErrorsTotal)
	fmt.Fprintf(&b, "llm_request_duration_ms_sum %d\n", s.DurationMsSum)
	fmt.Fprintf(&b, "llm_request_duration_ms_count %d\n", s.DurationMsCount)
	fmt.Fprintf(&b, "llm_tokens_in_total %d\n", s.TokensInTotal)
	fmt.Fprintf(&b, "llm_tokens_out_total %d\n", s.TokensOutTotal)
	fmt.Fprintf(&b, "llm_cost_usd_total %.6f\n", s.CostUSDTotal)
	fmt.Fprintf(&b, "llm_embed_cost_usd_total %.6f\n", s.EmbedCostUSDTotal)

	names := make([]string, 0, len(s.Models))
	for name := range s.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "llm_model_requests_total{model=%q} %d\n", name, s.Models[name])
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Text returns the exposition as a string.
func (r *Recorder) Text() string {
	var b strings.Builder
	_ = r.WriteText(&b)
	return b.String()
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
