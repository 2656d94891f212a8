// Package metrics is a small registry of counters, gauges and histograms
// rendered in the Prometheus text exposition format. Series are grouped into
// families by name; each label combination is its own series.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ContentType is the exposition format content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// DefaultBuckets are latency buckets in seconds, tuned for calls that reach a
// language model or vector store.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge holds a value that can go up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	sum    float64
	n      uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.n++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// ObserveSince records the seconds elapsed since t.
func (h *Histogram) ObserveSince(t time.Time) { h.Observe(time.Since(t).Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// cumulative returns per-bound cumulative counts, the sum and the total.
func (h *Histogram) cumulative() ([]uint64, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.counts))
	var acc uint64
	for i, c := range h.counts {
		acc += c
		out[i] = acc
	}
	return out, h.sum, h.n
}

type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
	series  map[string]any // rendered label set → *Counter | *Gauge | *Histogram
}

// Registry holds metric families in registration order.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// Counter returns the counter for name and the given label pairs, creating
// it on first use. labels alternate key and value.
func (r *Registry) Counter(name, help string, labels ...string) *Counter {
	return r.series(name, help, kindCounter, nil, labels, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels.
func (r *Registry) Gauge(name, help string, labels ...string) *Gauge {
	return r.series(name, help, kindGauge, nil, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. buckets only apply
// when the family is first created; nil selects DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.series(name, help, kindHistogram, buckets, labels, nil).(*Histogram)
}

func (r *Registry) series(name, help string, k kind, buckets []float64, labels []string, mk func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, buckets: buckets, series: make(map[string]any)}
		r.families[name] = f
		r.order = append(r.order, name)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}

	key := formatLabels(labels)
	if m, ok := f.series[key]; ok {
		return m
	}
	var m any
	if k == kindHistogram {
		m = newHistogram(f.buckets)
	} else {
		m = mk()
	}
	f.series[key] = m
	return m
}

// WriteTo writes every family in the text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder

	r.mu.Lock()
	for _, name := range r.order {
		f := r.families[name]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.kind)

		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeSeries(&b, f, k, f.series[k])
		}
	}
	r.mu.Unlock()

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var b strings.Builder
	_, _ = r.WriteTo(&b)
	return b.String()
}

// Handler serves the registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		_, _ = r.WriteTo(w)
	})
}

func writeSeries(b *strings.Builder, f *family, labels string, m any) {
	switch v := m.(type) {
	case *Counter:
		fmt.Fprintf(b, "%s%s %d\n", f.name, wrap(labels), v.Value())
	case *Gauge:
		fmt.Fprintf(b, "%s%s %d\n", f.name, wrap(labels), v.Value())
	case *Histogram:
		counts, sum, n := v.cumulative()
		for i, bound := range v.bounds {
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, wrap(join(labels, fmt.Sprintf(`le="%g"`, bound))), counts[i])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, wrap(join(labels, `le="+Inf"`)), n)
		fmt.Fprintf(b, "%s_sum%s %g\n", f.name, wrap(labels), sum)
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, wrap(labels), n)
	}
}

// formatLabels renders key/value pairs as k1="v1",k2="v2" sorted by key.
// A trailing key without a value is dropped.
func formatLabels(kv []string) string {
	if len(kv) < 2 {
		return ""
	}
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", kv[i], kv[i+1]))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func join(labels, extra string) string {
	if labels == "" {
		return extra
	}
	return labels + "," + extra
}

func wrap(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}
