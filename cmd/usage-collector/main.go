// Command usage-collector fetches the language-model usage snapshot from the
// API, computes the change since the previous run and appends it to a JSON
// history file. Run it on a schedule to chart request volume and spend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/usage"
)

// Delta is the change between two consecutive snapshots.
type Delta struct {
	Timestamp      time.Time        `json:"timestamp"`
	Requests       int64            `json:"requests"`
	Errors         int64            `json:"errors"`
	TokensIn       int64            `json:"tokens_in"`
	TokensOut      int64            `json:"tokens_out"`
	CostUSD        float64          `json:"cost_usd"`
	EmbedCostUSD   float64          `json:"embed_cost_usd"`
	ModelRequests  map[string]int64 `json:"model_requests"`
	CounterRestart bool             `json:"counter_restart,omitempty"`
}

const maxHistory = 288

type files struct {
	latest, history, prev string
}

func newFiles(dir string) files {
	return files{
		latest:  filepath.Join(dir, "usage-latest.json"),
		history: filepath.Join(dir, "usage-history.json"),
		prev:    filepath.Join(dir, ".usage-prev.json"),
	}
}

func main() {
	apiURL := flag.String("api", "http://localhost:8090", "API base URL")
	apiKey := flag.String("api-key", os.Getenv("API_AUTH_KEY"), "API key for /api/llm")
	outDir := flag.String("dir", "usage", "output directory")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	body, cur, err := fetch(ctx, http.DefaultClient, *apiURL, *apiKey)
	if err != nil {
		log.Error("fetch usage", "error", err)
		os.Exit(1)
	}
	delta, err := collect(*outDir, body, cur, time.Now().UTC())
	if err != nil {
		log.Error("write usage", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Usage collected (requests: %d, cost: $%.6f)\n", cur.RequestsTotal, cur.CostUSDTotal+cur.EmbedCostUSDTotal)
	fmt.Printf("Delta: +%d requests, +%d errors, +$%.6f\n", delta.Requests, delta.Errors, delta.CostUSD+delta.EmbedCostUSD)
}

// fetch returns the raw usage snapshot and its decoded form.
func fetch(ctx context.Context, client *http.Client, apiURL, apiKey string) ([]byte, usage.Snapshot, error) {
	var snap usage.Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/llm/usage", nil)
	if err != nil {
		return nil, snap, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, snap, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, snap, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, snap, domain.NewUpstreamError("api", resp.StatusCode, string(body), nil)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, snap, fmt.Errorf("parse snapshot: %w", err)
	}
	return body, snap, nil
}

// collect writes the latest snapshot, appends the delta to the history
// (keeping the newest maxHistory entries) and stores the snapshot for the
// next run.
func collect(dir string, body []byte, cur usage.Snapshot, now time.Time) (Delta, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Delta{}, err
	}
	f := newFiles(dir)

	var prev usage.Snapshot
	if data, err := os.ReadFile(f.prev); err == nil {
		if err := json.Unmarshal(data, &prev); err != nil {
			slog.Warn("ignoring unreadable previous snapshot", "path", f.prev, "error", err)
			prev = usage.Snapshot{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Delta{}, err
	}

	delta := computeDelta(prev, cur, now)

	if err := os.WriteFile(f.latest, body, 0o644); err != nil {
		return Delta{}, fmt.Errorf("write latest: %w", err)
	}

	var history []Delta
	if data, err := os.ReadFile(f.history); err == nil {
		if err := json.Unmarshal(data, &history); err != nil {
			slog.Warn("starting a new history, existing file is unreadable", "path", f.history, "error", err)
			history = nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Delta{}, err
	}
	history = append(history, delta)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	histData, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return Delta{}, err
	}
	if err := os.WriteFile(f.history, histData, 0o644); err != nil {
		return Delta{}, fmt.Errorf("write history: %w", err)
	}
	if err := os.WriteFile(f.prev, body, 0o644); err != nil {
		return Delta{}, fmt.Errorf("write prev: %w", err)
	}
	return delta, nil
}

// computeDelta subtracts prev from cur. Counters only grow within one server
// process, so a drop means the server restarted and cur is the whole delta.
func computeDelta(prev, cur usage.Snapshot, now time.Time) Delta {
	if cur.RequestsTotal < prev.RequestsTotal {
		d := computeDelta(usage.Snapshot{}, cur, now)
		d.CounterRestart = true
		return d
	}
	d := Delta{
		Timestamp:     now,
		Requests:      cur.RequestsTotal - prev.RequestsTotal,
		Errors:        cur.RequestErrorsTotal - prev.RequestErrorsTotal,
		TokensIn:      cur.TokensInTotal - prev.TokensInTotal,
		TokensOut:     cur.TokensOutTotal - prev.TokensOutTotal,
		CostUSD:       usage.Round(cur.CostUSDTotal-prev.CostUSDTotal, 6),
		EmbedCostUSD:  usage.Round(cur.EmbedCostUSDTotal-prev.EmbedCostUSDTotal, 6),
		ModelRequests: make(map[string]int64),
	}
	for model, n := range cur.Models {
		if diff := n - prev.Models[model]; diff != 0 {
			d.ModelRequests[model] = diff
		}
	}
	return d
}
