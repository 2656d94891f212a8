package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/taskrecall/recall/engine/domain"
)

// HTTPServiceName labels upstream errors from the records API.
const HTTPServiceName = "records-api"

const pageSize = 100

// HTTPSource pages through the record store's list endpoint,
// GET {base}/api/tasks?page=P&limit=L.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTPSource rooted at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type apiTask struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	AssignedTo  *string   `json:"assigned_to"`
	CreatedAt   time.Time `json:"created_at"`
}

type listResponse struct {
	Tasks      []apiTask `json:"tasks"`
	Pagination struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
	} `json:"pagination"`
}

// Recent fetches every page, orders by creation time (newest first) and
// applies limit. The list endpoint sorts by priority, so the full set is
// needed before the most recent records are known.
func (s *HTTPSource) Recent(ctx context.Context, limit int) ([]domain.Record, error) {
	var tasks []apiTask
	for page := 1; ; page++ {
		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, resp.Tasks...)
		if len(resp.Tasks) == 0 || page >= resp.Pagination.Pages {
			break
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	out := make([]domain.Record, len(tasks))
	for i, t := range tasks {
		out[i] = domain.Record{
			ID:          t.ID,
			Title:       t.Title,
			Description: deref(t.Description),
			Status:      t.Status,
			Priority:    t.Priority,
			AssignedTo:  deref(t.AssignedTo),
		}
	}
	return out, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, page int) (*listResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tasks?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("records: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewUpstreamError(HTTPServiceName, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.NewUpstreamError(HTTPServiceName, resp.StatusCode, string(body), nil)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("records: decode page %d: %w", page, err)
	}
	return &out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
