// Package domain defines the core types shared by the retrieval pipeline:
// source records, indexed points, search matches and evaluation cases. It also
// owns the error taxonomy and acts as the validation gate at request entry.
package domain

// Record is one row read from the source record store.
type Record struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

// Content returns the text that gets embedded for the record.
func (r Record) Content() string {
	return trimSpace(r.Title + "\n" + r.Description)
}

// Payload snapshots the record's display fields for storage next to its vector.
// Empty optional fields are stored as null.
func (r Record) Payload() map[string]any {
	return map[string]any{
		PayloadRecordID:    r.ID,
		PayloadTitle:       r.Title,
		PayloadDescription: nullable(r.Description),
		PayloadStatus:      r.Status,
		PayloadPriority:    r.Priority,
		PayloadAssignedTo:  nullable(r.AssignedTo),
	}
}

// Payload keys.
const (
	PayloadRecordID    = "record_id"
	PayloadTitle       = "title"
	PayloadDescription = "description"
	PayloadStatus      = "status"
	PayloadPriority    = "priority"
	PayloadAssignedTo  = "assigned_to"
)

// Point is one item in the vector index. Points are overwritten on reindex,
// never partially updated.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is a single search hit, ordered by descending Score.
type Match struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Title returns the payload title, or "" when absent.
func (m Match) Title() string {
	return m.payloadString(PayloadTitle)
}

// Description returns the payload description, or "" when absent.
func (m Match) Description() string {
	return m.payloadString(PayloadDescription)
}

func (m Match) payloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// EvalCase is one retrieval quality check.
type EvalCase struct {
	Question       string   `json:"question"`
	ExpectedTitles []string `json:"expectedTitles,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// EvalResult is the outcome of one EvalCase.
type EvalResult struct {
	Question       string   `json:"question"`
	ExpectedTitles []string `json:"expectedTitles"`
	TopTitles      []string `json:"topTitles"`
	Hit            bool     `json:"hit"`
}

// EvalReport aggregates a batch of EvalResults.
type EvalReport struct {
	Total    int          `json:"total"`
	Passed   int          `json:"passed"`
	PassRate float64      `json:"passRate"`
	Results  []EvalResult `json:"results"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
