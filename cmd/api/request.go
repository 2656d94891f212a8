package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/taskrecall/recall/engine/domain"
)

// errBadJSON marks a request body that is not valid JSON.
var errBadJSON = errors.New("invalid JSON body")

// flexInt accepts a JSON number or a numeric string. Anything else,
// including null and unparsable strings, decodes to 0.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*f = flexInt(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			*f = flexInt(n)
		}
	}
	return nil
}

type reindexRequest struct {
	Limit flexInt `json:"limit"`
}

// Query and Question are untyped so a non-string value reaches validation
// as an empty string instead of failing the decode.
type searchRequest struct {
	Query any     `json:"query"`
	Limit flexInt `json:"limit"`
}

type askRequest struct {
	Question any     `json:"question"`
	Limit    flexInt `json:"limit"`
}

type evalRequest struct {
	Cases json.RawMessage `json:"cases"`
	Limit flexInt         `json:"limit"`
}

type rawEvalCase struct {
	Question       any     `json:"question"`
	ExpectedTitles any     `json:"expectedTitles"`
	Limit          flexInt `json:"limit"`
}

// evalCases converts the loosely typed cases field. A missing or non-array
// value yields no cases, which makes the harness derive its own. Entries
// that are not objects become cases without a question so validation
// rejects the batch.
func (r evalRequest) evalCases() []domain.EvalCase {
	var raw []json.RawMessage
	if err := json.Unmarshal(r.Cases, &raw); err != nil {
		return nil
	}
	cases := make([]domain.EvalCase, 0, len(raw))
	for _, item := range raw {
		var rc rawEvalCase
		if err := json.Unmarshal(item, &rc); err != nil {
			cases = append(cases, domain.EvalCase{})
			continue
		}
		q, _ := rc.Question.(string)
		cases = append(cases, domain.EvalCase{
			Question:       q,
			ExpectedTitles: stringList(rc.ExpectedTitles),
			Limit:          int(rc.Limit),
		})
	}
	return cases
}

// stringList keeps the string entries of v when v is an array.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// decodeJSON reads the request body into v. An empty body leaves v at its
// zero value.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}
