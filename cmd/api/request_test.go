package main

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/taskrecall/recall/engine/domain"
)

func TestFlexInt(t *testing.T) {
	tests := []struct {
		in   string
		want flexInt
	}{
		{`12`, 12},
		{`12.9`, 12},
		{`"7"`, 7},
		{`" 7 "`, 7},
		{`"seven"`, 0},
		{`""`, 0},
		{`null`, 0},
		{`true`, 0},
		{`{"n":1}`, 0},
	}
	for _, tt := range tests {
		var got struct {
			Limit flexInt `json:"limit"`
		}
		if err := json.Unmarshal([]byte(`{"limit":`+tt.in+`}`), &got); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if got.Limit != tt.want {
			t.Errorf("%s: got %d, want %d", tt.in, got.Limit, tt.want)
		}
	}
}

func TestEvalCases(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []domain.EvalCase
	}{
		{"missing", `{}`, nil},
		{"not an array", `{"cases":{"question":"x"}}`, nil},
		{"empty", `{"cases":[]}`, []domain.EvalCase{}},
		{
			"full",
			`{"cases":[{"question":"q","expectedTitles":["a",3,"b"],"limit":"4"}]}`,
			[]domain.EvalCase{{Question: "q", ExpectedTitles: []string{"a", "b"}, Limit: 4}},
		},
		{
			"loose shapes",
			`{"cases":[null,"q",{"question":5,"expectedTitles":"a"}]}`,
			[]domain.EvalCase{{}, {}, {ExpectedTitles: nil}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req evalRequest
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatal(err)
			}
			got := req.evalCases()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var req searchRequest
	r := httptest.NewRequest("POST", "/", strings.NewReader("  \n"))
	if err := decodeJSON(r, &req); err != nil || req.Query != nil {
		t.Fatalf("blank body: err = %v req = %+v", err, req)
	}

	r = httptest.NewRequest("POST", "/", strings.NewReader(`[1,2`))
	if err := decodeJSON(r, &req); !errors.Is(err, errBadJSON) {
		t.Fatalf("expected errBadJSON, got %v", err)
	}
}
