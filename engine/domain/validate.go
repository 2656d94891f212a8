package domain

import (
	"strings"
	"unicode/utf8"
)

// Limits applied to search and ask requests.
const (
	DefaultLimit = 5
	MaxLimit     = 100
)

// ValidateQuery checks free-text search input.
func ValidateQuery(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("query", "query is required", ErrInvalidQuery)
	}
	return nil
}

// ValidateQuestion checks the question passed to ask.
func ValidateQuestion(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("question", "question is required", ErrInvalidQuestion)
	}
	return nil
}

// ValidateEvalCases rejects the whole batch if any case lacks a question.
// No case runs when validation fails.
func ValidateEvalCases(cases []EvalCase) error {
	for _, c := range cases {
		if strings.TrimSpace(c.Question) == "" {
			return NewValidationError("cases", "each eval case requires a question string", ErrInvalidEvalCase)
		}
	}
	return nil
}

// NormalizeLimit returns DefaultLimit for non-positive values and caps at MaxLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// EstimateTokens approximates a token count as one token per four characters,
// never less than one.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	est := int64((n + 3) / 4)
	if est < 1 {
		return 1
	}
	return est
}

func trimSpace(s string) string { return strings.TrimSpace(s) }
