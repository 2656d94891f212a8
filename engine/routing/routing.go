// Package routing picks the generation model for a prompt.
package routing

import "unicode/utf8"

// Routing modes.
const (
	ModeOff    = "off"
	ModeLength = "length"
)

// DefaultThresholdChars is the prompt length above which the accurate model wins.
const DefaultThresholdChars = 200

// Policy is a pure decision table over the configured models.
type Policy struct {
	Mode           string
	DefaultModel   string
	FastModel      string
	AccurateModel  string
	ThresholdChars int
}

// Resolve returns the model to use for prompt. In length mode, with both a
// fast and an accurate model configured, prompts longer than ThresholdChars
// go to the accurate model and the rest to the fast one. Every other
// configuration returns DefaultModel.
func (p Policy) Resolve(prompt string) string {
	if p.Mode == ModeLength && p.FastModel != "" && p.AccurateModel != "" {
		if utf8.RuneCountInString(prompt) > p.ThresholdChars {
			return p.AccurateModel
		}
		return p.FastModel
	}
	return p.DefaultModel
}

// EffectiveMode reports the mode Resolve actually applies.
func (p Policy) EffectiveMode() string {
	if p.Mode == ModeLength {
		return ModeLength
	}
	return ModeOff
}
