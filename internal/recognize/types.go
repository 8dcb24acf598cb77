// Package recognize wraps external text recognition providers behind a
// normalized result type so the rest of the pipeline never sees a
// provider-specific response shape.
package recognize

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the recognition provider could not be reached.
// It is transient: a later retry of the same image may succeed.
var ErrUnavailable = errors.New("recognition service unavailable")

// ErrNoTextDetected indicates the provider processed the image but found no
// text. It is terminal, not transient: retrying the same image will not help.
var ErrNoTextDetected = errors.New("no text detected")

// Region is a rectangular area in pixel coordinates, origin upper-left.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Token is one recognized text element. Providers that report a whole-document
// summary entry mark it with WholeDocument so aggregation can skip it.
type Token struct {
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence,omitempty"`
	Bounds        Region  `json:"bounds"`
	WholeDocument bool    `json:"whole_document,omitempty"`
}

// Result is the normalized output of a recognition call.
type Result struct {
	// Text is the full linearized text of the document.
	Text string `json:"text"`
	// Language is the dominant source language the provider detected,
	// empty if unknown.
	Language string `json:"language,omitempty"`
	// Tokens lists individual recognized elements in provider order.
	Tokens []Token `json:"tokens"`
	// Provider names the engine that produced this result.
	Provider string `json:"provider"`
}

// Engine is the provider contract: one image in, one normalized result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte, languageHints []string) (Result, error)
}

// hintSets maps a declared document language to the hint list sent to the
// provider. Historic orthographies map onto the closest modern trained data.
var hintSets = map[string][]string{
	"en":          {"en"},
	"el":          {"el"},
	"grc":         {"grc"},
	"ru":          {"ru"},
	"ru-PETR1708": {"ru"},
	"sr":          {"sr"},
	"sr-Latn":     {"sr-Latn"},
	"bg":          {"bg"},
	"ro":          {"ro"},
	"uk":          {"uk"},
	"mk":          {"mk"},
	"be":          {"be"},
	"ka":          {"ka"},
}

// Hints returns the provider hint list for a declared language. English is
// always present as a fallback so mixed-language registers still resolve.
func Hints(language string) []string {
	hints, ok := hintSets[language]
	if !ok {
		return []string{"en"}
	}
	for _, h := range hints {
		if h == "en" {
			return hints
		}
	}
	out := make([]string, 0, len(hints)+1)
	out = append(out, hints...)
	return append(out, "en")
}
