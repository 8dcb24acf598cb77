package recognize

import (
	"math"
	"testing"
)

func TestAggregateSkipsWholeDocumentToken(t *testing.T) {
	tokens := []Token{
		{Text: "full document text", Confidence: 0.9, WholeDocument: true},
		{Text: "full", Confidence: 0.8},
		{Text: "document", Confidence: 0.7},
	}
	got := Aggregate(tokens)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("Aggregate = %v, want 0.75", got)
	}
}

func TestAggregateEmptyReturnsNeutral(t *testing.T) {
	if got := Aggregate(nil); got != NeutralConfidence {
		t.Errorf("Aggregate(nil) = %v, want %v", got, NeutralConfidence)
	}
	if got := Aggregate([]Token{}); got != NeutralConfidence {
		t.Errorf("Aggregate(empty) = %v, want %v", got, NeutralConfidence)
	}
}

func TestAggregateNoConfidencesReturnsNeutral(t *testing.T) {
	tokens := []Token{
		{Text: "whole", WholeDocument: true},
		{Text: "a"},
		{Text: "b"},
	}
	if got := Aggregate(tokens); got != NeutralConfidence {
		t.Errorf("Aggregate = %v, want %v", got, NeutralConfidence)
	}
}

func TestAggregateOnlyWholeDocumentToken(t *testing.T) {
	tokens := []Token{{Text: "everything", Confidence: 0.9, WholeDocument: true}}
	if got := Aggregate(tokens); got != NeutralConfidence {
		t.Errorf("Aggregate = %v, want %v", got, NeutralConfidence)
	}
}

func TestAggregateClampsToUnitInterval(t *testing.T) {
	tokens := []Token{{Text: "x", Confidence: 1.7}}
	if got := Aggregate(tokens); got != 1.0 {
		t.Errorf("Aggregate = %v, want 1.0", got)
	}
}

func TestDetectErrorRegions(t *testing.T) {
	tokens := []Token{
		{Text: "whole document", WholeDocument: true},
		{Text: "Иван", Confidence: 0.9},
		{Text: "Ив", Confidence: 0.4, Bounds: Region{X: 10, Y: 20, Width: 30, Height: 12}},
		{Text: "x", Confidence: 0.2},
		{Text: "baptized", Confidence: 0.95},
	}
	regions := DetectErrorRegions(tokens)
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if regions[0].Index != 2 || regions[0].Text != "Ив" {
		t.Errorf("first region = %+v", regions[0])
	}
	if regions[0].Bounds.Width != 30 {
		t.Errorf("bounds not carried through: %+v", regions[0].Bounds)
	}
	if regions[1].Index != 3 {
		t.Errorf("second region index = %d, want 3", regions[1].Index)
	}
}

func TestDetectErrorRegionsNilWhenClean(t *testing.T) {
	tokens := []Token{
		{Text: "whole document", WholeDocument: true},
		{Text: "clean", Confidence: 0.9},
	}
	if regions := DetectErrorRegions(tokens); regions != nil {
		t.Errorf("got %+v, want nil", regions)
	}
}

func TestHints(t *testing.T) {
	cases := []struct {
		language string
		want     []string
	}{
		{"en", []string{"en"}},
		{"el", []string{"el", "en"}},
		{"ru-PETR1708", []string{"ru", "en"}},
		{"sr-Latn", []string{"sr-Latn", "en"}},
		{"xx", []string{"en"}},
		{"", []string{"en"}},
	}
	for _, tc := range cases {
		got := Hints(tc.language)
		if len(got) != len(tc.want) {
			t.Errorf("Hints(%q) = %v, want %v", tc.language, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("Hints(%q) = %v, want %v", tc.language, got, tc.want)
				break
			}
		}
	}
}
