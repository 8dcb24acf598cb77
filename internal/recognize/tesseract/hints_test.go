package tesseract

import (
	"reflect"
	"testing"
)

func TestTrainedLanguages(t *testing.T) {
	cases := []struct {
		name  string
		hints []string
		want  []string
	}{
		{"greek with fallback", []string{"el", "en"}, []string{"ell", "eng"}},
		{"unknown maps to english", []string{"xx"}, []string{"eng"}},
		{"duplicates collapsed", []string{"xx", "en"}, []string{"eng"}},
		{"serbian latin", []string{"sr-Latn", "en"}, []string{"srp_latn", "eng"}},
		{"empty", nil, nil},
	}
	for _, tc := range cases {
		if got := trainedLanguages(tc.hints); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: trainedLanguages(%v) = %v, want %v", tc.name, tc.hints, got, tc.want)
		}
	}
}

func TestFirstHint(t *testing.T) {
	if got := firstHint([]string{"ru", "en"}); got != "ru" {
		t.Errorf("firstHint = %q", got)
	}
	if got := firstHint(nil); got != "" {
		t.Errorf("firstHint(nil) = %q", got)
	}
}
