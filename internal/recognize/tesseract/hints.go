// Package tesseract provides a locally hosted recognition engine backed by
// the Tesseract C library. The cgo binding is compiled only under the "ocr"
// build tag; the default build substitutes an engine that reports itself
// unavailable, so the binary stays pure Go when only the remote provider is
// used.
package tesseract

// trainedData maps provider hint codes to Tesseract trained-data names.
var trainedData = map[string]string{
	"en":      "eng",
	"el":      "ell",
	"grc":     "grc",
	"ru":      "rus",
	"sr":      "srp",
	"sr-Latn": "srp_latn",
	"bg":      "bul",
	"ro":      "ron",
	"uk":      "ukr",
	"mk":      "mkd",
	"be":      "bel",
	"ka":      "kat",
}

func trainedLanguages(hints []string) []string {
	var langs []string
	seen := map[string]bool{}
	for _, h := range hints {
		name, ok := trainedData[h]
		if !ok {
			name = "eng"
		}
		if !seen[name] {
			seen[name] = true
			langs = append(langs, name)
		}
	}
	return langs
}

func firstHint(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	return hints[0]
}
