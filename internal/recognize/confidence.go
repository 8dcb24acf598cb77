package recognize

import "unicode/utf8"

// NeutralConfidence is returned when no per-token confidences exist. A zero
// score is reserved for definitively low confidence, not for "unknown".
const NeutralConfidence = 0.5

// Aggregate reduces per-token confidences to a single score in [0,1]. A
// leading whole-document token is excluded so the summary entry does not
// double-count its constituent tokens. Tokens that carry no confidence
// (zero) are skipped.
func Aggregate(tokens []Token) float64 {
	considered := tokens
	if len(considered) > 0 && considered[0].WholeDocument {
		considered = considered[1:]
	}

	var sum float64
	var n int
	for _, t := range considered {
		if t.Confidence > 0 {
			sum += t.Confidence
			n++
		}
	}
	if n == 0 {
		return NeutralConfidence
	}

	score := sum / float64(n)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ErrorRegion flags a token whose recognition looks suspect, so a reviewer
// can check the corresponding area of the source image.
type ErrorRegion struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Text   string `json:"text"`
	Bounds Region `json:"bounds"`
}

const shortTokenRunes = 3

// DetectErrorRegions flags tokens shorter than three runes as likely
// misreads. The whole-document token is never flagged. Returns nil when
// nothing looks suspect.
func DetectErrorRegions(tokens []Token) []ErrorRegion {
	var regions []ErrorRegion
	for i, t := range tokens {
		if t.WholeDocument || t.Text == "" {
			continue
		}
		if utf8.RuneCountInString(t.Text) < shortTokenRunes {
			regions = append(regions, ErrorRegion{
				Index:  i,
				Reason: "short text detected",
				Text:   t.Text,
				Bounds: t.Bounds,
			})
		}
	}
	return regions
}
