//go:build ocr

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/parishworks/vestry/internal/recognize"
)

// Engine implements recognize.Engine on top of gosseract. A fresh client is
// created per call; the library is not safe for concurrent use of one client.
type Engine struct {
	clientFactory func() *gosseract.Client
}

// New constructs a Tesseract-backed engine.
func New() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize runs local OCR over the image. Hint codes are translated to
// Tesseract trained-data names; unknown codes fall back to English.
func (e *Engine) Recognize(ctx context.Context, image []byte, languageHints []string) (recognize.Result, error) {
	select {
	case <-ctx.Done():
		return recognize.Result{}, ctx.Err()
	default:
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(image); err != nil {
		return recognize.Result{}, fmt.Errorf("set image: %w", err)
	}
	if langs := trainedLanguages(languageHints); len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			return recognize.Result{}, fmt.Errorf("set languages: %w", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return recognize.Result{}, fmt.Errorf("%w: %v", recognize.ErrUnavailable, err)
	}
	plain := strings.TrimSpace(text)
	if plain == "" {
		return recognize.Result{}, recognize.ErrNoTextDetected
	}

	tokens := extractTokens(c, plain)
	return recognize.Result{
		Provider: "tesseract",
		Text:     plain,
		Language: firstHint(languageHints),
		Tokens:   tokens,
	}, nil
}

func extractTokens(c *gosseract.Client, plain string) []recognize.Token {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return []recognize.Token{{Text: plain, WholeDocument: true}}
	}
	tokens := make([]recognize.Token, 0, len(boxes)+1)
	tokens = append(tokens, recognize.Token{Text: plain, WholeDocument: true})
	for _, b := range boxes {
		tokens = append(tokens, recognize.Token{
			Text:       b.Word,
			Confidence: b.Confidence / 100.0,
			Bounds: recognize.Region{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
		})
	}
	return tokens
}
