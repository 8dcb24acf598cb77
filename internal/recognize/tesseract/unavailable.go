//go:build !ocr

package tesseract

import (
	"context"
	"fmt"

	"github.com/parishworks/vestry/internal/recognize"
)

// Engine is the stand-in compiled when the "ocr" build tag is absent. Every
// recognition attempt reports the engine as unavailable.
type Engine struct{}

// New constructs the stand-in engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "tesseract" }

func (e *Engine) Recognize(ctx context.Context, image []byte, languageHints []string) (recognize.Result, error) {
	return recognize.Result{}, fmt.Errorf("%w: binary built without local OCR support (build tag ocr)", recognize.ErrUnavailable)
}
