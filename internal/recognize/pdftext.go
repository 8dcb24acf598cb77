package recognize

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDFText pulls the embedded text layer out of a PDF without any
// recognition call. Scanned PDFs with no text layer report ErrNoTextDetected
// so callers can fall through to page rasterization or reject the file.
func ExtractPDFText(data []byte) (res Result, err error) {
	// The parser panics on some malformed files; degrade to an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("opening pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return Result{}, fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return Result{}, fmt.Errorf("reading pdf text: %w", err)
	}

	text := strings.TrimSpace(buf.String())
	if text == "" {
		return Result{}, ErrNoTextDetected
	}

	// Embedded text is exact, so every token carries full confidence.
	fields := strings.Fields(text)
	tokens := make([]Token, 0, len(fields)+1)
	tokens = append(tokens, Token{Text: text, Confidence: 1.0, WholeDocument: true})
	for _, f := range fields {
		tokens = append(tokens, Token{Text: f, Confidence: 1.0})
	}

	return Result{
		Provider: "pdf-text",
		Text:     text,
		Tokens:   tokens,
	}, nil
}
