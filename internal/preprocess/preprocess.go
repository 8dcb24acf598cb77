// Package preprocess turns a raw uploaded photograph into an OCR-ready image:
// orientation fix, document boundary crop, resolution normalization, and an
// optional photometric enhancement pass. Every stage degrades to a pass-through
// on failure; the pipeline itself only errors when the input cannot be decoded
// at all.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Target canvas optimized for the downstream recognizer, portrait register
// pages being the common case.
const (
	DefaultTargetWidth  = 1024
	DefaultTargetHeight = 1440
)

// Options controls the pipeline. The zero value enables every stage with the
// default canvas.
type Options struct {
	// LanguageHint selects the contrast profile (see enhance.go).
	LanguageHint string
	// SkipEnhance disables the photometric enhancement stage only; geometric
	// corrections always run.
	SkipEnhance  bool
	TargetWidth  int
	TargetHeight int
}

// Boundary is the detected document rectangle in source pixel coordinates.
type Boundary struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Metadata records every transformation actually applied, so callers can
// report exactly what happened even when individual stages fell back.
type Metadata struct {
	OriginalWidth    int      `json:"original_width"`
	OriginalHeight   int      `json:"original_height"`
	ProcessedWidth   int      `json:"processed_width"`
	ProcessedHeight  int      `json:"processed_height"`
	Boundary         Boundary `json:"boundary"`
	BoundaryDetected bool     `json:"boundary_detected"`
	RotationApplied  int      `json:"rotation_applied"` // degrees: 0, 90, 180, or -90
	Cropped          bool     `json:"cropped"`
	Resized          bool     `json:"resized"`
	Enhanced         bool     `json:"enhanced"`
	ContrastProfile  string   `json:"contrast_profile,omitempty"`
}

// Result carries the corrected image (PNG-encoded, never empty on success)
// plus its transformation record.
type Result struct {
	Image    []byte
	Metadata Metadata
}

// Process runs the full pipeline over raw image bytes.
func Process(data []byte, opts Options) (Result, error) {
	if opts.TargetWidth <= 0 {
		opts.TargetWidth = DefaultTargetWidth
	}
	if opts.TargetHeight <= 0 {
		opts.TargetHeight = DefaultTargetHeight
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decoding image: %w", err)
	}

	img := toNRGBA(src)
	var meta Metadata
	meta.OriginalWidth = img.Bounds().Dx()
	meta.OriginalHeight = img.Bounds().Dy()

	// Orientation metadata only survives in the original JPEG bytes; the
	// pipeline's own PNG output carries none, so re-running is a no-op.
	if angle := orientationAngle(data); angle != 0 {
		img = rotate(img, angle)
		meta.RotationApplied = angle
	}

	boundary, detected := DetectBoundary(img)
	meta.Boundary = boundary
	meta.BoundaryDetected = detected

	if cropped, ok := crop(img, boundary); ok {
		img = cropped
		meta.Cropped = true
	}

	if normalized, resized := normalize(img, opts.TargetWidth, opts.TargetHeight); resized {
		img = normalized
		meta.Resized = true
	}

	out := image.Image(img)
	if !opts.SkipEnhance {
		enhanced, profile := Enhance(img, opts.LanguageHint)
		out = enhanced
		meta.Enhanced = true
		meta.ContrastProfile = profile
	}

	meta.ProcessedWidth = out.Bounds().Dx()
	meta.ProcessedHeight = out.Bounds().Dy()

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return Result{}, fmt.Errorf("encoding processed image: %w", err)
	}
	return Result{Image: buf.Bytes(), Metadata: meta}, nil
}

func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, bounds.Min, xdraw.Src)
	return dst
}

// rotate turns the image by angle degrees clockwise; angle is 90, 180, or -90.
func rotate(src *image.NRGBA, angle int) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.NRGBA
	switch angle {
	case 180:
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	case 90, -90:
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	default:
		return src
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(x, y)
			switch angle {
			case 90:
				dst.SetNRGBA(h-1-y, x, c)
			case -90:
				dst.SetNRGBA(y, w-1-x, c)
			case 180:
				dst.SetNRGBA(w-1-x, h-1-y, c)
			}
		}
	}
	return dst
}

// cropMarginFrac pads the detected boundary so edge strokes survive the cut.
const cropMarginFrac = 0.02

// crop extracts the boundary rectangle with a safety margin. A degenerate
// rectangle leaves the image untouched rather than aborting the pipeline.
func crop(img *image.NRGBA, b Boundary) (*image.NRGBA, bool) {
	bounds := img.Bounds()
	marginX := int(float64(bounds.Dx()) * cropMarginFrac)
	marginY := int(float64(bounds.Dy()) * cropMarginFrac)

	rect := image.Rect(b.X-marginX, b.Y-marginY, b.X+b.Width+marginX, b.Y+b.Height+marginY).
		Intersect(bounds)
	if rect.Empty() || rect == bounds {
		return img, false
	}

	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, rect.Min, xdraw.Src)
	return dst, true
}

// normalize letterboxes the image onto a targetW x targetH white canvas,
// preserving aspect ratio and never upsampling.
func normalize(img *image.NRGBA, targetW, targetH int) (*image.NRGBA, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == targetW && h == targetH {
		return img, false
	}

	scale := 1.0
	if w > targetW || h > targetH {
		sx := float64(targetW) / float64(w)
		sy := float64(targetH) / float64(h)
		scale = sx
		if sy < sx {
			scale = sy
		}
	}
	scaledW := int(float64(w) * scale)
	scaledH := int(float64(h) * scale)
	if scaledW < 1 {
		scaledW = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, targetW, targetH))
	xdraw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, xdraw.Src)

	offset := image.Pt((targetW-scaledW)/2, (targetH-scaledH)/2)
	dstRect := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(scaledW, scaledH))}
	xdraw.CatmullRom.Scale(canvas, dstRect, img, b, xdraw.Src, nil)
	return canvas, true
}
