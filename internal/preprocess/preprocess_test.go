package preprocess

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// testPage draws a dark text-like block on a white page.
func testPage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 250, G: 250, B: 245, A: 255})
		}
	}
	// Content block roughly centered, occupying the middle half, with a
	// striped texture so rows and columns both carry gradient energy.
	for y := h / 4; y < 3*h/4; y++ {
		for x := w / 4; x < 3*w/4; x++ {
			if (x/3+y/3)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 20, G: 20, B: 25, A: 255})
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// jpegWithOrientation encodes img as JPEG and splices in an APP1 EXIF segment
// carrying the given orientation value.
func jpegWithOrientation(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	raw := buf.Bytes()

	tiff := make([]byte, 0, 26)
	tiff = append(tiff, 'M', 'M', 0x00, 0x2A) // big endian
	tiff = append(tiff, 0, 0, 0, 8)           // IFD0 offset
	tiff = append(tiff, 0, 1)                 // one entry
	entry := make([]byte, 12)
	binary.BigEndian.PutUint16(entry[0:2], orientationTag)
	binary.BigEndian.PutUint16(entry[2:4], 3) // SHORT
	binary.BigEndian.PutUint32(entry[4:8], 1)
	binary.BigEndian.PutUint16(entry[8:10], orientation)
	tiff = append(tiff, entry...)
	tiff = append(tiff, 0, 0, 0, 0) // no next IFD

	payload := append([]byte("Exif\x00\x00"), tiff...)
	seg := make([]byte, 0, len(payload)+4)
	seg = append(seg, 0xFF, 0xE1)
	seg = append(seg, byte((len(payload)+2)>>8), byte((len(payload)+2)&0xFF))
	seg = append(seg, payload...)

	out := make([]byte, 0, len(raw)+len(seg))
	out = append(out, raw[:2]...) // SOI
	out = append(out, seg...)
	out = append(out, raw[2:]...)
	return out
}

func TestProcessProducesValidImage(t *testing.T) {
	data := encodePNG(t, testPage(2048, 2880))

	res, err := Process(data, Options{LanguageHint: "en"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(res.Image) == 0 {
		t.Fatal("empty output buffer")
	}

	out, _, err := image.Decode(bytes.NewReader(res.Image))
	if err != nil {
		t.Fatalf("output not decodable: %v", err)
	}
	if out.Bounds().Dx() != DefaultTargetWidth || out.Bounds().Dy() != DefaultTargetHeight {
		t.Errorf("output dims = %dx%d, want %dx%d",
			out.Bounds().Dx(), out.Bounds().Dy(), DefaultTargetWidth, DefaultTargetHeight)
	}
	if res.Metadata.OriginalWidth != 2048 || res.Metadata.OriginalHeight != 2880 {
		t.Errorf("original dims = %dx%d", res.Metadata.OriginalWidth, res.Metadata.OriginalHeight)
	}
	if !res.Metadata.Resized || !res.Metadata.Enhanced {
		t.Errorf("metadata = %+v, want resized and enhanced", res.Metadata)
	}
}

func TestProcessRejectsGarbage(t *testing.T) {
	if _, err := Process([]byte("not an image"), Options{}); err == nil {
		t.Fatal("Process accepted garbage input")
	}
}

func TestRotationFromOrientation(t *testing.T) {
	// Landscape source; orientation 6 means "rotate 90 CW to view upright".
	src := testPage(400, 300)
	data := jpegWithOrientation(t, src, 6)

	res, err := Process(data, Options{SkipEnhance: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Metadata.RotationApplied != 90 {
		t.Errorf("RotationApplied = %d, want 90", res.Metadata.RotationApplied)
	}
}

func TestRotationIdempotent(t *testing.T) {
	data := jpegWithOrientation(t, testPage(400, 300), 6)

	first, err := Process(data, Options{SkipEnhance: true})
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}

	// The pipeline's PNG output has no orientation metadata, so a second
	// pass applies no rotation and the dimensions are unchanged.
	second, err := Process(first.Image, Options{SkipEnhance: true})
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Metadata.RotationApplied != 0 {
		t.Errorf("second pass RotationApplied = %d, want 0", second.Metadata.RotationApplied)
	}
	if second.Metadata.ProcessedWidth != first.Metadata.ProcessedWidth ||
		second.Metadata.ProcessedHeight != first.Metadata.ProcessedHeight {
		t.Errorf("second pass dims %dx%d, first %dx%d",
			second.Metadata.ProcessedWidth, second.Metadata.ProcessedHeight,
			first.Metadata.ProcessedWidth, first.Metadata.ProcessedHeight)
	}
}

func TestDetectBoundaryFindsContent(t *testing.T) {
	img := testPage(800, 1000)

	b, detected := DetectBoundary(img)
	if !detected {
		t.Fatalf("detection inconclusive, boundary %+v", b)
	}
	// Content lives in the middle half; allow slack for the energy band edges.
	if b.X > 800/4+10 || b.Y > 1000/4+10 {
		t.Errorf("boundary origin (%d,%d) outside expected area", b.X, b.Y)
	}
	if b.Width > 800*3/4 || b.Height > 1000*3/4 {
		t.Errorf("boundary %dx%d larger than content block", b.Width, b.Height)
	}
}

func TestDetectBoundaryFallbackOnFlatImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for i := range img.Pix {
		img.Pix[i] = 200
	}

	b, detected := DetectBoundary(img)
	if detected {
		t.Error("flat image reported as detected")
	}
	want := fallbackBoundary(200, 200)
	if b != want {
		t.Errorf("boundary = %+v, want fallback %+v", b, want)
	}
}

func TestNormalizeNeverUpsamples(t *testing.T) {
	small := testPage(100, 140)
	data := encodePNG(t, small)

	res, err := Process(data, Options{SkipEnhance: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(res.Image))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	// Letterboxed onto the target canvas, but content is not scaled up:
	// sample the canvas border, which must be the white letterbox fill.
	if out.Bounds().Dx() != DefaultTargetWidth {
		t.Fatalf("canvas width = %d", out.Bounds().Dx())
	}
	r, g, bl, _ := out.At(2, 2).RGBA()
	if r>>8 != 255 || g>>8 != 255 || bl>>8 != 255 {
		t.Errorf("border pixel = (%d,%d,%d), want white letterbox", r>>8, g>>8, bl>>8)
	}
}

func TestEnhanceProfileSelection(t *testing.T) {
	cases := []struct {
		lang string
		want string
	}{
		{"en", "standard"},
		{"ru", "standard"},
		{"el", "high"},
		{"grc", "high"},
		{"ka", "high"},
		{"", "standard"},
	}
	img := testPage(64, 64)
	for _, tc := range cases {
		_, profile := Enhance(img, tc.lang)
		if profile != tc.want {
			t.Errorf("Enhance(%q) profile = %q, want %q", tc.lang, profile, tc.want)
		}
	}
}

func TestStretchContrastSpreadsHistogram(t *testing.T) {
	grey := image.NewGray(image.Rect(0, 0, 100, 100))
	// Compressed dynamic range: values 100 and 150 only.
	for i := range grey.Pix {
		if i%2 == 0 {
			grey.Pix[i] = 100
		} else {
			grey.Pix[i] = 150
		}
	}
	stretchContrast(grey, standardProfile)

	lo, hi := grey.Pix[0], grey.Pix[1]
	if lo > 20 {
		t.Errorf("low value %d not stretched toward 0", lo)
	}
	if hi < 235 {
		t.Errorf("high value %d not stretched toward 255", hi)
	}
}

func TestExifOrientationParsing(t *testing.T) {
	img := testPage(60, 40)
	for _, tc := range []struct {
		orientation uint16
		wantAngle   int
	}{
		{1, 0}, {3, 180}, {6, 90}, {8, -90}, {2, 0},
	} {
		data := jpegWithOrientation(t, img, tc.orientation)
		if got := orientationAngle(data); got != tc.wantAngle {
			t.Errorf("orientation %d: angle = %d, want %d", tc.orientation, got, tc.wantAngle)
		}
	}

	plain := encodePNG(t, img)
	if got := orientationAngle(plain); got != 0 {
		t.Errorf("PNG input: angle = %d, want 0", got)
	}
}
