package preprocess

import "image"

// Boundary detection tunables. The heuristic looks for the band of rows and
// columns whose horizontal/vertical gradient energy rises above the image-wide
// mean, which is where printed or handwritten content lives on a photographed
// page.
const (
	fallbackMarginFrac = 0.03
	energyThresholdK   = 0.5
	minBoundaryFrac    = 0.05 // below this fraction of a side, detection is noise
)

// DetectBoundary estimates the sub-rectangle occupied by the document. It
// never fails: when detection is inconclusive it returns the full frame minus
// a small margin and detected=false.
func DetectBoundary(img *image.NRGBA) (Boundary, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 8 || h < 8 {
		return fallbackBoundary(w, h), false
	}

	grey := greyPlane(img)

	rowEnergy := make([]float64, h)
	colEnergy := make([]float64, w)
	var total float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := int(grey[y*w+x+1]) - int(grey[y*w+x-1])
			gy := int(grey[(y+1)*w+x]) - int(grey[(y-1)*w+x])
			if gx < 0 {
				gx = -gx
			}
			if gy < 0 {
				gy = -gy
			}
			e := float64(gx + gy)
			rowEnergy[y] += e
			colEnergy[x] += e
			total += e
		}
	}
	if total == 0 {
		// Flat image, nothing to find.
		return fallbackBoundary(w, h), false
	}

	rowThreshold := energyThresholdK * total / float64(h)
	colThreshold := energyThresholdK * total / float64(w)

	top, bottom := activeBand(rowEnergy, rowThreshold)
	left, right := activeBand(colEnergy, colThreshold)
	if top < 0 || left < 0 {
		return fallbackBoundary(w, h), false
	}

	bw, bh := right-left+1, bottom-top+1
	if float64(bw) < minBoundaryFrac*float64(w) || float64(bh) < minBoundaryFrac*float64(h) {
		return fallbackBoundary(w, h), false
	}
	return Boundary{X: left, Y: top, Width: bw, Height: bh}, true
}

// activeBand returns the first and last index whose energy exceeds threshold,
// or (-1, -1) when none does.
func activeBand(energy []float64, threshold float64) (first, last int) {
	first, last = -1, -1
	for i, e := range energy {
		if e > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last
}

func fallbackBoundary(w, h int) Boundary {
	marginX := int(float64(w) * fallbackMarginFrac)
	marginY := int(float64(h) * fallbackMarginFrac)
	return Boundary{X: marginX, Y: marginY, Width: w - 2*marginX, Height: h - 2*marginY}
}

// greyPlane flattens the image into one luma byte per pixel using the BT.601
// integer approximation.
func greyPlane(img *image.NRGBA) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			r, g, bl := img.Pix[i], img.Pix[i+1], img.Pix[i+2]
			out[y*w+x] = uint8((299*int(r) + 587*int(g) + 114*int(bl)) / 1000)
		}
	}
	return out
}
