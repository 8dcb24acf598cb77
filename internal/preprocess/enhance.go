package preprocess

import (
	"image"
	"math"
)

// contrastProfile is the photometric recipe for the enhancement stage.
type contrastProfile struct {
	name string
	// clipFrac is the histogram fraction discarded at each end before the
	// linear stretch.
	clipFrac float64
	// gamma darkens midtones when < 1, lifting thin strokes and diacritics
	// out of the paper background.
	gamma float64
}

var (
	standardProfile = contrastProfile{name: "standard", clipFrac: 0.01, gamma: 1.0}
	// Scripts with fine diacritics (polytonic Greek breathing marks,
	// Georgian stroke detail, Romanian commas) need the harder stretch.
	highContrastProfile = contrastProfile{name: "high", clipFrac: 0.02, gamma: 0.85}
)

var highContrastLanguages = map[string]bool{
	"el":  true,
	"grc": true,
	"ka":  true,
	"ro":  true,
}

func profileFor(languageHint string) contrastProfile {
	if highContrastLanguages[languageHint] {
		return highContrastProfile
	}
	return standardProfile
}

// Enhance converts the image to greyscale, stretches its contrast according to
// the language profile, and sharpens it. The profile name actually used is
// returned for reporting.
func Enhance(img *image.NRGBA, languageHint string) (*image.Gray, string) {
	profile := profileFor(languageHint)

	grey := toGray(img)
	stretchContrast(grey, profile)
	sharpened := sharpen(grey)
	return sharpened, profile.name
}

func toGray(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	plane := greyPlane(img)
	copy(out.Pix, plane)
	return out
}

// stretchContrast applies a percentile-clipped linear stretch followed by the
// profile's gamma curve, in place, via a lookup table.
func stretchContrast(img *image.Gray, profile contrastProfile) {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	total := len(img.Pix)
	if total == 0 {
		return
	}

	clip := int(float64(total) * profile.clipFrac)
	lo, hi := 0, 255
	for acc := 0; lo < 255; lo++ {
		acc += hist[lo]
		if acc > clip {
			break
		}
	}
	for acc := 0; hi > 0; hi-- {
		acc += hist[hi]
		if acc > clip {
			break
		}
	}
	if hi <= lo {
		return
	}

	var lut [256]uint8
	scale := 255.0 / float64(hi-lo)
	for i := range lut {
		v := (float64(i) - float64(lo)) * scale
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		if profile.gamma != 1.0 {
			v = 255 * math.Pow(v/255, profile.gamma)
		}
		lut[i] = uint8(v + 0.5)
	}
	for i, v := range img.Pix {
		img.Pix[i] = lut[v]
	}
}

// sharpen applies a 3x3 unsharp kernel (center 5, cross -1). Border pixels are
// copied through.
func sharpen(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	copy(dst.Pix, src.Pix)
	if w < 3 || h < 3 {
		return dst
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*src.Stride + x
			v := 5*int(src.Pix[i]) -
				int(src.Pix[i-1]) - int(src.Pix[i+1]) -
				int(src.Pix[i-src.Stride]) - int(src.Pix[i+src.Stride])
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			dst.Pix[y*dst.Stride+x] = uint8(v)
		}
	}
	return dst
}
