package processing

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSharpenZeroIntensityIsNoop(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	out := Sharpen(img, 0)
	assert.Same(t, img, out)
}

func TestSharpenPreservesFlatRegion(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	out := Sharpen(img, 80)
	// A perfectly flat image has zero local contrast, so unsharp masking
	// should leave it unchanged (within rounding).
	c := out.NRGBAAt(3, 3)
	assert.InDelta(t, 100, int(c.R), 1)
	assert.InDelta(t, 100, int(c.G), 1)
	assert.InDelta(t, 100, int(c.B), 1)
}

func TestSharpenIncreasesEdgeContrast(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := uint8(50)
			if x >= 4 {
				v = 200
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	out := Sharpen(img, 100)

	// Just left of the edge, sharpening should push the darker side darker
	// (or at least not lighter) relative to the original.
	before := img.NRGBAAt(3, 4).R
	after := out.NRGBAAt(3, 4).R
	assert.LessOrEqual(t, after, before)
}

func TestSharpenPreservesAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	out := Sharpen(img, 50)
	assert.Equal(t, uint8(128), out.NRGBAAt(0, 0).A)
}
