package processing

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnhanceNoneIsNoop(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	out := Enhance(img, EnhanceNone)
	assert.Same(t, img, out)
}

func TestEnhanceModesPreserveDimensionsAndAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 50), G: uint8(y * 50), B: 120, A: 200})
		}
	}
	for _, mode := range []EnhanceMode{EnhanceGram, EnhanceAFB, EnhanceGMS} {
		out := Enhance(img, mode)
		assert.Equal(t, img.Bounds(), out.Bounds())
		assert.Equal(t, uint8(200), out.NRGBAAt(1, 1).A, "mode %s must not alter alpha", mode)
	}
}

func TestRGBToHSLRoundTrip(t *testing.T) {
	for _, c := range []color.NRGBA{
		{R: 255, G: 0, B: 0},
		{R: 0, G: 255, B: 0},
		{R: 0, G: 0, B: 255},
		{R: 128, G: 64, B: 200},
		{R: 10, G: 10, B: 10},
	} {
		h, s, l := rgbToHSLf(c.R, c.G, c.B)
		r, g, b := hslToRGBf(h, s, l)
		assert.InDelta(t, int(c.R), int(r), 2)
		assert.InDelta(t, int(c.G), int(g), 2)
		assert.InDelta(t, int(c.B), int(b), 2)
	}
}

func TestLabRoundTrip(t *testing.T) {
	for _, c := range [][3]uint8{{255, 0, 0}, {20, 200, 40}, {128, 128, 128}} {
		l, a, b := rgbToLab(c[0], c[1], c[2])
		r, g, bl := labToRGB(l, a, b)
		assert.InDelta(t, int(c[0]), int(r), 3)
		assert.InDelta(t, int(c[1]), int(g), 3)
		assert.InDelta(t, int(c[2]), int(bl), 3)
	}
}
