package renderer

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
)

func TestNewCanvasSizesToDevicePixels(t *testing.T) {
	c := NewCanvas(100, 50, 2.0)
	require.Equal(t, 200, c.Img.Bounds().Dx())
	require.Equal(t, 100, c.Img.Bounds().Dy())
}

func TestResizeIsNoopWhenUnchanged(t *testing.T) {
	c := NewCanvas(100, 50, 1.0)
	before := c.Img
	changed := c.Resize(100, 50, 1.0)
	assert.False(t, changed)
	assert.Same(t, before, c.Img)
}

func TestResizeReallocatesOnChange(t *testing.T) {
	c := NewCanvas(100, 50, 1.0)
	changed := c.Resize(200, 50, 1.0)
	assert.True(t, changed)
	assert.Equal(t, 200, c.Img.Bounds().Dx())
}

func TestClearProducesCheckerboard(t *testing.T) {
	c := NewCanvas(32, 32, 1.0)
	c.Clear()
	a := c.Img.NRGBAAt(0, 0)
	b := c.Img.NRGBAAt(checkerSize, 0)
	assert.NotEqual(t, a, b, "adjacent checker cells must differ")
}

func TestDrawBitmapOpaqueFillsRect(t *testing.T) {
	c := NewCanvas(64, 64, 1.0)
	c.Clear()

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	bmp := bitmap.New(img)

	rect := viewport.ScreenRect{X: 0, Y: 0, W: 16, H: 16}
	c.DrawBitmap(rect, bmp)

	got := c.Img.NRGBAAt(8, 8)
	assert.Equal(t, uint8(10), got.R)
	assert.Equal(t, uint8(20), got.G)
	assert.Equal(t, uint8(30), got.B)
}

func TestDrawBitmapRegionCropsSource(t *testing.T) {
	c := NewCanvas(16, 16, 1.0)

	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			v := uint8(0)
			if x >= 2 {
				v = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	bmp := bitmap.New(img)

	rect := viewport.ScreenRect{X: 0, Y: 0, W: 16, H: 16}
	c.DrawBitmapRegion(rect, bmp, image.Rect(2, 0, 4, 4))

	got := c.Img.NRGBAAt(4, 4)
	assert.Equal(t, uint8(255), got.R, "cropped region should only show the bright half")
}
