// Package renderer implements the per-frame coarse-to-fine draw loop: a
// software Canvas, the renderTileWithFallback decision tree, and rolling
// frame metrics.
package renderer

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
)

// checkerSize is the edge length, in device pixels, of one checkerboard
// square in the placeholder/clear pattern.
const checkerSize = 16

var (
	checkerLight = color.NRGBA{R: 235, G: 235, B: 238, A: 255}
	checkerDark  = color.NRGBA{R: 210, G: 210, B: 214, A: 255}
)

// Canvas is a software, device-pixel-backed drawing surface. There is no
// real GPU surface in a headless Go client; draws land directly in an
// *image.NRGBA that a caller can blit, encode, or hand to a display layer.
type Canvas struct {
	Img  *image.NRGBA
	dpr  float64
}

// NewCanvas creates a Canvas sized cssWidth*dpr x cssHeight*dpr.
func NewCanvas(cssWidth, cssHeight int, dpr float64) *Canvas {
	if dpr <= 0 {
		dpr = 1
	}
	w := int(math.Round(float64(cssWidth) * dpr))
	h := int(math.Round(float64(cssHeight) * dpr))
	return &Canvas{Img: image.NewNRGBA(image.Rect(0, 0, w, h)), dpr: dpr}
}

// Resize reallocates the backing image if its device-pixel dimensions
// disagree with cssWidth*dpr x cssHeight*dpr, per render-frame step 1. It
// reports whether a reallocation happened, so callers can invalidate
// DPR-dependent patterns.
func (c *Canvas) Resize(cssWidth, cssHeight int, dpr float64) bool {
	if dpr <= 0 {
		dpr = 1
	}
	w := int(math.Round(float64(cssWidth) * dpr))
	h := int(math.Round(float64(cssHeight) * dpr))
	if c.Img != nil && c.Img.Bounds().Dx() == w && c.Img.Bounds().Dy() == h && c.dpr == dpr {
		return false
	}
	c.Img = image.NewNRGBA(image.Rect(0, 0, w, h))
	c.dpr = dpr
	return true
}

// Clear fills the canvas with the checkerboard placeholder pattern.
func (c *Canvas) Clear() {
	bounds := c.Img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if ((x/checkerSize)+(y/checkerSize))%2 == 0 {
				c.Img.SetNRGBA(x, y, checkerLight)
			} else {
				c.Img.SetNRGBA(x, y, checkerDark)
			}
		}
	}
}

// deviceRect converts a CSS-pixel ScreenRect to a device-pixel
// image.Rectangle, rounding outward so partial-pixel seams don't leave a
// gap between adjacent tiles.
func (c *Canvas) deviceRect(r viewport.ScreenRect) image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X*c.dpr)),
		int(math.Floor(r.Y*c.dpr)),
		int(math.Ceil((r.X+r.W)*c.dpr)),
		int(math.Ceil((r.Y+r.H)*c.dpr)),
	)
}

// DrawBitmap scales bmp's full extent to fill rect and composites it onto
// the canvas with alpha-over blending (adapted from the teacher's
// alphaOver NRGBA compositor), so partially transparent pixels blend against
// whatever the canvas already holds. A bitmap smaller than the nominal tile
// footprint (an edge tile) is stretched to fill rect, not drawn at its own size.
func (c *Canvas) DrawBitmap(rect viewport.ScreenRect, bmp *bitmap.Bitmap) {
	c.DrawBitmapRegion(rect, bmp, bmp.Img.Bounds())
}

// DrawBitmapRegion scales the srcRect sub-region of bmp to fill rect. Used
// both for the coarse-to-fine fallback path (a sub-region of a coarser
// tile) and the forced-level debug path (a sub-tile grid).
func (c *Canvas) DrawBitmapRegion(rect viewport.ScreenRect, bmp *bitmap.Bitmap, srcRect image.Rectangle) {
	dst := c.deviceRect(rect)
	if dst.Empty() {
		return
	}
	dst = dst.Intersect(c.Img.Bounds())
	if dst.Empty() {
		return
	}

	scaled := image.NewNRGBA(dst.Sub(dst.Min))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), bmp.Img, srcRect, draw.Src, nil)
	alphaOver(c.Img, scaled, dst.Min)
}

// DrawPlaceholder fills rect with the checkerboard pattern, used when no
// tile at any level is available yet.
func (c *Canvas) DrawPlaceholder(rect viewport.ScreenRect) {
	dst := c.deviceRect(rect).Intersect(c.Img.Bounds())
	for y := dst.Min.Y; y < dst.Max.Y; y++ {
		for x := dst.Min.X; x < dst.Max.X; x++ {
			if ((x/checkerSize)+(y/checkerSize))%2 == 0 {
				c.Img.SetNRGBA(x, y, checkerLight)
			} else {
				c.Img.SetNRGBA(x, y, checkerDark)
			}
		}
	}
}

// alphaOver composites src onto dst at offset, blending per-pixel by src's
// alpha. Adapted from the teacher's composite package: same premultiplied
// blend math, generalized to take an arbitrary destination offset instead
// of assuming a fixed tile-sized canvas.
func alphaOver(dst *image.NRGBA, src *image.NRGBA, offset image.Point) {
	sb := src.Bounds()
	for y := sb.Min.Y; y < sb.Max.Y; y++ {
		dy := y - sb.Min.Y + offset.Y
		for x := sb.Min.X; x < sb.Max.X; x++ {
			dx := x - sb.Min.X + offset.X
			s := src.NRGBAAt(x, y)
			if s.A == 255 {
				dst.SetNRGBA(dx, dy, s)
				continue
			}
			if s.A == 0 {
				continue
			}

			d := dst.NRGBAAt(dx, dy)
			sa := float64(s.A) / 255.0
			da := float64(d.A) / 255.0
			outA := sa + da*(1.0-sa)
			if outA == 0 {
				dst.SetNRGBA(dx, dy, color.NRGBA{})
				continue
			}

			blend := func(srcVal, dstVal uint8) uint8 {
				srcPremult := float64(srcVal) * sa
				dstPremult := float64(dstVal) * da
				outPremult := srcPremult + dstPremult*(1.0-sa)
				return uint8(math.Round(outPremult / outA))
			}

			dst.SetNRGBA(dx, dy, color.NRGBA{
				R: blend(s.R, d.R),
				G: blend(s.G, d.G),
				B: blend(s.B, d.B),
				A: uint8(math.Round(outA * 255.0)),
			})
		}
	}
}
