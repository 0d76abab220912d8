// Package viewport implements the pure pan/zoom/mip-level math described in
// the viewport engine component: no hidden state, every function takes a
// State (or plain scalars) and returns a new value.
package viewport

import (
	"math"

	"github.com/eosin-platform/wsiviewer/internal/tilekey"
)

const (
	// ZoomMin and ZoomMax bound the device-independent scale factor relating
	// image pixels to CSS pixels.
	ZoomMin = 0.01
	ZoomMax = 64.0

	epsilon = 1e-9
)

// State is the viewport: top-left origin in level-0 image pixels, on-screen
// size in CSS pixels, and the zoom factor.
type State struct {
	X, Y          float64
	Width, Height float64
	Zoom          float64
}

// Image describes the pyramid this viewport is looking at.
type Image struct {
	Width, Height uint32
	Levels        uint32
}

// ClampZoom clamps z to [ZoomMin, ZoomMax].
func ClampZoom(z float64) float64 {
	if z < ZoomMin {
		return ZoomMin
	}
	if z > ZoomMax {
		return ZoomMax
	}
	return z
}

// ComputeIdealLevel selects the mip level whose native resolution most
// closely matches the current on-screen DPI at the given zoom.
//
// effectiveScale = zoom * (dpi/96); effectiveScale >= 1 means level 0 can
// render at or above native resolution. Below that, round(-log2(scale))
// places the level boundary at the geometric midpoint between levels
// (zoom ~= 0.354, 0.177, ...) rather than jumping to an over-coarsened
// level exactly at the power-of-two boundary that a naive ceil would pick.
func ComputeIdealLevel(zoom float64, maxLevels uint32, dpi float64) uint32 {
	if maxLevels == 0 {
		return 0
	}
	effectiveScale := zoom * (dpi / 96.0)
	if effectiveScale >= 1 {
		return 0
	}
	level := math.Round(-math.Log2(effectiveScale))
	return clampLevel(level, maxLevels)
}

func clampLevel(level float64, maxLevels uint32) uint32 {
	if level < 0 {
		return 0
	}
	max := float64(maxLevels - 1)
	if level > max {
		return uint32(max)
	}
	return uint32(level)
}

// VisibleTilesForLevel enumerates, row-major, every tile at level that
// intersects the viewport's on-screen extent.
func VisibleTilesForLevel(v State, img Image, level uint32) []tilekey.Coord {
	pxPerTile := float64(uint64(tilekey.TileSize) << level)

	z := v.Zoom
	if z < epsilon {
		z = epsilon
	}
	x0 := v.X
	y0 := v.Y
	x1 := x0 + v.Width/z
	y1 := y0 + v.Height/z

	minTx := int64(math.Max(0, math.Floor(x0/pxPerTile)))
	maxTxBound := math.Ceil(float64(img.Width) / pxPerTile)
	maxTx := int64(math.Min(maxTxBound, math.Ceil(x1/pxPerTile)))

	minTy := int64(math.Max(0, math.Floor(y0/pxPerTile)))
	maxTyBound := math.Ceil(float64(img.Height) / pxPerTile)
	maxTy := int64(math.Min(maxTyBound, math.Ceil(y1/pxPerTile)))

	var out []tilekey.Coord
	for ty := minTy; ty < maxTy; ty++ {
		for tx := minTx; tx < maxTx; tx++ {
			out = append(out, tilekey.Coord{X: uint32(tx), Y: uint32(ty), Level: level})
		}
	}
	return out
}

// ScreenRect is an axis-aligned rectangle in CSS pixels.
type ScreenRect struct {
	X, Y, W, H float64
}

// Intersects reports whether r overlaps the viewport's on-screen rectangle
// (0, 0, v.Width, v.Height).
func (r ScreenRect) Intersects(v State) bool {
	return r.X < v.Width && r.X+r.W > 0 && r.Y < v.Height && r.Y+r.H > 0
}

// TileScreenRect computes where a tile would be drawn on screen for the
// given viewport.
func TileScreenRect(c tilekey.Coord, v State) ScreenRect {
	pxPerTile := float64(uint64(tilekey.TileSize) << c.Level)
	screenX := (float64(c.X)*pxPerTile - v.X) * v.Zoom
	screenY := (float64(c.Y)*pxPerTile - v.Y) * v.Zoom
	size := pxPerTile * v.Zoom
	return ScreenRect{X: screenX, Y: screenY, W: size, H: size}
}

// ClampViewport constrains v's origin to the permitted overscroll-margin
// range for an image of the given size: the image can be panned up to half
// the visible extent (or half the image extent, whichever is smaller) past
// its edge. If the viewport is larger than the image plus margin on an
// axis, both bounds collapse to their midpoint so the image renders
// centered rather than jammed against one edge.
func ClampViewport(v State, imageW, imageH float64) State {
	out := v
	out.X = clampAxis(v.X, v.Width, imageW, v.Zoom)
	out.Y = clampAxis(v.Y, v.Height, imageH, v.Zoom)
	return out
}

func clampAxis(origin, visibleCSS, imageExtent, zoom float64) float64 {
	z := zoom
	if z < epsilon {
		z = epsilon
	}
	visibleExtent := visibleCSS / z
	margin := math.Min(visibleExtent/2, imageExtent/2)

	lower := -margin
	upper := imageExtent - visibleExtent + margin

	if upper < lower {
		mid := (lower + upper) / 2
		return mid
	}
	if origin < lower {
		return lower
	}
	if origin > upper {
		return upper
	}
	return origin
}

// ZoomAround zooms by a multiplicative delta while holding the image point
// under (screenX, screenY) fixed on screen (modulo clamping). This is the
// zoom-anchor-preservation law: before clamping,
// v.X + screenX/v.Zoom == result.X + screenX/result.Zoom.
func ZoomAround(v State, screenX, screenY, delta, imageW, imageH float64) State {
	newZoom := ClampZoom(v.Zoom * delta)

	oldZoom := v.Zoom
	if oldZoom < epsilon {
		oldZoom = epsilon
	}
	anchorX := v.X + screenX/oldZoom
	anchorY := v.Y + screenY/oldZoom

	out := v
	out.Zoom = newZoom
	out.X = anchorX - screenX/newZoom
	out.Y = anchorY - screenY/newZoom

	return ClampViewport(out, imageW, imageH)
}

// Pan translates the viewport by a screen-space delta, converting to
// image-space via the current zoom, then clamps.
func Pan(v State, dxScreen, dyScreen, imageW, imageH float64) State {
	z := v.Zoom
	if z < epsilon {
		z = epsilon
	}
	out := v
	out.X = v.X - dxScreen/z
	out.Y = v.Y - dyScreen/z
	return ClampViewport(out, imageW, imageH)
}

// CenterViewport picks a zoom that fits the image inside padding*viewport
// along the more constraining axis, and centers the origin on the image.
func CenterViewport(viewW, viewH, imageW, imageH, padding float64) State {
	if padding <= 0 {
		padding = 0.9
	}
	zoomX := (viewW * padding) / imageW
	zoomY := (viewH * padding) / imageH
	zoom := ClampZoom(math.Min(zoomX, zoomY))

	cx := imageW / 2
	cy := imageH / 2
	return State{
		X:      cx - (viewW/zoom)/2,
		Y:      cy - (viewH/zoom)/2,
		Width:  viewW,
		Height: viewH,
		Zoom:   zoom,
	}
}
