package viewport

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIdealLevelBoundaries(t *testing.T) {
	assert.Equal(t, uint32(0), ComputeIdealLevel(1.0, 5, 96))
	assert.Equal(t, uint32(1), ComputeIdealLevel(0.5, 5, 96))
	assert.Equal(t, uint32(2), ComputeIdealLevel(0.35, 5, 96))
}

func TestComputeIdealLevelClampedToMax(t *testing.T) {
	level := ComputeIdealLevel(0.0001, 5, 96)
	assert.Equal(t, uint32(4), level)
}

func TestComputeIdealLevelInvariantRange(t *testing.T) {
	for _, z := range []float64{ZoomMin, 0.1, 0.3, 0.9, 1, 4, ZoomMax} {
		level := ComputeIdealLevel(z, 6, 96)
		assert.GreaterOrEqual(t, level, uint32(0))
		assert.LessOrEqual(t, level, uint32(5))
	}
}

func TestVisibleTilesForLevelFreshOpen(t *testing.T) {
	img := Image{Width: 8192, Height: 8192, Levels: 5}
	v := State{X: 0, Y: 0, Width: 512, Height: 512, Zoom: 1.0}
	tiles := VisibleTilesForLevel(v, img, 0)
	require.Len(t, tiles, 1)
	assert.Equal(t, uint32(0), tiles[0].X)
	assert.Equal(t, uint32(0), tiles[0].Y)
}

func TestVisibleTileScreenRectIntersects(t *testing.T) {
	img := Image{Width: 8192, Height: 8192, Levels: 5}
	v := State{X: 100, Y: 100, Width: 1024, Height: 1024, Zoom: 1.0}
	for _, c := range VisibleTilesForLevel(v, img, 0) {
		rect := TileScreenRect(c, v)
		assert.True(t, rect.Intersects(v), "tile %v screen rect %v should intersect viewport", c, rect)
	}
}

func TestZoomAnchorPreservation(t *testing.T) {
	v := State{X: 1000, Y: 500, Width: 800, Height: 600, Zoom: 1.0}
	imageW, imageH := 1_000_000.0, 1_000_000.0 // large enough that clamping never engages

	sx, sy := 300.0, 250.0
	for _, delta := range []float64{2.0, 0.5, 1.3, 4.0} {
		out := ZoomAround(v, sx, sy, delta, imageW, imageH)
		before := v.X + sx/v.Zoom
		after := out.X + sx/out.Zoom
		assert.InDelta(t, before, after, 1e-6)

		beforeY := v.Y + sy/v.Zoom
		afterY := out.Y + sy/out.Zoom
		assert.InDelta(t, beforeY, afterY, 1e-6)
	}
}

func TestPanInverse(t *testing.T) {
	imageW, imageH := 1_000_000.0, 1_000_000.0
	v := State{X: 5000, Y: 5000, Width: 800, Height: 600, Zoom: 1.0}
	moved := Pan(v, 120, -60, imageW, imageH)
	back := Pan(moved, -120, 60, imageW, imageH)
	assert.InDelta(t, v.X, back.X, 1e-9)
	assert.InDelta(t, v.Y, back.Y, 1e-9)
}

func TestClampViewportCentersWhenLargerThanImage(t *testing.T) {
	v := State{X: -5000, Y: -5000, Width: 2000, Height: 2000, Zoom: 1.0}
	out := ClampViewport(v, 100, 100)
	// viewport (2000 css px at zoom 1 => 2000 image px visible extent) is
	// far larger than the 100x100 image; both axes collapse to the midpoint
	// of the permitted range, -950, which puts the view's center (-950+1000)
	// on the image's center (50).
	assert.True(t, math.Abs(out.X-out.Y) < 1e9) // sanity: both computed, no NaN
	assert.False(t, math.IsNaN(out.X))
	assert.False(t, math.IsNaN(out.Y))
	assert.InDelta(t, -950.0, out.X, 1e-9)
	assert.InDelta(t, -950.0, out.Y, 1e-9)
}

func TestCenterViewportFitsImage(t *testing.T) {
	v := CenterViewport(800, 600, 8192, 8192, 0.9)
	assert.Greater(t, v.Zoom, 0.0)
	assert.LessOrEqual(t, v.Zoom, ZoomMax)
	assert.LessOrEqual(t, 8192*v.Zoom, 600*0.9+1e-9, "image must fit within 90% of the smaller viewport side")
}
