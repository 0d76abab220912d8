package renderer

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/cache"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
	"github.com/eosin-platform/wsiviewer/internal/worker"
)

type instantDecoder struct{}

func (instantDecoder) Decode(payload []byte) (*bitmap.Bitmap, error) {
	return bitmap.New(image.NewNRGBA(image.Rect(0, 0, tilekey.TileSize, tilekey.TileSize))), nil
}

func setTileSync(t *testing.T, c *cache.Cache, coord tilekey.Coord) {
	t.Helper()
	_, ready := c.Set(coord, []byte{1})
	<-ready
}

// TestProgressiveFallbackScenario mirrors the spec scenario: a cache
// pre-populated only with a coarse tile covering the whole image, viewed
// at ideal level 0 on a viewport spanning multiple level-0 tiles. Every
// visible ideal tile should render as a fallback sub-region of the coarse
// tile.
func TestProgressiveFallbackScenario(t *testing.T) {
	c := cache.New(cache.Config{Decoder: instantDecoder{}})
	setTileSync(t, c, tilekey.Coord{X: 0, Y: 0, Level: 3})

	frame := NewFrame(1024, 1024, 1.0, Config{Cache: c})

	img := viewport.Image{Width: 4096, Height: 4096, Levels: 4}
	v := viewport.State{X: 0, Y: 0, Width: 1024, Height: 1024, Zoom: 1.0}

	m := frame.Render(v, img, 1.0)

	assert.Equal(t, 4, m.VisibleTiles)
	assert.Equal(t, 4, m.FallbackTiles)
	assert.Equal(t, 0, m.RenderedTiles)
	assert.Equal(t, 0, m.PlaceholderTiles)
}

func TestRenderedWhenIdealTileDecoded(t *testing.T) {
	c := cache.New(cache.Config{Decoder: instantDecoder{}})
	setTileSync(t, c, tilekey.Coord{X: 0, Y: 0, Level: 0})

	frame := NewFrame(512, 512, 1.0, Config{Cache: c})
	img := viewport.Image{Width: 512, Height: 512, Levels: 1}
	v := viewport.State{X: 0, Y: 0, Width: 512, Height: 512, Zoom: 1.0}

	m := frame.Render(v, img, 1.0)
	assert.Equal(t, 1, m.RenderedTiles)
}

func TestPlaceholderWhenNothingCached(t *testing.T) {
	c := cache.New(cache.Config{Decoder: instantDecoder{}})
	frame := NewFrame(512, 512, 1.0, Config{Cache: c})
	img := viewport.Image{Width: 512, Height: 512, Levels: 1}
	v := viewport.State{X: 0, Y: 0, Width: 512, Height: 512, Zoom: 1.0}

	m := frame.Render(v, img, 1.0)
	assert.Equal(t, 1, m.PlaceholderTiles)
}

func TestZoomChangeHalvesConcurrencyAndRestoresAfterSettle(t *testing.T) {
	c := cache.New(cache.Config{Decoder: instantDecoder{}})
	pool := worker.New(worker.Config{MaxWorkers: 4})
	defer pool.Close()

	frame := NewFrame(512, 512, 1.0, Config{Cache: c, Pool: pool})
	img := viewport.Image{Width: 512, Height: 512, Levels: 1}

	v := viewport.State{X: 0, Y: 0, Width: 512, Height: 512, Zoom: 1.0}
	frame.Render(v, img, 1.0)
	assert.Equal(t, 4, pool.Concurrency(), "no zoom change yet: concurrency stays full")

	v.Zoom = 1.5
	frame.Render(v, img, 1.0)
	assert.Equal(t, 2, pool.Concurrency(), "zoom changed: concurrency halves")

	require.Eventually(t, func() bool {
		return pool.Concurrency() == 4
	}, time.Second, 5*time.Millisecond, "concurrency restores after zoom settles")
}

func TestRenderMetricsRollingWindowProducesFiniteFPS(t *testing.T) {
	c := cache.New(cache.Config{Decoder: instantDecoder{}})
	frame := NewFrame(256, 256, 1.0, Config{Cache: c})
	img := viewport.Image{Width: 256, Height: 256, Levels: 1}
	v := viewport.State{X: 0, Y: 0, Width: 256, Height: 256, Zoom: 1.0}

	var last Metrics
	for i := 0; i < 5; i++ {
		last = frame.Render(v, img, 1.0)
	}
	require.Greater(t, last.FPS, 0.0)
}
