package processing

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
)

func TestCacheSetThenGetHits(t *testing.T) {
	c := NewCache(10)
	key := Key{SlideID: "s", TileKey: 1, NormMode: NormNone, EnhanceMode: EnhanceNone}
	bmp := bitmap.New(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	c.Set(key, bmp)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Same(t, bmp, got)
}

func TestCacheDistinctConfigsDoNotCollide(t *testing.T) {
	c := NewCache(10)
	k1 := Key{SlideID: "s", TileKey: 1, NormMode: NormNone}
	k2 := Key{SlideID: "s", TileKey: 1, NormMode: NormMacenko}
	c.Set(k1, bitmap.New(image.NewNRGBA(image.Rect(0, 0, 1, 1))))
	_, ok := c.Get(k2)
	assert.False(t, ok)
}

func TestCacheEvictsToEightyPercentOnOverrun(t *testing.T) {
	c := NewCache(10)
	for i := uint64(0); i < 15; i++ {
		c.Set(Key{SlideID: "s", TileKey: i}, bitmap.New(image.NewNRGBA(image.Rect(0, 0, 1, 1))))
	}
	assert.LessOrEqual(t, c.Size(), 10)
	assert.GreaterOrEqual(t, c.Size(), 8)
}
