package cache

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
)

// fakeDecoder decodes synchronously but the caller still runs it on a
// goroutine via Cache.Set, so tests synchronize on the returned channel.
type fakeDecoder struct {
	mu       sync.Mutex
	fail     map[uint64]bool
	block    chan struct{} // if non-nil, Decode waits on it before returning
	decodeCt int
}

func (d *fakeDecoder) Decode(payload []byte) (*bitmap.Bitmap, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	d.decodeCt++
	d.mu.Unlock()
	if len(payload) > 0 && payload[0] == 0xFF {
		return nil, errors.New("corrupt payload")
	}
	return bitmap.New(image.NewNRGBA(image.Rect(0, 0, 8, 8))), nil
}

func coord(x, y, level uint32) tilekey.Coord { return tilekey.Coord{X: x, Y: y, Level: level} }

func TestSetThenGetAfterDecode(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	entry, ready := c.Set(coord(1, 2, 0), []byte{1, 2, 3})
	assert.False(t, entry.Decoded())

	<-ready
	got, ok := c.Get(coord(1, 2, 0))
	require.True(t, ok)
	assert.True(t, got.Decoded())
	assert.NotNil(t, got.Bitmap())
}

func TestSetFailedDecodeLeavesEntryWithoutBitmap(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, ready := c.Set(coord(0, 0, 0), []byte{0xFF, 0x00})
	<-ready

	got, ok := c.Get(coord(0, 0, 0))
	require.True(t, ok)
	assert.False(t, got.Decoded())
	assert.Nil(t, got.Bitmap())
}

func TestSetDoesNotClobberDecodedTile(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, ready := c.Set(coord(5, 5, 1), []byte{1})
	<-ready
	first, _ := c.Get(coord(5, 5, 1))
	firstBitmap := first.Bitmap()

	_, ready2 := c.Set(coord(5, 5, 1), []byte{2, 2, 2})
	<-ready2

	second, _ := c.Get(coord(5, 5, 1))
	assert.Same(t, firstBitmap, second.Bitmap(), "do-not-clobber: existing decoded bitmap must survive a re-Set")
}

func TestHasDoesNotAffectLRU(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}, MaxTiles: 4})
	for i := uint32(0); i < 4; i++ {
		_, r := c.Set(coord(i, 0, 0), []byte{1})
		<-r
	}
	// Has on the oldest tile must not refresh it: the next insert evicts down
	// to floor(4*0.8) = 3 entries, dropping tiles 0 and 1.
	assert.True(t, c.Has(coord(0, 0, 0)))
	_, r := c.Set(coord(4, 0, 0), []byte{1})
	<-r
	assert.False(t, c.Has(coord(0, 0, 0)), "Has must not protect a tile from LRU eviction")
}

func TestFindBestTileFallsBackToCoarserLevel(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, ready := c.Set(coord(0, 0, 2), []byte{1})
	<-ready

	target := coord(3, 3, 0) // level 0 tile enclosed by (0,0) at level 2 (scale 4)
	entry, level, ok := c.FindBestTile(target, 4)
	require.True(t, ok)
	assert.Equal(t, uint32(2), level)
	assert.True(t, entry.Decoded())
}

func TestFindBestTileMissReturnsFalse(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, ok1, ok2 := c.FindBestTile(coord(9, 9, 0), 4)
	_ = ok1
	assert.False(t, ok2)
}

func TestCancelDecodesNotInMarksOthers(t *testing.T) {
	block := make(chan struct{})
	dec := &fakeDecoder{block: block}
	c := New(Config{Decoder: dec})

	_, readyKeep := c.Set(coord(0, 0, 0), []byte{1})
	_, readyDrop := c.Set(coord(9, 9, 0), []byte{1})

	n := c.CancelDecodesNotIn([]tilekey.Coord{coord(0, 0, 0)})
	assert.Equal(t, 1, n)

	close(block)
	<-readyKeep
	<-readyDrop

	kept, _ := c.Get(coord(0, 0, 0))
	assert.True(t, kept.Decoded())

	dropped, _ := c.Get(coord(9, 9, 0))
	assert.False(t, dropped.Decoded(), "cancelled decode result must be discarded")
}

func TestCancelAllPendingDecodes(t *testing.T) {
	block := make(chan struct{})
	dec := &fakeDecoder{block: block}
	c := New(Config{Decoder: dec})

	_, r1 := c.Set(coord(1, 1, 0), []byte{1})
	_, r2 := c.Set(coord(2, 2, 0), []byte{1})

	n := c.CancelAllPendingDecodes()
	assert.Equal(t, 2, n)

	close(block)
	<-r1
	<-r2

	e1, _ := c.Get(coord(1, 1, 0))
	e2, _ := c.Get(coord(2, 2, 0))
	assert.False(t, e1.Decoded())
	assert.False(t, e2.Decoded())
}

func TestEvictionKeepsSizeAtFloor(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}, MaxTiles: 10})
	var readies []<-chan struct{}
	for i := uint32(0); i < 15; i++ {
		_, r := c.Set(coord(i, 0, 0), []byte{1})
		readies = append(readies, r)
	}
	for _, r := range readies {
		<-r
	}
	assert.LessOrEqual(t, c.Size(), 10)
	assert.GreaterOrEqual(t, c.Size(), 8)
}

func TestEvictionRespectsLRURecency(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}, MaxTiles: 4})
	for i := uint32(0); i < 4; i++ {
		_, r := c.Set(coord(i, 0, 0), []byte{1})
		<-r
	}
	// Touch tile 0 so it becomes most-recently-used, then add enough new
	// tiles to force eviction down to floor(4*0.8) = 3.
	c.Get(coord(0, 0, 0))
	_, r := c.Set(coord(99, 0, 0), []byte{1})
	<-r

	assert.True(t, c.Has(coord(0, 0, 0)), "recently touched tile should survive eviction")
}

func TestClearLevelOnlyRemovesThatLevel(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, r0 := c.Set(coord(0, 0, 0), []byte{1})
	_, r1 := c.Set(coord(0, 0, 1), []byte{1})
	<-r0
	<-r1

	c.ClearLevel(0)
	assert.False(t, c.Has(coord(0, 0, 0)))
	assert.True(t, c.Has(coord(0, 0, 1)))
}

func TestClearRemovesEverything(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, r := c.Set(coord(0, 0, 0), []byte{1})
	<-r
	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.False(t, c.Has(coord(0, 0, 0)))
}

func TestOnTileCachedFiresOnInsertAndOnDecode(t *testing.T) {
	var mu sync.Mutex
	var calls int
	c := New(Config{
		Decoder: &fakeDecoder{},
		OnTileCached: func(tilekey.Coord) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	_, ready := c.Set(coord(0, 0, 0), []byte{1})
	<-ready
	// decodeAsync fires the decode-attach callback before it closes ready, so
	// both calls have happened by now; the sleep is only extra margin.
	time.Sleep(5 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "expected one call for the metadata insert and one for the decode attach")
}

func TestMemoryUsageAccountsEncodedAndDecoded(t *testing.T) {
	c := New(Config{Decoder: &fakeDecoder{}})
	_, ready := c.Set(coord(0, 0, 0), []byte{1, 2, 3, 4, 5})
	<-ready
	usage := c.MemoryUsage()
	assert.Greater(t, usage, int64(5))
	assert.NotEmpty(t, c.MemoryUsageHuman())
}
