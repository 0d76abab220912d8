package processing

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
)

// Key identifies one processed-bitmap cache slot: a tile plus the exact
// transform configuration that produced it.
type Key struct {
	SlideID           string
	TileKey           uint64
	NormMode          NormMode
	EnhanceMode       EnhanceMode
	SharpenEnabled    bool
	SharpenIntensity  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s/%s/%v/%d", k.SlideID, k.TileKey, k.NormMode, k.EnhanceMode, k.SharpenEnabled, k.SharpenIntensity)
}

type cacheEntry struct {
	key    Key
	bitmap *bitmap.Bitmap
	elem   *list.Element
}

// Cache is the bounded LRU store of processed bitmaps, keyed by the exact
// transform configuration so distinct settings never collide. Capacity
// default ~500 per §4.E; eviction runs down to 80% on overrun, the same
// shape as the tile cache's eviction.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	lru      *list.List
	capacity int
}

// NewCache creates a processed-bitmap Cache. capacity<=0 defaults to 500.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 500
	}
	return &Cache{
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		capacity: capacity,
	}
}

// Get returns the cached bitmap for key, refreshing its LRU position.
func (c *Cache) Get(key Key) (*bitmap.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.bitmap, true
}

// Set stores bmp under key, evicting the least-recently-used entries down
// to 80% capacity if this insert overruns the bound.
func (c *Cache) Set(key Key, bmp *bitmap.Bitmap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if old, ok := c.entries[k]; ok {
		c.lru.Remove(old.elem)
		old.bitmap.Dispose()
	}

	e := &cacheEntry{key: key, bitmap: bmp}
	e.elem = c.lru.PushFront(k)
	c.entries[k] = e

	if len(c.entries) <= c.capacity {
		return
	}
	target := (c.capacity * 8) / 10
	for len(c.entries) > target {
		back := c.lru.Back()
		if back == nil {
			return
		}
		bk := back.Value.(string)
		victim := c.entries[bk]
		c.lru.Remove(back)
		delete(c.entries, bk)
		victim.bitmap.Dispose()
	}
}

// Size returns the number of cached processed bitmaps.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
