// Package cache implements the tile cache and decode pipeline: a bounded,
// keyed store of encoded and decoded tiles with two-phase insert,
// cancellable background decode, and LRU plus viewport-aware eviction.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
)

// state is the closed variant a cache entry can be in, replacing the
// null-bitmap-vs-entry-present ambiguity some source implementations use.
type state int

const (
	stateDecoding state = iota
	stateDecoded
	stateFailed
)

// Entry is a cached tile: its metadata, its encoded payload size, when it
// was last accessed, and its decode state/bitmap.
type Entry struct {
	Coord        tilekey.Coord
	EncodedSize  int
	LastAccessed time.Time

	state  state
	bitmap *bitmap.Bitmap

	elem      *list.Element
	cancelled bool
	generation uint64
}

// Bitmap returns the decoded bitmap, or nil if the entry is still decoding
// or failed to decode.
func (e *Entry) Bitmap() *bitmap.Bitmap {
	if e == nil || e.state != stateDecoded {
		return nil
	}
	return e.bitmap
}

// Decoded reports whether this entry has an attached bitmap.
func (e *Entry) Decoded() bool {
	return e != nil && e.state == stateDecoded
}

// Decoder turns an encoded tile payload into a decoded bitmap. In
// production this wraps whatever platform image decoder is available
// (e.g. golang.org/x/image/webp); tests supply a fake.
type Decoder interface {
	Decode(payload []byte) (*bitmap.Bitmap, error)
}

// Config configures a Cache.
type Config struct {
	MaxTiles int // hard cap before eviction runs; spec default range 1000-2000.
	Decoder  Decoder
	Logger   *slog.Logger
	// OnTileCached fires synchronously whenever an entry's presentation
	// changes: once on the initial metadata-only insert, and again when a
	// decode attaches a bitmap. Replacing or evicting an entry does not fire it.
	OnTileCached func(tilekey.Coord)
}

// Cache is the bounded keyed tile store described in §4.C.
type Cache struct {
	mu       sync.Mutex
	entries  map[uint64]*Entry
	lru      *list.List // front = most recently used
	maxTiles int
	decoder  Decoder
	logger   *slog.Logger
	onCached func(tilekey.Coord)

	encodedBytes int64
	generation   uint64
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.MaxTiles <= 0 {
		cfg.MaxTiles = 1500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[uint64]*Entry),
		lru:      list.New(),
		maxTiles: cfg.MaxTiles,
		decoder:  cfg.Decoder,
		logger:   cfg.Logger,
		onCached: cfg.OnTileCached,
	}
}

// Get returns the entry for (x,y,level), refreshing its LRU position, or
// (nil, false) on a miss.
func (c *Cache) Get(coord tilekey.Coord) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[coord.Key()]
	if !ok {
		return nil, false
	}
	c.touch(e)
	return e, true
}

// Has reports presence without affecting LRU order.
func (c *Cache) Has(coord tilekey.Coord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[coord.Key()]
	return ok
}

// Set inserts a tile's metadata immediately (synchronously) and kicks off
// an asynchronous decode of its payload. It returns the entry and a channel
// that is closed once the decode settles (attached, failed, or cancelled).
//
// Do-not-clobber: if an entry already exists for this key with a decoded
// bitmap, it is kept untouched (only lastAccessed advances) and the new
// payload is discarded — this is what prevents crisp-to-blurry-to-crisp
// flicker when the server re-sends a tile the client already has.
func (c *Cache) Set(coord tilekey.Coord, payload []byte) (*Entry, <-chan struct{}) {
	c.mu.Lock()

	ready := make(chan struct{})
	key := coord.Key()

	if existing, ok := c.entries[key]; ok && existing.state == stateDecoded {
		c.touch(existing)
		c.mu.Unlock()
		close(ready)
		return existing, ready
	}

	c.generation++
	gen := c.generation

	e := &Entry{
		Coord:        coord,
		EncodedSize:  len(payload),
		LastAccessed: time.Now(),
		state:        stateDecoding,
		generation:   gen,
	}

	if old, ok := c.entries[key]; ok {
		c.encodedBytes -= int64(old.EncodedSize)
		c.lru.Remove(old.elem)
	}
	c.entries[key] = e
	e.elem = c.lru.PushFront(key)
	c.encodedBytes += int64(e.EncodedSize)

	c.evictLocked()

	onCached := c.onCached
	c.mu.Unlock()

	if onCached != nil {
		onCached(coord)
	}

	go c.decodeAsync(key, gen, payload, ready)

	return e, ready
}

func (c *Cache) decodeAsync(key uint64, gen uint64, payload []byte, ready chan struct{}) {
	defer close(ready)

	if c.decoder == nil {
		return
	}
	bmp, err := c.decoder.Decode(payload)

	c.mu.Lock()
	e, ok := c.entries[key]
	stillCurrent := ok && e.generation == gen
	cancelled := stillCurrent && e.cancelled
	var onCached func(tilekey.Coord)
	var coord tilekey.Coord
	if stillCurrent {
		coord = e.Coord
		switch {
		case err != nil:
			e.state = stateFailed
			c.logger.Warn("tile decode failed", "tile", e.Coord.String(), "error", err)
		case cancelled:
			// Cooperative cancellation: discard the result, leave the entry
			// as it was (still decoding, or already replaced by a later Set
			// would have bumped the generation and made stillCurrent false).
			bmp.Dispose()
		default:
			e.state = stateDecoded
			e.bitmap = bmp
			onCached = c.onCached
		}
	} else {
		// Entry was evicted or replaced before the decode completed.
		bmp.Dispose()
	}
	c.mu.Unlock()

	if onCached != nil {
		onCached(coord)
	}
}

// touch must be called with c.mu held.
func (c *Cache) touch(e *Entry) {
	e.LastAccessed = time.Now()
	c.lru.MoveToFront(e.elem)
}

// Touch refreshes lastAccessed for every given key without requiring a
// full Get, used by the renderer once per frame to protect viewport-visible
// tiles (at the ideal level and a few coarser levels) from LRU eviction
// mid-zoom.
func (c *Cache) Touch(keys []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			c.touch(e)
		}
	}
}

// evictLocked runs strict-LRU eviction down to floor(maxTiles*0.8) once
// size exceeds maxTiles. Must be called with c.mu held.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.maxTiles {
		return
	}
	target := (c.maxTiles * 8) / 10
	for len(c.entries) > target {
		back := c.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(uint64)
		e := c.entries[key]
		c.lru.Remove(back)
		delete(c.entries, key)
		c.encodedBytes -= int64(e.EncodedSize)
		if e.bitmap != nil {
			e.bitmap.Dispose()
		}
	}
}

// CancelDecodesNotIn marks every in-flight decode whose key is not in
// visible as cancelled, returning the count cancelled. The decode itself
// keeps running (it generally cannot be aborted); its result is simply
// discarded on arrival.
func (c *Cache) CancelDecodesNotIn(visible []tilekey.Coord) int {
	keep := make(map[uint64]struct{}, len(visible))
	for _, v := range visible {
		keep[v.Key()] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if e.state != stateDecoding || e.cancelled {
			continue
		}
		if _, ok := keep[k]; ok {
			continue
		}
		e.cancelled = true
		n++
	}
	return n
}

// CancelAllPendingDecodes cancels every in-flight decode, returning the
// count cancelled.
func (c *Cache) CancelAllPendingDecodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.state == stateDecoding && !e.cancelled {
			e.cancelled = true
			n++
		}
	}
	return n
}

// ClearLevel removes every entry at the given level.
func (c *Cache) ClearLevel(level uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.Coord.Level != level {
			continue
		}
		c.lru.Remove(e.elem)
		delete(c.entries, k)
		c.encodedBytes -= int64(e.EncodedSize)
		if e.bitmap != nil {
			e.bitmap.Dispose()
		}
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.bitmap != nil {
			e.bitmap.Dispose()
		}
	}
	c.entries = make(map[uint64]*Entry)
	c.lru.Init()
	c.encodedBytes = 0
}

// Size returns the current number of cached entries (encoded+decoded).
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FindBestTile looks for a decoded tile covering (x,y,targetLevel): first
// the exact level, then progressively coarser levels up to maxLevel,
// computing the enclosing coarse tile at each step. It returns the best
// entry found and the level it was found at.
func (c *Cache) FindBestTile(target tilekey.Coord, maxLevel uint32) (*Entry, uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[target.Key()]; ok && e.Decoded() {
		c.touch(e)
		return e, target.Level, true
	}

	for level := target.Level + 1; level <= maxLevel; level++ {
		coarse, _, _ := target.Enclosing(level)
		if e, ok := c.entries[coarse.Key()]; ok && e.Decoded() {
			c.touch(e)
			return e, level, true
		}
	}
	return nil, 0, false
}

// MemoryUsage returns an approximate byte count: the sum of encoded
// payload sizes plus 4 bytes/pixel for every decoded bitmap's nominal
// tile-sized footprint, for telemetry.
func (c *Cache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.encodedBytes
	for _, e := range c.entries {
		if e.state == stateDecoded {
			total += 4 * int64(tilekey.TileSize) * int64(tilekey.TileSize)
		}
	}
	return total
}

// MemoryUsageHuman returns MemoryUsage formatted for log lines.
func (c *Cache) MemoryUsageHuman() string {
	return humanize.IBytes(uint64(c.MemoryUsage()))
}
