package renderer

import (
	"image"
	"sync"
	"time"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/cache"
	"github.com/eosin-platform/wsiviewer/internal/processing"
	"github.com/eosin-platform/wsiviewer/internal/retry"
	"github.com/eosin-platform/wsiviewer/internal/tilekey"
	"github.com/eosin-platform/wsiviewer/internal/viewport"
	"github.com/eosin-platform/wsiviewer/internal/worker"
)

// zoomSettleDelay is how long after the last Zoom change the pool's
// concurrency ceiling is restored to full, per §5 ("restored 100-150ms
// after zoom stops").
const zoomSettleDelay = 120 * time.Millisecond

// zoomEpsilon is the minimum Zoom delta between frames treated as an
// active zoom rather than floating-point noise from an unchanged viewport.
const zoomEpsilon = 1e-6

// Outcome is what renderTileWithFallback did for one target tile.
type Outcome int

const (
	Rendered Outcome = iota
	Fallback
	Placeholder
	Skipped
)

// prefetchMargin is the number of extra tiles, beyond the visible set,
// scanned for background processing warm-up at the ideal and 1-2 coarser
// levels, per §4.E step 9.
const prefetchMargin = 2

// Config wires a Frame to its collaborators. Pipeline and OnMetrics are
// optional; a nil Pipeline means transforms are always skipped (the fast
// path described in §4.E).
type Config struct {
	Cache    *cache.Cache
	Retry    *retry.Manager
	Pipeline *processing.Pipeline
	// Pool, when set, is halved in concurrency while the viewport's Zoom is
	// actively changing between Render calls and restored zoomSettleDelay
	// after it stops, per §5.
	Pool     *worker.Pool
	SlideID  string
	OnMetrics func(Metrics)
}

// Frame is the per-frame coarse-to-fine draw loop bound to one image view.
type Frame struct {
	canvas   *Canvas
	cache    *cache.Cache
	retry    *retry.Manager
	pipeline *processing.Pipeline
	pool     *worker.Pool
	slideID  string
	onMetrics func(Metrics)

	metrics *metricsTracker
	cfg     processing.TransformConfig

	zoomMu       sync.Mutex
	haveLastZoom bool
	lastZoom     float64
	zoomActive   bool
	restoreTimer *time.Timer

	// ForcedLevel, when non-nil, engages the debug overlay draw path: every
	// tile draws from exactly this level regardless of the computed ideal.
	ForcedLevel *uint32
}

// NewFrame creates a Frame with a fresh Canvas.
func NewFrame(cssWidth, cssHeight int, dpr float64, cfg Config) *Frame {
	return &Frame{
		canvas:    NewCanvas(cssWidth, cssHeight, dpr),
		cache:     cfg.Cache,
		retry:     cfg.Retry,
		pipeline:  cfg.Pipeline,
		pool:      cfg.Pool,
		slideID:   cfg.SlideID,
		onMetrics: cfg.OnMetrics,
		metrics:   newMetricsTracker(),
	}
}

// SetTransformConfig updates the active processing transforms.
func (f *Frame) SetTransformConfig(cfg processing.TransformConfig) {
	f.cfg = cfg
}

// Canvas exposes the backing drawing surface.
func (f *Frame) Canvas() *Canvas { return f.canvas }

// Render executes one frame per §4.E: resize, clear, compute targets,
// prune retries/decodes, draw, publish metrics, prefetch.
func (f *Frame) Render(v viewport.State, img viewport.Image, dpr float64) Metrics {
	start := time.Now()

	f.noteZoom(v.Zoom)

	f.canvas.Resize(int(v.Width), int(v.Height), dpr)
	f.canvas.Clear()

	idealLevel := viewport.ComputeIdealLevel(v.Zoom, img.Levels, dpr*96)
	finerLevel := idealLevel
	if idealLevel > 0 {
		finerLevel = idealLevel - 1
	}

	idealTiles := viewport.VisibleTilesForLevel(v, img, idealLevel)
	var finerTiles []tilekey.Coord
	if finerLevel != idealLevel {
		finerTiles = viewport.VisibleTilesForLevel(v, img, finerLevel)
	}

	tracked := append(append([]tilekey.Coord{}, idealTiles...), finerTiles...)

	if f.retry != nil {
		f.retry.CancelTilesNotIn(tracked)
	}
	if f.cache != nil {
		f.cache.CancelDecodesNotIn(tracked)
		keys := make([]uint64, len(tracked))
		for i, c := range tracked {
			keys[i] = c.Key()
		}
		f.cache.Touch(keys)
	}

	maxLevel := img.Levels
	if maxLevel > 0 {
		maxLevel--
	}

	var rendered, fallback, placeholder, skipped int
	forced := f.ForcedLevel
	for _, target := range idealTiles {
		var outcome Outcome
		if forced != nil {
			outcome = f.renderForcedLevel(target, v, *forced, idealLevel, maxLevel)
		} else {
			outcome = f.renderTileWithFallback(target, v, idealLevel, maxLevel)
		}
		switch outcome {
		case Rendered:
			rendered++
		case Fallback:
			fallback++
		case Placeholder:
			placeholder++
		case Skipped:
			skipped++
		}
	}

	f.prefetch(v, img, idealLevel, maxLevel)

	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	fps := f.metrics.push(elapsedMs)

	m := Metrics{
		RenderTimeMs:     elapsedMs,
		FPS:              fps,
		VisibleTiles:     len(idealTiles),
		RenderedTiles:    rendered,
		FallbackTiles:    fallback,
		PlaceholderTiles: placeholder,
		SkippedTiles:     skipped,
	}
	if f.onMetrics != nil {
		f.onMetrics(m)
	}
	return m
}

// noteZoom compares v.Zoom against the previous frame's zoom and, on a
// detected change, halves the worker pool's concurrency for the duration of
// the zoom gesture, restoring it zoomSettleDelay after the last change —
// the zoom-throttled concurrency required by §5.
func (f *Frame) noteZoom(zoom float64) {
	if f.pool == nil {
		return
	}

	f.zoomMu.Lock()
	defer f.zoomMu.Unlock()

	delta := zoom - f.lastZoom
	if delta < 0 {
		delta = -delta
	}
	changed := f.haveLastZoom && delta > zoomEpsilon
	f.lastZoom = zoom
	f.haveLastZoom = true

	if !changed {
		return
	}

	if !f.zoomActive {
		f.zoomActive = true
		half := f.pool.MaxWorkers() / 2
		if half < 1 {
			half = 1
		}
		f.pool.SetConcurrency(half)
	}

	if f.restoreTimer != nil {
		f.restoreTimer.Stop()
	}
	f.restoreTimer = time.AfterFunc(zoomSettleDelay, func() {
		f.zoomMu.Lock()
		defer f.zoomMu.Unlock()
		f.zoomActive = false
		f.pool.SetConcurrency(f.pool.MaxWorkers())
	})
}

// renderTileWithFallback implements the normal (non-debug) decision tree
// from §4.E.
func (f *Frame) renderTileWithFallback(target tilekey.Coord, v viewport.State, idealLevel, maxLevel uint32) Outcome {
	rect := viewport.TileScreenRect(target, v)
	if !rect.Intersects(v) {
		return Skipped
	}

	entry, hit := f.cacheGet(target)
	if hit && entry.Decoded() {
		f.tileReceived(target)
		if bmp := f.processedOrRaw(target, entry.Bitmap(), true); bmp != nil {
			f.canvas.DrawBitmap(rect, bmp)
			return Rendered
		}
		// Processing cache miss at the ideal level: fall through to a
		// coarser tile per the miss policy instead of showing nothing.
	} else if target.Level == idealLevel {
		f.trackTile(target)
	}

	for level := idealLevel + 1; level <= maxLevel; level++ {
		coarse, subX, subY := target.Enclosing(level)
		coarseEntry, ok := f.cacheGet(coarse)
		if !ok || !coarseEntry.Decoded() {
			continue
		}
		bmp := coarseEntry.Bitmap()
		srcRect := subTileRect(bmp.Img.Bounds(), subX, subY, level-idealLevel)
		f.canvas.DrawBitmapRegion(rect, bmp, srcRect)
		// Kick off (but don't wait on) the processed version for this
		// fallback tile so the crisp version is ready next time it's the
		// ideal-level target.
		f.processedOrRaw(coarse, bmp, false)
		return Fallback
	}

	f.canvas.DrawPlaceholder(rect)
	return Placeholder
}

// renderForcedLevel is the debug-overlay path: draw exactly from
// forcedLevel, using fallback math if coarser or a sub-tile grid
// composite if finer.
func (f *Frame) renderForcedLevel(target tilekey.Coord, v viewport.State, forcedLevel, idealLevel, maxLevel uint32) Outcome {
	rect := viewport.TileScreenRect(target, v)
	if !rect.Intersects(v) {
		return Skipped
	}

	if forcedLevel >= target.Level {
		coarse, subX, subY := target.Enclosing(forcedLevel)
		entry, ok := f.cacheGet(coarse)
		if !ok || !entry.Decoded() {
			f.canvas.DrawPlaceholder(rect)
			return Placeholder
		}
		bmp := entry.Bitmap()
		srcRect := subTileRect(bmp.Img.Bounds(), subX, subY, forcedLevel-target.Level)
		f.canvas.DrawBitmapRegion(rect, bmp, srcRect)
		return Fallback
	}

	// Finer than target: composite a grid of sub-tiles at forcedLevel.
	scale := uint32(1) << (target.Level - forcedLevel)
	cellW := rect.W / float64(scale)
	cellH := rect.H / float64(scale)
	drewAny := false
	for gy := uint32(0); gy < scale; gy++ {
		for gx := uint32(0); gx < scale; gx++ {
			sub := tilekey.Coord{X: target.X*scale + gx, Y: target.Y*scale + gy, Level: forcedLevel}
			entry, ok := f.cacheGet(sub)
			cellRect := viewport.ScreenRect{X: rect.X + float64(gx)*cellW, Y: rect.Y + float64(gy)*cellH, W: cellW, H: cellH}
			if !ok || !entry.Decoded() {
				f.canvas.DrawPlaceholder(cellRect)
				continue
			}
			f.canvas.DrawBitmap(cellRect, entry.Bitmap())
			drewAny = true
		}
	}
	if drewAny {
		return Rendered
	}
	return Placeholder
}

// subTileRect computes the source sub-region, within a coarser bitmap, that
// corresponds to (subX,subY) at the given level shift, scaled to the
// bitmap's actual (possibly edge-truncated) pixel extent.
func subTileRect(bounds image.Rectangle, subX, subY, shift uint32) image.Rectangle {
	scale := uint32(1) << shift
	w := bounds.Dx() / int(scale)
	h := bounds.Dy() / int(scale)
	x0 := bounds.Min.X + int(subX)*w
	y0 := bounds.Min.Y + int(subY)*h
	return image.Rect(x0, y0, x0+w, y0+h)
}

func (f *Frame) cacheGet(c tilekey.Coord) (*cache.Entry, bool) {
	if f.cache == nil {
		return nil, false
	}
	return f.cache.Get(c)
}

func (f *Frame) tileReceived(c tilekey.Coord) {
	if f.retry != nil {
		f.retry.TileReceived(c)
	}
}

func (f *Frame) trackTile(c tilekey.Coord) {
	if f.retry != nil {
		f.retry.TrackTile(c)
	}
}

// processedOrRaw returns the bitmap to draw for an ideal-level tile: the
// processed version if the pipeline is active, falling back to nil on a
// cache miss when requireProcessed is true (the ideal-level miss policy),
// or the raw bitmap immediately when requireProcessed is false (the
// fallback-level policy, which always has coverage).
func (f *Frame) processedOrRaw(c tilekey.Coord, bmp *bitmap.Bitmap, requireProcessed bool) *bitmap.Bitmap {
	if f.pipeline == nil || f.cfg.IsNoop() {
		return bmp
	}
	processed, ok := f.pipeline.Apply(f.slideID, c.Key(), bmp, f.cfg)
	if ok {
		return processed
	}
	if requireProcessed {
		return nil
	}
	return bmp
}

// prefetch warms the processed-bitmap cache for tiles around the visible
// set at the ideal level and 1-2 coarser levels, per §4.E step 9.
func (f *Frame) prefetch(v viewport.State, img viewport.Image, idealLevel, maxLevel uint32) {
	if f.pipeline == nil || f.cfg.IsNoop() || f.cache == nil {
		return
	}

	// One ideal-level tile spans TileSize << idealLevel level-0 pixels.
	pad := float64(prefetchMargin) * float64(uint64(tilekey.TileSize)<<idealLevel)
	margin := v
	margin.X -= pad
	margin.Y -= pad
	margin.Width += 2 * pad * v.Zoom
	margin.Height += 2 * pad * v.Zoom

	levels := []uint32{idealLevel}
	if idealLevel+1 <= maxLevel {
		levels = append(levels, idealLevel+1)
	}
	if idealLevel+2 <= maxLevel {
		levels = append(levels, idealLevel+2)
	}

	for _, level := range levels {
		for _, c := range viewport.VisibleTilesForLevel(margin, img, level) {
			entry, ok := f.cache.Get(c)
			if !ok || !entry.Decoded() {
				continue
			}
			f.pipeline.Apply(f.slideID, c.Key(), entry.Bitmap(), f.cfg)
		}
	}
}
