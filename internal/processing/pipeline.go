// Package processing implements the optional post-decode color pipeline:
// stain normalization, stain enhancement, and unsharp-mask sharpening,
// orchestrated through a processed-bitmap cache and an off-thread worker
// pool so the render loop never blocks on them.
package processing

import (
	"context"
	"sync"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/worker"
)

// TransformConfig is the set of optional transforms applied, in order,
// to a decoded tile: normalization, then enhancement, then sharpening.
type TransformConfig struct {
	NormMode         NormMode
	NormParams       Params // ignored when NormMode == NormNone
	EnhanceMode      EnhanceMode
	SharpenEnabled   bool
	SharpenIntensity int // 0-100
}

// IsNoop reports whether every transform is disabled, the fast path where
// the raw decoded bitmap is drawn directly.
func (c TransformConfig) IsNoop() bool {
	return c.NormMode == NormNone && c.EnhanceMode == EnhanceNone && !c.SharpenEnabled
}

func (c TransformConfig) cacheKey(slideID string, tileKey uint64) Key {
	return Key{
		SlideID:          slideID,
		TileKey:          tileKey,
		NormMode:         c.NormMode,
		EnhanceMode:      c.EnhanceMode,
		SharpenEnabled:   c.SharpenEnabled,
		SharpenIntensity: c.SharpenIntensity,
	}
}

// Pipeline wires the processed-bitmap Cache to a worker.Pool: Apply never
// blocks. On a cache hit it returns the processed bitmap synchronously; on
// a miss it submits (at most once per key while pending) an off-thread job
// and returns false, so the caller falls through to a coarser or raw tile.
type Pipeline struct {
	cache *Cache
	pool  *worker.Pool

	mu       sync.Mutex
	inFlight map[string]struct{}

	onReady func(Key, *bitmap.Bitmap)
}

// New creates a Pipeline backed by cache and pool. onReady fires once a
// submitted job's result lands in the cache, so the caller can re-request
// a render.
func New(cache *Cache, pool *worker.Pool, onReady func(Key, *bitmap.Bitmap)) *Pipeline {
	p := &Pipeline{
		cache:    cache,
		pool:     pool,
		inFlight: make(map[string]struct{}),
		onReady:  onReady,
	}
	return p
}

// Apply looks up the processed bitmap for (slideID, tileKey, cfg). On a
// hit it returns (bitmap, true). On a miss, if cfg is a no-op it returns
// (src, true) directly (the fast path); otherwise it enqueues a processing
// job (unless one is already in flight for this key) and returns (nil,
// false).
func (p *Pipeline) Apply(slideID string, tileKey uint64, src *bitmap.Bitmap, cfg TransformConfig) (*bitmap.Bitmap, bool) {
	if cfg.IsNoop() {
		return src, true
	}

	key := cfg.cacheKey(slideID, tileKey)
	if hit, ok := p.cache.Get(key); ok {
		return hit, true
	}

	p.mu.Lock()
	_, pending := p.inFlight[key.String()]
	if !pending {
		p.inFlight[key.String()] = struct{}{}
	}
	p.mu.Unlock()

	if !pending {
		p.pool.Submit(&transformJob{
			id:     key.String(),
			key:    key,
			src:    src,
			cfg:    cfg,
			onDone: p.complete,
		})
	}

	return nil, false
}

// CancelAllPending cancels every in-flight processing job, mirroring the
// cache's and retry manager's full-cancellation paths (e.g. on slide
// close).
func (p *Pipeline) CancelAllPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.inFlight {
		p.pool.Cancel(id)
	}
}

func (p *Pipeline) complete(key Key, bmp *bitmap.Bitmap, err error) {
	p.mu.Lock()
	delete(p.inFlight, key.String())
	p.mu.Unlock()

	if err != nil || bmp == nil {
		return
	}
	p.cache.Set(key, bmp)
	if p.onReady != nil {
		p.onReady(key, bmp)
	}
}

// transformJob runs the normalize -> enhance -> sharpen chain for one
// tile and reports back through onDone, implementing worker.Job.
type transformJob struct {
	id     string
	key    Key
	src    *bitmap.Bitmap
	cfg    TransformConfig
	onDone func(Key, *bitmap.Bitmap, error)
}

func (j *transformJob) ID() string { return j.id }

func (j *transformJob) Run(ctx context.Context) (any, error) {
	img := j.src.Img

	if j.cfg.NormMode != NormNone {
		img = Normalize(img, j.cfg.NormParams)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if j.cfg.EnhanceMode != EnhanceNone {
		img = Enhance(img, j.cfg.EnhanceMode)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if j.cfg.SharpenEnabled {
		img = Sharpen(img, j.cfg.SharpenIntensity)
	}

	out := bitmap.New(img)
	j.onDone(j.key, out, nil)
	return out, nil
}
