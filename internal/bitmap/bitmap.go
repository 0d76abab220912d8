// Package bitmap defines the decoded-tile representation shared by the
// cache, processing pipeline, and renderer. There is no real GPU handle in
// a headless Go client; a Bitmap simply owns an *image.NRGBA and tracks its
// actual pixel extent, since edge tiles may decode smaller than the
// nominal tile footprint.
package bitmap

import "image"

// Bitmap is a decoded tile image. Once attached to a cache entry it is
// never mutated in place; replacement means swapping the pointer, not
// editing pixels.
type Bitmap struct {
	Img *image.NRGBA
}

// New wraps an already-decoded image.
func New(img *image.NRGBA) *Bitmap {
	return &Bitmap{Img: img}
}

// Width returns the bitmap's actual pixel width, which may be smaller than
// the nominal tile footprint for edge tiles.
func (b *Bitmap) Width() int {
	if b == nil || b.Img == nil {
		return 0
	}
	return b.Img.Bounds().Dx()
}

// Height returns the bitmap's actual pixel height.
func (b *Bitmap) Height() int {
	if b == nil || b.Img == nil {
		return 0
	}
	return b.Img.Bounds().Dy()
}

// Dispose releases the backing pixel buffer. Safe to call multiple times.
func (b *Bitmap) Dispose() {
	if b == nil {
		return
	}
	b.Img = nil
}
