package cliapp

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/webp"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
)

// wireDecoder decodes server-sent tile payloads. The wire format is
// server-selected (spec §6 names WebP as the expected default) with PNG and
// JPEG accepted as well, detected from the leading magic bytes rather than
// an out-of-band content type.
type wireDecoder struct{}

func (wireDecoder) Decode(payload []byte) (*bitmap.Bitmap, error) {
	img, err := decodeTileImage(payload)
	if err != nil {
		return nil, err
	}
	return bitmap.New(toNRGBA(img)), nil
}

func decodeTileImage(payload []byte) (image.Image, error) {
	r := bytes.NewReader(payload)
	switch {
	case len(payload) >= 12 && string(payload[0:4]) == "RIFF" && string(payload[8:12]) == "WEBP":
		return webp.Decode(r)
	case len(payload) >= 8 && bytes.Equal(payload[0:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
		return png.Decode(r)
	case len(payload) >= 2 && payload[0] == 0xFF && payload[1] == 0xD8:
		return jpeg.Decode(r)
	default:
		return nil, fmt.Errorf("tile decode: unrecognized image format (%d bytes)", len(payload))
	}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
