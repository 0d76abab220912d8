package processing

import (
	"image"
	"image/color"

	"github.com/disintegration/gift"
)

// sharpenBlurSigma is the Gaussian sigma that approximates the spec's fixed
// 3x3 kernel (1 2 1; 2 4 2; 1 2 1)/16 — that kernel is itself a discrete
// binomial approximation of a Gaussian with variance 0.5 per axis, i.e.
// sigma = 1/sqrt(2).
const sharpenBlurSigma = 0.7071

// Sharpen applies a luminance-only unsharp mask: blur the luminance channel
// with a Gaussian blur, push each pixel's luminance away from its blurred
// neighborhood by amount, then rescale RGB to preserve color ratios.
// intensity is 0-100; amount = 0.8 * (intensity/100).
func Sharpen(img *image.NRGBA, intensity int) *image.NRGBA {
	if intensity <= 0 {
		return img
	}
	amount := 0.8 * (float64(intensity) / 100.0)

	bounds := img.Bounds()
	lum := luminanceImage(img)
	blurred := blurGray(lum)

	out := image.NewNRGBA(bounds)
	const epsilon = 1e-6
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			l := float64(lum.GrayAt(x, y).Y)
			lBlur := float64(blurred.GrayAt(x, y).Y)
			lPrime := clampF(l+amount*(l-lBlur), 0, 255)

			scale := lPrime / maxF(l, epsilon)
			out.SetNRGBA(x, y, color.NRGBA{
				R: clampU8F(float64(c.R) * scale),
				G: clampU8F(float64(c.G) * scale),
				B: clampU8F(float64(c.B) * scale),
				A: c.A,
			})
		}
	}
	return out
}

// luminanceImage reduces an NRGBA image to its Rec.601 luma channel.
func luminanceImage(img *image.NRGBA) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			gray.SetGray(x, y, color.Gray{Y: clampU8F(luminance(c.R, c.G, c.B))})
		}
	}
	return gray
}

// blurGray applies a Gaussian blur, matching the teacher's
// internal/mask/processor.go GaussianBlur helper.
func blurGray(src *image.Gray) *image.Gray {
	g := gift.New(gift.GaussianBlur(sharpenBlurSigma))
	dst := image.NewGray(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

func luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampU8F(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
