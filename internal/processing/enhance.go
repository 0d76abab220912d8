package processing

import (
	"image"
	"image/color"
	"math"
)

// EnhanceMode selects a stain-enhancement transform.
type EnhanceMode string

const (
	EnhanceNone EnhanceMode = "none"
	EnhanceGram EnhanceMode = "gram" // Gram-stain style contrast boost, HSL
	EnhanceAFB  EnhanceMode = "afb"  // acid-fast-bacilli style red/magenta boost, HSL
	EnhanceGMS  EnhanceMode = "gms"  // silver-stain style, Lab
)

// Enhance applies the named per-pixel perceptual transform. Constants
// below are fixed working points, not server-negotiated; they were picked
// to give each stain family a visibly distinct, stable boost rather than
// to match a specific published algorithm.
func Enhance(img *image.NRGBA, mode EnhanceMode) *image.NRGBA {
	switch mode {
	case EnhanceGram:
		return mapPixels(img, enhanceGramPixel)
	case EnhanceAFB:
		return mapPixels(img, enhanceAFBPixel)
	case EnhanceGMS:
		return mapPixels(img, enhanceGMSPixel)
	default:
		return img
	}
}

func mapPixels(img *image.NRGBA, fn func(color.NRGBA) color.NRGBA) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.SetNRGBA(x, y, fn(img.NRGBAAt(x, y)))
		}
	}
	return out
}

// enhanceGramPixel widens saturation around the violet/blue hue band
// (crystal-violet-stained gram-positive structures) and lifts midtone
// lightness slightly to counteract the typical low-contrast scan.
func enhanceGramPixel(c color.NRGBA) color.NRGBA {
	h, s, l := rgbToHSLf(c.R, c.G, c.B)

	const hueCenter = 0.72 // violet/blue, hue in [0,1)
	const hueWidth = 0.12
	dist := hueDistance(h, hueCenter)
	if dist < hueWidth {
		weight := 1 - dist/hueWidth
		s = clampF(s*(1+0.35*weight), 0, 1)
	}
	l = clampF(l+0.06*(1-math.Abs(l-0.5)*2), 0, 1)

	r, g, b := hslToRGBf(h, s, l)
	return color.NRGBA{R: r, G: g, B: b, A: c.A}
}

// enhanceAFBPixel boosts the red/magenta hue band (carbol-fuchsin-stained
// acid-fast bacilli against a methylene-blue counterstain).
func enhanceAFBPixel(c color.NRGBA) color.NRGBA {
	h, s, l := rgbToHSLf(c.R, c.G, c.B)

	const hueCenter = 0.98 // red/magenta
	const hueWidth = 0.08
	dist := hueDistance(h, hueCenter)
	if dist < hueWidth {
		weight := 1 - dist/hueWidth
		s = clampF(s*(1+0.5*weight), 0, 1)
		l = clampF(l*(1-0.1*weight), 0, 1) // darken to increase apparent contrast
	}

	r, g, b := hslToRGBf(h, s, l)
	return color.NRGBA{R: r, G: g, B: b, A: c.A}
}

// enhanceGMSPixel works in Lab and expands the b* (yellow-blue) axis,
// since silver-stained structures read as dark brown/black against a
// green counterstain and separate best along that axis.
func enhanceGMSPixel(c color.NRGBA) color.NRGBA {
	l, a, b := rgbToLab(c.R, c.G, c.B)
	b = b * 1.3
	a = a * 1.1
	r, g, bl := labToRGB(l, a, b)
	return color.NRGBA{R: r, G: g, B: bl, A: c.A}
}

func hueDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 0.5 {
		d = 1 - d
	}
	return d
}

// rgbToHSLf converts 8-bit RGB to float HSL in [0,1] ranges, convenient
// for the multiplicative curve adjustments the enhancement transforms need.
func rgbToHSLf(r, g, b uint8) (h, s, l float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	maxv := math.Max(rf, math.Max(gf, bf))
	minv := math.Min(rf, math.Min(gf, bf))
	l = (maxv + minv) / 2

	delta := maxv - minv
	if delta < 1e-9 {
		return 0, 0, l
	}

	if l < 0.5 {
		s = delta / (maxv + minv)
	} else {
		s = delta / (2 - maxv - minv)
	}

	switch maxv {
	case rf:
		h = (gf - bf) / delta
		if gf < bf {
			h += 6
		}
	case gf:
		h = (bf-rf)/delta + 2
	default:
		h = (rf-gf)/delta + 4
	}
	h /= 6
	return
}

func hslToRGBf(h, s, l float64) (r, g, b uint8) {
	if s < 1e-9 {
		v := clampU8F(l * 255)
		return v, v, v
	}
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	r = clampU8F(hueToRGB(p, q, h+1.0/3) * 255)
	g = clampU8F(hueToRGB(p, q, h) * 255)
	b = clampU8F(hueToRGB(p, q, h-1.0/3) * 255)
	return
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}

// rgbToLab converts sRGB to CIE Lab via the D65 XYZ intermediate.
func rgbToLab(r, g, b uint8) (l, a, bb float64) {
	rl, gl, bl := srgbToLinear(r), srgbToLinear(g), srgbToLinear(b)

	x := rl*0.4124 + gl*0.3576 + bl*0.1805
	y := rl*0.2126 + gl*0.7152 + bl*0.0722
	z := rl*0.0193 + gl*0.1192 + bl*0.9505

	const xn, yn, zn = 0.95047, 1.0, 1.08883
	fx, fy, fz := labF(x/xn), labF(y/yn), labF(z/zn)

	l = 116*fy - 16
	a = 500 * (fx - fy)
	bb = 200 * (fy - fz)
	return
}

func labToRGB(l, a, b float64) (r, g, bl uint8) {
	fy := (l + 16) / 116
	fx := fy + a/500
	fz := fy - b/200

	const xn, yn, zn = 0.95047, 1.0, 1.08883
	x := xn * labFInv(fx)
	y := yn * labFInv(fy)
	z := zn * labFInv(fz)

	rl := x*3.2406 + y*-1.5372 + z*-0.4986
	gl := x*-0.9689 + y*1.8758 + z*0.0415
	bll := x*0.0557 + y*-0.2040 + z*1.0570

	return linearToSRGB(rl), linearToSRGB(gl), linearToSRGB(bll)
}

func srgbToLinear(c uint8) float64 {
	v := float64(c) / 255
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

func linearToSRGB(v float64) uint8 {
	v = clampF(v, 0, 1)
	var s float64
	if v <= 0.0031308 {
		s = v * 12.92
	} else {
		s = 1.055*math.Pow(v, 1/2.4) - 0.055
	}
	return clampU8F(s * 255)
}

func labF(t float64) float64 {
	const delta = 6.0 / 29.0
	if t > delta*delta*delta {
		return math.Cbrt(t)
	}
	return t/(3*delta*delta) + 4.0/29.0
}

func labFInv(t float64) float64 {
	const delta = 6.0 / 29.0
	if t > delta {
		return t * t * t
	}
	return 3 * delta * delta * (t - 4.0/29.0)
}
