package processing

import (
	"image"
	"image/color"
	"math"
	"sort"
)

// NormMode selects a stain-normalization method.
type NormMode string

const (
	NormNone    NormMode = "none"
	NormMacenko NormMode = "macenko"
	NormVahadane NormMode = "vahadane"
)

const (
	backgroundThreshold = 240.0 / 255.0
	odNormThreshold     = 0.15
	minSamples          = 1000
	minTiles            = 3

	minConcentrationScale = 0.0
	maxConcentrationScale = 1.5
)

// refStainVectors and refMaxConcentration are the standard H&E reference
// values (hematoxylin, eosin columns; R,G,B rows in optical-density
// space) used as the target every slide's estimated stain matrix is mapped
// onto, per the Macenko 2009 reference implementation.
var refStainVectors = [3][2]float64{
	{0.5626, 0.2159},
	{0.7201, 0.8012},
	{0.4062, 0.5581},
}

var refMaxConcentration = [2]float64{1.9705, 1.0308}

// Params is an estimated (or reference) stain separation: a 3x2 optical
// density matrix S (columns are stain vectors) and the per-stain maximum
// concentration m2 used to rescale a slide's concentrations onto the
// reference's dynamic range.
type Params struct {
	S  [3][2]float64
	M2 [2]float64
}

// Accumulator collects optical-density samples from non-background pixels
// across tiles until there is enough material to estimate stain
// parameters, per §4.E: at least minSamples samples spanning at least
// minTiles distinct tiles.
type Accumulator struct {
	samples    [][3]float64
	tilesSeen  map[uint64]struct{}
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{tilesSeen: make(map[uint64]struct{})}
}

// AddTile scans img for non-background, non-near-zero-OD pixels and adds
// their optical densities to the sample pool, tagging tileKey as seen.
func (a *Accumulator) AddTile(tileKey uint64, img *image.NRGBA) {
	a.tilesSeen[tileKey] = struct{}{}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			rf, gf, bf := float64(c.R)/255, float64(c.G)/255, float64(c.B)/255
			if rf >= backgroundThreshold && gf >= backgroundThreshold && bf >= backgroundThreshold {
				continue
			}
			od := opticalDensity(rf, gf, bf)
			if odNorm(od) < odNormThreshold {
				continue
			}
			a.samples = append(a.samples, od)
		}
	}
}

// Ready reports whether enough material has accumulated to estimate.
func (a *Accumulator) Ready() bool {
	return len(a.samples) >= minSamples && len(a.tilesSeen) >= minTiles
}

func opticalDensity(r, g, b float64) [3]float64 {
	const eps = 1e-6
	return [3]float64{
		-math.Log10(clampF(r, eps, 1)),
		-math.Log10(clampF(g, eps, 1)),
		-math.Log10(clampF(b, eps, 1)),
	}
}

func odNorm(od [3]float64) float64 {
	return math.Sqrt(od[0]*od[0] + od[1]*od[1] + od[2]*od[2])
}

// EstimateMacenko estimates stain Params from the accumulated samples
// using covariance eigen-decomposition plus 1st/99th-percentile angle
// thresholding in the principal 2D subspace. Returns ok=false if Ready()
// would be false.
func (a *Accumulator) EstimateMacenko() (Params, bool) {
	if !a.Ready() {
		return Params{}, false
	}

	cov := covariance3(a.samples)
	_, vecs := jacobiEigen3(cov)
	// vecs[i] (a row) is the eigenvector for the i-th largest eigenvalue, as
	// sorted by jacobiEigen3.
	e1, e2 := vecs[0], vecs[1]

	type projected struct {
		angle float64
	}
	proj := make([]projected, len(a.samples))
	for i, s := range a.samples {
		x := dot3(s, e1)
		y := dot3(s, e2)
		proj[i] = projected{angle: math.Atan2(y, x)}
	}
	sort.Slice(proj, func(i, j int) bool { return proj[i].angle < proj[j].angle })

	lo := proj[int(float64(len(proj))*0.01)].angle
	hi := proj[int(float64(len(proj))*0.99)-1].angle

	vMin := addScaled3(scale3(e1, math.Cos(lo)), scale3(e2, math.Sin(lo)))
	vMax := addScaled3(scale3(e1, math.Cos(hi)), scale3(e2, math.Sin(hi)))

	// The hematoxylin vector has the larger red-channel OD component in
	// typical H&E staining; swap if necessary so column 0 is H.
	h, eo := vMin, vMax
	if vMin[0] < vMax[0] {
		h, eo = vMax, vMin
	}
	h = normalize3(h)
	eo = normalize3(eo)

	S := [3][2]float64{{h[0], eo[0]}, {h[1], eo[1]}, {h[2], eo[2]}}
	m2 := concentrationPercentile(a.samples, S, 0.99)

	return Params{S: S, M2: m2}, true
}

// EstimateVahadane estimates Params via non-negative matrix factorization
// (multiplicative updates, 50 iterations), initialized from the reference
// H&E vectors rather than a random start, which keeps the two factorized
// components from swapping identity between runs.
func (a *Accumulator) EstimateVahadane() (Params, bool) {
	if !a.Ready() {
		return Params{}, false
	}

	n := len(a.samples)
	// V is 3xN (OD samples as columns); W is 3x2 (stain vectors), H is 2xN
	// (concentrations). Multiplicative updates minimize ||V - W*H||.
	W := refStainVectors
	H := make([][2]float64, n)
	for i := range H {
		H[i] = [2]float64{0.5, 0.5}
	}

	for iter := 0; iter < 50; iter++ {
		// Update H: H *= (W^T V) / (W^T W H)
		wtw := mat2x2FromWtW(W)
		for i, s := range a.samples {
			wtv := [2]float64{
				W[0][0]*s[0] + W[1][0]*s[1] + W[2][0]*s[2],
				W[0][1]*s[0] + W[1][1]*s[1] + W[2][1]*s[2],
			}
			wtwh := [2]float64{
				wtw[0][0]*H[i][0] + wtw[0][1]*H[i][1],
				wtw[1][0]*H[i][0] + wtw[1][1]*H[i][1],
			}
			H[i][0] *= safeDiv(wtv[0], wtwh[0])
			H[i][1] *= safeDiv(wtv[1], wtwh[1])
		}

		// Update W: W *= (V H^T) / (W H H^T)
		hht := [2][2]float64{}
		vht := [3][2]float64{}
		for i, s := range a.samples {
			hht[0][0] += H[i][0] * H[i][0]
			hht[0][1] += H[i][0] * H[i][1]
			hht[1][0] += H[i][1] * H[i][0]
			hht[1][1] += H[i][1] * H[i][1]
			vht[0][0] += s[0] * H[i][0]
			vht[0][1] += s[0] * H[i][1]
			vht[1][0] += s[1] * H[i][0]
			vht[1][1] += s[1] * H[i][1]
			vht[2][0] += s[2] * H[i][0]
			vht[2][1] += s[2] * H[i][1]
		}
		for r := 0; r < 3; r++ {
			whht := [2]float64{
				W[r][0]*hht[0][0] + W[r][1]*hht[1][0],
				W[r][0]*hht[0][1] + W[r][1]*hht[1][1],
			}
			W[r][0] *= safeDiv(vht[r][0], whht[0])
			W[r][1] *= safeDiv(vht[r][1], whht[1])
		}
	}

	h := normalize3([3]float64{W[0][0], W[1][0], W[2][0]})
	eo := normalize3([3]float64{W[0][1], W[1][1], W[2][1]})
	S := [3][2]float64{{h[0], eo[0]}, {h[1], eo[1]}, {h[2], eo[2]}}
	m2 := concentrationPercentile(a.samples, S, 0.99)

	return Params{S: S, M2: m2}, true
}

func mat2x2FromWtW(W [3][2]float64) [2][2]float64 {
	var m [2][2]float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for r := 0; r < 3; r++ {
				m[i][j] += W[r][i] * W[r][j]
			}
		}
	}
	return m
}

func safeDiv(a, b float64) float64 {
	const eps = 1e-12
	if math.Abs(b) < eps {
		return 1
	}
	return a / b
}

func concentrationPercentile(samples [][3]float64, S [3][2]float64, pct float64) [2]float64 {
	pinv := pseudoInverse3x2(S)
	c0 := make([]float64, len(samples))
	c1 := make([]float64, len(samples))
	for i, s := range samples {
		c0[i] = pinv[0][0]*s[0] + pinv[0][1]*s[1] + pinv[0][2]*s[2]
		c1[i] = pinv[1][0]*s[0] + pinv[1][1]*s[1] + pinv[1][2]*s[2]
	}
	sort.Float64s(c0)
	sort.Float64s(c1)
	idx := int(float64(len(samples)) * pct)
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return [2]float64{math.Max(c0[idx], 1e-6), math.Max(c1[idx], 1e-6)}
}

// pseudoInverse3x2 computes the Moore-Penrose pseudo-inverse of a 3x2
// matrix S as (S^T S)^-1 S^T, returning a 2x3 matrix.
func pseudoInverse3x2(S [3][2]float64) [2][3]float64 {
	var sts [2][2]float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for r := 0; r < 3; r++ {
				sts[i][j] += S[r][i] * S[r][j]
			}
		}
	}
	det := sts[0][0]*sts[1][1] - sts[0][1]*sts[1][0]
	if math.Abs(det) < 1e-12 {
		det = 1e-12
	}
	inv := [2][2]float64{
		{sts[1][1] / det, -sts[0][1] / det},
		{-sts[1][0] / det, sts[0][0] / det},
	}
	var out [2][3]float64
	for i := 0; i < 2; i++ {
		for r := 0; r < 3; r++ {
			out[i][r] = inv[i][0]*S[r][0] + inv[i][1]*S[r][1]
		}
	}
	return out
}

// Normalize maps img's colors from its own estimated (or reference) stain
// space onto refStainVectors/refMaxConcentration via the standard
// deconvolve-rescale-reconstruct pipeline.
func Normalize(img *image.NRGBA, p Params) *image.NRGBA {
	pinv := pseudoInverse3x2(p.S)
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			rf, gf, bf := float64(c.R)/255, float64(c.G)/255, float64(c.B)/255
			od := opticalDensity(rf, gf, bf)

			conc := [2]float64{
				pinv[0][0]*od[0] + pinv[0][1]*od[1] + pinv[0][2]*od[2],
				pinv[1][0]*od[0] + pinv[1][1]*od[1] + pinv[1][2]*od[2],
			}
			normConc := [2]float64{
				clampF(conc[0]/p.M2[0]*refMaxConcentration[0], minConcentrationScale, maxConcentrationScale),
				clampF(conc[1]/p.M2[1]*refMaxConcentration[1], minConcentrationScale, maxConcentrationScale),
			}

			odPrime := [3]float64{
				refStainVectors[0][0]*normConc[0] + refStainVectors[0][1]*normConc[1],
				refStainVectors[1][0]*normConc[0] + refStainVectors[1][1]*normConc[1],
				refStainVectors[2][0]*normConc[0] + refStainVectors[2][1]*normConc[1],
			}

			out.SetNRGBA(x, y, color.NRGBA{
				R: clampU8F(math.Pow(10, -odPrime[0]) * 255),
				G: clampU8F(math.Pow(10, -odPrime[1]) * 255),
				B: clampU8F(math.Pow(10, -odPrime[2]) * 255),
				A: c.A,
			})
		}
	}
	return out
}

func covariance3(samples [][3]float64) [3][3]float64 {
	var mean [3]float64
	for _, s := range samples {
		mean[0] += s[0]
		mean[1] += s[1]
		mean[2] += s[2]
	}
	n := float64(len(samples))
	mean[0] /= n
	mean[1] /= n
	mean[2] /= n

	var cov [3][3]float64
	for _, s := range samples {
		d := [3]float64{s[0] - mean[0], s[1] - mean[1], s[2] - mean[2]}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[i][j] += d[i] * d[j]
			}
		}
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			cov[i][j] /= n
		}
	}
	return cov
}

// jacobiEigen3 computes eigenvalues/eigenvectors of a symmetric 3x3 matrix
// via the cyclic Jacobi rotation method, returning them sorted by
// descending eigenvalue.
func jacobiEigen3(m [3][3]float64) ([3]float64, [3][3]float64) {
	a := m
	v := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	for sweep := 0; sweep < 50; sweep++ {
		off := math.Abs(a[0][1]) + math.Abs(a[0][2]) + math.Abs(a[1][2])
		if off < 1e-12 {
			break
		}
		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if math.Abs(a[p][q]) < 1e-15 {
					continue
				}
				theta := (a[q][q] - a[p][p]) / (2 * a[p][q])
				t := sign(theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				app, aqq, apq := a[p][p], a[q][q], a[p][q]
				a[p][p] = c*c*app - 2*s*c*apq + s*s*aqq
				a[q][q] = s*s*app + 2*s*c*apq + c*c*aqq
				a[p][q] = 0
				a[q][p] = 0
				for r := 0; r < 3; r++ {
					if r != p && r != q {
						arp, arq := a[r][p], a[r][q]
						a[r][p] = c*arp - s*arq
						a[p][r] = a[r][p]
						a[r][q] = s*arp + c*arq
						a[q][r] = a[r][q]
					}
				}
				for r := 0; r < 3; r++ {
					vrp, vrq := v[r][p], v[r][q]
					v[r][p] = c*vrp - s*vrq
					v[r][q] = s*vrp + c*vrq
				}
			}
		}
	}

	eigVals := [3]float64{a[0][0], a[1][1], a[2][2]}
	idx := []int{0, 1, 2}
	sort.Slice(idx, func(i, j int) bool { return eigVals[idx[i]] > eigVals[idx[j]] })

	var sortedVals [3]float64
	var sortedVecs [3][3]float64
	for i, k := range idx {
		sortedVals[i] = eigVals[k]
		sortedVecs[i] = [3]float64{v[0][k], v[1][k], v[2][k]}
	}
	return sortedVals, sortedVecs
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func dot3(a [3]float64, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func scale3(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

func addScaled3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func normalize3(a [3]float64) [3]float64 {
	n := math.Sqrt(dot3(a, a))
	if n < 1e-12 {
		return a
	}
	return [3]float64{a[0] / n, a[1] / n, a[2] / n}
}
