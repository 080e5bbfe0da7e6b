// Package simulate renders synthetic star fields and rotated copies of them
// for exercising the solver without a camera.
package simulate

import (
	"math"
	"math/rand"

	"polaralign/internal/solver"
)

// FieldOptions describes a synthetic frame.
type FieldOptions struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Stars      int     `json:"stars"`
	Seed       int64   `json:"seed"`
	Background float64 `json:"background"`
	Noise      float64 `json:"noise"`     // gaussian sigma added to every pixel
	PSFSigma   float64 `json:"psf_sigma"` // gaussian PSF width in pixels
	MinFlux    float64 `json:"min_flux"`  // peak amplitude range above background
	MaxFlux    float64 `json:"max_flux"`
	Vignetting float64 `json:"vignetting"` // fractional darkening at the corners
	Polaris    bool    `json:"polaris"`    // add one saturated-looking star near the center
}

func DefaultFieldOptions() FieldOptions {
	return FieldOptions{
		Width:      1280,
		Height:     960,
		Stars:      500,
		Seed:       42,
		Background: 20,
		PSFSigma:   1.4,
		MinFlux:    30,
		MaxFlux:    220,
	}
}

// Field is a rendered frame together with the stars that produced it.
type Field struct {
	Image *solver.Image
	Stars []solver.Star
}

// StarField renders a deterministic field for the given seed.
func StarField(opts FieldOptions) *Field {
	if opts.PSFSigma <= 0 {
		opts.PSFSigma = 1.4
	}
	if opts.MaxFlux < opts.MinFlux {
		opts.MaxFlux = opts.MinFlux
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	w, h := opts.Width, opts.Height
	pix := make([]float64, w*h)
	for i := range pix {
		pix[i] = opts.Background
	}

	stars := make([]solver.Star, 0, opts.Stars+1)
	ratio := 1.0
	if opts.MinFlux > 0 {
		ratio = opts.MaxFlux / opts.MinFlux
	}
	for i := 0; i < opts.Stars; i++ {
		s := solver.Star{
			Point: solver.Point{X: rng.Float64() * float64(w-1), Y: rng.Float64() * float64(h-1)},
			// log-uniform so faint stars outnumber bright ones
			Intensity: opts.MinFlux * math.Pow(ratio, rng.Float64()),
		}
		stars = append(stars, s)
	}
	if opts.Polaris {
		stars = append(stars, solver.Star{
			Point:     solver.Point{X: float64(w) * 0.53, Y: float64(h) * 0.48},
			Intensity: opts.MaxFlux * 2,
		})
	}

	for _, s := range stars {
		renderPSF(pix, w, h, s, opts.PSFSigma)
	}
	if opts.Vignetting > 0 {
		vignette(pix, w, h, opts.Vignetting)
	}
	img := &solver.Image{Width: w, Height: h, Pix: pix}
	if opts.Noise > 0 {
		AddNoise(img, opts.Noise, opts.Seed+1)
	}
	return &Field{Image: img, Stars: stars}
}

func renderPSF(pix []float64, w, h int, s solver.Star, sigma float64) {
	r := int(math.Ceil(4 * sigma))
	cx, cy := int(math.Round(s.X)), int(math.Round(s.Y))
	inv := 1 / (2 * sigma * sigma)
	for y := max(cy-r, 0); y <= min(cy+r, h-1); y++ {
		dy := float64(y) - s.Y
		for x := max(cx-r, 0); x <= min(cx+r, w-1); x++ {
			dx := float64(x) - s.X
			pix[y*w+x] += s.Intensity * math.Exp(-(dx*dx+dy*dy)*inv)
		}
	}
}

func vignette(pix []float64, w, h int, strength float64) {
	cx, cy := float64(w)/2, float64(h)/2
	maxR2 := cx*cx + cy*cy
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			pix[y*w+x] *= 1 - strength*(dx*dx+dy*dy)/maxR2
		}
	}
}

// AddNoise adds zero-mean gaussian noise in place. Samples are not clipped.
func AddNoise(img *solver.Image, sigma float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range img.Pix {
		img.Pix[i] += rng.NormFloat64() * sigma
	}
}

// Rotate resamples img so that a feature at p lands on R(p-center)+center,
// the same convention solver.RotatePoints uses. Uncovered pixels take fill.
func Rotate(img *solver.Image, center solver.Point, deg, fill float64) *solver.Image {
	w, h := img.Width, img.Height
	out := make([]float64, w*h)
	s, c := math.Sincos(deg * math.Pi / 180)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// inverse map: source = R^-1 (dst - center) + center
			dx, dy := float64(x)-center.X, float64(y)-center.Y
			sx := c*dx + s*dy + center.X
			sy := -s*dx + c*dy + center.Y
			out[y*w+x] = bilinear(img, sx, sy, fill)
		}
	}
	return &solver.Image{Width: w, Height: h, Pix: out}
}

func bilinear(img *solver.Image, x, y, fill float64) float64 {
	if x < 0 || y < 0 || x > float64(img.Width-1) || y > float64(img.Height-1) {
		return fill
	}
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, img.Width-1), min(y0+1, img.Height-1)
	fx, fy := x-float64(x0), y-float64(y0)
	w := img.Width
	top := img.Pix[y0*w+x0]*(1-fx) + img.Pix[y0*w+x1]*fx
	bot := img.Pix[y1*w+x0]*(1-fx) + img.Pix[y1*w+x1]*fx
	return top*(1-fy) + bot*fy
}

// PairOptions describes a simulated two-frame capture.
type PairOptions struct {
	Field  FieldOptions `json:"field"`
	Angle  float64      `json:"angle"`
	Center solver.Point `json:"center"` // true rotation axis in pixels
	Noise  float64      `json:"noise"`  // extra noise on frame B
}

// Capture is a simulated frame pair with its ground truth.
type Capture struct {
	A, B   *solver.Image
	Stars  []solver.Star
	Angle  float64
	Center solver.Point
}

// RotationPair renders frame A, then frame B as A rotated about Center.
func RotationPair(opts PairOptions) *Capture {
	field := StarField(opts.Field)
	b := Rotate(field.Image, opts.Center, opts.Angle, opts.Field.Background)
	if opts.Noise > 0 {
		AddNoise(b, opts.Noise, opts.Field.Seed+7)
	}
	return &Capture{A: field.Image, B: b, Stars: field.Stars, Angle: opts.Angle, Center: opts.Center}
}
