package solver

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

var (
	// ErrInvalidImage is returned for nil, empty or malformed frames.
	ErrInvalidImage = errors.New("invalid image")
	// ErrShapeMismatch is returned when two frames of a solve differ in size.
	ErrShapeMismatch = errors.New("image shapes differ")
)

// Image is a single channel intensity grid stored row-major.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage wraps pix as a width x height frame. pix is not copied.
func NewImage(width, height int, pix []float64) (*Image, error) {
	img := &Image{Width: width, Height: height, Pix: pix}
	if err := img.validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// FromGray8 builds a frame from 8-bit samples.
func FromGray8(width, height int, pix []uint8) (*Image, error) {
	out := make([]float64, len(pix))
	for i, v := range pix {
		out[i] = float64(v)
	}
	return NewImage(width, height, out)
}

// FromGray16 builds a frame from 16-bit samples.
func FromGray16(width, height int, pix []uint16) (*Image, error) {
	out := make([]float64, len(pix))
	for i, v := range pix {
		out[i] = float64(v)
	}
	return NewImage(width, height, out)
}

// FromImage converts any decoded raster to 16-bit luminance.
func FromImage(src image.Image) (*Image, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidImage)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]float64, 0, w*h)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16)
			pix = append(pix, float64(g.Y))
		}
	}
	return NewImage(w, h, pix)
}

func (m *Image) validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidImage)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidImage, m.Width, m.Height)
	}
	if len(m.Pix) != m.Width*m.Height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrInvalidImage, len(m.Pix), m.Width, m.Height)
	}
	return nil
}

// At returns the sample at (x, y). Out of range coordinates read as zero.
func (m *Image) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Pix[y*m.Width+x]
}

// Center is the geometric center of the frame, (w/2, h/2).
func (m *Image) Center() Point {
	return Point{X: float64(m.Width) / 2, Y: float64(m.Height) / 2}
}

// Normalize rescales samples in place to [0, 255]. Flat frames become zero.
func (m *Image) Normalize() {
	if len(m.Pix) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range m.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for i, v := range m.Pix {
		if span <= 0 {
			m.Pix[i] = 0
			continue
		}
		m.Pix[i] = (v - lo) / span * 255
	}
}

func sameShape(a, b *Image) error {
	if err := a.validate(); err != nil {
		return fmt.Errorf("frame A: %w", err)
	}
	if err := b.validate(); err != nil {
		return fmt.Errorf("frame B: %w", err)
	}
	if a.Width != b.Width || a.Height != b.Height {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	return nil
}
