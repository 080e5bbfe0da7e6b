package frames

import (
	"errors"
	"fmt"
	"os"

	"github.com/astrogo/fitsio"

	"polaralign/internal/solver"
)

// readFITS returns the first two-dimensional image HDU of a FITS file in
// file row order.
func readFITS(path string) (*solver.Image, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("open fits: %w", err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := img.Header().Axes()
		if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		w, h := axes[0], axes[1]
		// colour cubes keep the first plane only
		data, err := readPixels(img, w*h*planes(axes))
		if err != nil {
			return nil, fmt.Errorf("read fits data: %w", err)
		}
		return solver.NewImage(w, h, data[:w*h])
	}
	return nil, errors.New("fits file has no 2D image")
}

// readPixels decodes n values in the HDU's own BITPIX and applies
// BSCALE/BZERO. Unsigned 16-bit camera data is stored as int16 with
// BZERO = 32768.
func readPixels(img fitsio.Image, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		raw := make([]uint8, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 64:
		raw := make([]int64, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -32:
		raw := make([]float32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}

	scale, zero := 1.0, cardFloat(img.Header(), "BZERO")
	if v := cardFloat(img.Header(), "BSCALE"); v != 0 {
		scale = v
	}
	if scale != 1 || zero != 0 {
		for i, v := range out {
			out[i] = v*scale + zero
		}
	}
	return out, nil
}

func planes(axes []int) int {
	n := 1
	for _, a := range axes[2:] {
		n *= a
	}
	return n
}

// WriteFITS stores img as a BITPIX -32 primary image.
func WriteFITS(path string, img *solver.Image) error {
	return WriteFITSWithMetadata(path, img, Metadata{})
}

// WriteFITSWithMetadata is WriteFITS plus the equipment keywords in m.
func WriteFITSWithMetadata(path string, img *solver.Image, m Metadata) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create fits: %w", err)
	}
	defer f.Close()

	data := make([]float32, len(img.Pix))
	for i, v := range img.Pix {
		data[i] = float32(v)
	}
	hdu := fitsio.NewImage(-32, []int{img.Width, img.Height})
	defer hdu.Close()
	if cards := fitsCards(m); len(cards) > 0 {
		if err := hdu.Header().Append(cards...); err != nil {
			return fmt.Errorf("write fits header: %w", err)
		}
	}
	if err := hdu.Write(&data); err != nil {
		return fmt.Errorf("write fits data: %w", err)
	}
	return f.Write(hdu)
}
