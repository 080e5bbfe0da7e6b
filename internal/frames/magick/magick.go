// Package magick decodes frames through ImageMagick. It needs the MagickWand
// C library and is kept apart so the rest of the tree builds without it.
package magick

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	"polaralign/internal/solver"
)

// Decoder reads any format ImageMagick understands, RAW files included.
type Decoder struct{}

func New() Decoder { return Decoder{} }

func (Decoder) Decode(path string) (*solver.Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image: %v", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("failed to convert to grayscale: %v", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %v", err)
	}
	floatPixels, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel buffer %T", pixels)
	}

	pix := make([]float64, len(floatPixels))
	for i, v := range floatPixels {
		pix[i] = float64(v)
	}
	return solver.NewImage(int(width), int(height), pix)
}
