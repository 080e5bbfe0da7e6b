package frames

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"polaralign/internal/solver"
)

// Save writes img to path. FITS keeps float samples; everything else is
// written as 16-bit grayscale PNG with [0, 255] mapped onto the full range.
func Save(path string, img *solver.Image) error {
	return SaveWithMetadata(path, img, Metadata{})
}

// SaveWithMetadata is Save that also records m in FITS headers. PNG output
// drops it.
func SaveWithMetadata(path string, img *solver.Image, m Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if Kind(path) == KindFITS {
		return WriteFITSWithMetadata(path, img, m)
	}
	return WritePNG(path, img)
}

// WritePNG encodes img as a 16-bit grayscale PNG, clamping to [0, 255].
func WritePNG(path string, img *solver.Image) error {
	out := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := math.Max(0, math.Min(255, img.At(x, y)))
			out.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 257))})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}
