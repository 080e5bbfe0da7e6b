// Package frames loads captured frames from disk into solver images.
package frames

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"polaralign/internal/fsutil"
	"polaralign/internal/solver"
)

// ErrUnsupported is returned for extensions no decoder handles.
var ErrUnsupported = errors.New("unsupported frame format")

// Decoder reads a frame from a path.
type Decoder interface {
	Decode(path string) (*solver.Image, error)
}

// Loader dispatches on file extension. Fallback, when set, handles anything
// the built-in decoders reject, RAW files included.
type Loader struct {
	Fallback  Decoder
	Normalize bool
}

// NewLoader returns a Loader that normalizes to [0, 255].
func NewLoader(fallback Decoder) *Loader {
	return &Loader{Fallback: fallback, Normalize: true}
}

// Load reads path with a normalizing loader and no fallback.
func Load(path string) (*solver.Image, error) {
	return NewLoader(nil).Load(path)
}

// Load decodes path into a single channel image.
func (l *Loader) Load(path string) (*solver.Image, error) {
	var (
		img *solver.Image
		err error
	)
	switch Kind(path) {
	case KindFITS:
		img, err = readFITS(path)
	case KindRaster:
		img, err = readRaster(path)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
	if err != nil && l.Fallback != nil {
		if fb, fbErr := l.Fallback.Decode(path); fbErr == nil {
			img, err = fb, nil
		} else {
			err = fmt.Errorf("%v; fallback: %w", err, fbErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if l.Normalize {
		img.Normalize()
	}
	return img, nil
}

// FrameKind groups extensions by decoder.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindFITS
	KindRaster
)

// Kind classifies path by extension.
func Kind(path string) FrameKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return KindFITS
	case ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp":
		return KindRaster
	}
	return KindUnknown
}

// IsFrame reports whether path looks like something Load can read.
func IsFrame(path string) bool {
	return fsutil.IsRAWFile(path) || Kind(path) != KindUnknown
}

func readRaster(path string) (*solver.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoded, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster: %w", err)
	}
	img, err := solver.FromImage(decoded)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", format, err)
	}
	return img, nil
}
