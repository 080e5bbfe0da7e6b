package frames

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"polaralign/internal/solver"
)

func gradient(w, h int) *solver.Image {
	pix := make([]float64, w*h)
	for i := range pix {
		pix[i] = float64(i%w) * 255 / float64(w-1)
	}
	return &solver.Image{Width: w, Height: h, Pix: pix}
}

func TestPNGRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "frame.png")
	src := gradient(16, 8)
	if err := Save(path, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Width != 16 || got.Height != 8 {
		t.Fatalf("size = %dx%d", got.Width, got.Height)
	}
	for i := range src.Pix {
		if math.Abs(got.Pix[i]-src.Pix[i]) > 0.01 {
			t.Fatalf("pixel %d = %v, want %v", i, got.Pix[i], src.Pix[i])
		}
	}
}

func TestFITSRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.fits")
	src := gradient(12, 10)
	src.Pix[5] = 1000 // outside the 8-bit range; normalization rescales it
	if err := Save(path, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Width != 12 || got.Height != 10 {
		t.Fatalf("size = %dx%d", got.Width, got.Height)
	}
	if got.Pix[5] != 255 || got.Pix[0] != 0 {
		t.Fatalf("normalization off: max=%v min=%v", got.Pix[5], got.Pix[0])
	}
}

func writeRawFITS(t *testing.T, bitpix int, data any, cards ...fitsio.Card) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.fits")
	w, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	f, err := fitsio.Create(w)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdu := fitsio.NewImage(bitpix, []int{3, 2})
	defer hdu.Close()
	if len(cards) > 0 {
		if err := hdu.Header().Append(cards...); err != nil {
			t.Fatal(err)
		}
	}
	if err := hdu.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Write(hdu); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFITSBitpix(t *testing.T) {
	tests := []struct {
		name   string
		bitpix int
		data   any
		cards  []fitsio.Card
		want   []float64
	}{
		{"uint8", 8, &[]uint8{0, 1, 2, 3, 4, 255}, nil, []float64{0, 1, 2, 3, 4, 255}},
		{"int16", 16, &[]int16{-5, 0, 5, 100, 200, 300}, nil, []float64{-5, 0, 5, 100, 200, 300}},
		{
			"uint16 via bzero", 16, &[]int16{-32768, -32767, 0, 1, 32766, 32767},
			[]fitsio.Card{{Name: "BZERO", Value: 32768.0}, {Name: "BSCALE", Value: 1.0}},
			[]float64{0, 1, 32768, 32769, 65534, 65535},
		},
		{"int32", 32, &[]int32{-1, 0, 1, 70000, 80000, 90000}, nil, []float64{-1, 0, 1, 70000, 80000, 90000}},
		{"int64", 64, &[]int64{0, 1, 2, 3, 4, 5}, nil, []float64{0, 1, 2, 3, 4, 5}},
		{"float32", -32, &[]float32{0.5, 1.5, 2.5, 3.5, 4.5, 5.5}, nil, []float64{0.5, 1.5, 2.5, 3.5, 4.5, 5.5}},
		{
			"float32 scaled", -32, &[]float32{0, 1, 2, 3, 4, 5},
			[]fitsio.Card{{Name: "BSCALE", Value: 2.0}, {Name: "BZERO", Value: 10.0}},
			[]float64{10, 12, 14, 16, 18, 20},
		},
		{"float64", -64, &[]float64{-1, 0, 1, 2, 3, 4}, nil, []float64{-1, 0, 1, 2, 3, 4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeRawFITS(t, tc.bitpix, tc.data, tc.cards...)
			got, err := readFITS(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got.Width != 3 || got.Height != 2 {
				t.Fatalf("size = %dx%d", got.Width, got.Height)
			}
			for i, want := range tc.want {
				if math.Abs(got.Pix[i]-want) > 1e-6 {
					t.Fatalf("pixel %d = %v, want %v", i, got.Pix[i], want)
				}
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Pix[0] != 0 || loaded.Pix[5] != 255 {
				t.Fatalf("normalized ends = %v, %v", loaded.Pix[0], loaded.Pix[5])
			}
		})
	}
}

func writeWith(t *testing.T, name string, enc func(f *os.File, img image.Image) error) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	img.SetGray(1, 1, color.Gray{Y: 200})
	img.SetGray(3, 2, color.Gray{Y: 100})
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := enc(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTIFFAndBMP(t *testing.T) {
	paths := []string{
		writeWith(t, "frame.tiff", func(f *os.File, img image.Image) error { return tiff.Encode(f, img, nil) }),
		writeWith(t, "frame.bmp", func(f *os.File, img image.Image) error { return bmp.Encode(f, img) }),
	}
	for _, p := range paths {
		got, err := Load(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if got.Pix[1*4+1] != 255 || got.Pix[0] != 0 {
			t.Fatalf("%s: unexpected samples %v", p, got.Pix)
		}
		if math.Abs(got.Pix[2*4+3]-127.5) > 1 {
			t.Fatalf("%s: mid sample = %v", p, got.Pix[2*4+3])
		}
	}
}

type stubDecoder struct {
	calls int
	err   error
}

func (s *stubDecoder) Decode(path string) (*solver.Image, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &solver.Image{Width: 2, Height: 1, Pix: []float64{10, 20}}, nil
}

func TestLoaderFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IMG_0001.CR2")
	if err := os.WriteFile(path, []byte("raw"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	stub := &stubDecoder{}
	img, err := NewLoader(stub).Load(path)
	if err != nil {
		t.Fatalf("fallback load: %v", err)
	}
	if stub.calls != 1 || img.Pix[1] != 255 {
		t.Fatalf("calls=%d pix=%v", stub.calls, img.Pix)
	}

	failing := &stubDecoder{err: errors.New("no delegate")}
	if _, err := NewLoader(failing).Load(path); err == nil {
		t.Fatalf("expected error when fallback fails")
	}
}

func TestIsFrame(t *testing.T) {
	cases := map[string]bool{
		"a.FITS": true, "b.fit": true, "c.png": true, "d.NEF": true, "e.txt": false, "f": false,
	}
	for name, want := range cases {
		if got := IsFrame(name); got != want {
			t.Errorf("IsFrame(%q) = %v", name, got)
		}
	}
}

func TestFITSMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.fits")
	want := Metadata{
		Instrument: "ASI678MC",
		Telescope:  "Newton 76/700",
		FocalMM:    700,
		PixelUM:    2,
		Binning:    2,
		Exposure:   1.5,
		DateObs:    "2026-03-01T21:14:05",
	}
	if err := SaveWithMetadata(path, gradient(8, 4), want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := ReadMetadata(context.Background(), path)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if got.Instrument != want.Instrument || got.Telescope != want.Telescope || got.DateObs != want.DateObs {
		t.Fatalf("string keywords = %+v", got)
	}
	if got.FocalMM != 700 || got.PixelUM != 2 || got.Binning != 2 || math.Abs(got.Exposure-1.5) > 1e-9 {
		t.Fatalf("numeric keywords = %+v", got)
	}
	if !got.HasOptics() || got.EffectivePixel() != 4 {
		t.Fatalf("optics = %v, effective pixel %v", got.HasOptics(), got.EffectivePixel())
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("frame with header keywords no longer loads: %v", err)
	}
}

func TestFITSWithoutKeywords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.fits")
	if err := Save(path, gradient(8, 4)); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMetadata(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasOptics() || got.FocalMM != 0 {
		t.Fatalf("expected empty metadata, got %+v", got)
	}
}
