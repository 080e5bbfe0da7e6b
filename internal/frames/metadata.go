package frames

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// Metadata is what a capture says about the equipment that took it.
// Zero values mean the header did not say.
type Metadata struct {
	Instrument string  `json:"instrument,omitempty"`
	Telescope  string  `json:"telescope,omitempty"`
	FocalMM    float64 `json:"focal_mm,omitempty"`
	PixelUM    float64 `json:"pixel_um,omitempty"` // unbinned
	Binning    int     `json:"binning,omitempty"`
	Exposure   float64 `json:"exposure_s,omitempty"`
	DateObs    string  `json:"date_obs,omitempty"`
}

// EffectivePixel is the pixel size after binning.
func (m Metadata) EffectivePixel() float64 {
	if m.Binning > 1 {
		return m.PixelUM * float64(m.Binning)
	}
	return m.PixelUM
}

// HasOptics reports whether the header alone gives a plate scale.
func (m Metadata) HasOptics() bool { return m.FocalMM > 0 && m.PixelUM > 0 }

// ReadMetadata reads FITS header keywords, or asks exiftool about anything
// else. A missing exiftool yields empty metadata, not an error.
func ReadMetadata(ctx context.Context, path string) (Metadata, error) {
	if Kind(path) == KindFITS {
		return readFITSMetadata(path)
	}
	return readEXIF(ctx, path)
}

func readFITSMetadata(path string) (Metadata, error) {
	r, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("open fits: %w", err)
	}
	defer f.Close()

	hdr := f.HDU(0).Header()
	m := Metadata{
		Instrument: cardString(hdr, "INSTRUME"),
		Telescope:  cardString(hdr, "TELESCOP"),
		FocalMM:    cardFloat(hdr, "FOCALLEN"),
		PixelUM:    cardFloat(hdr, "XPIXSZ"),
		Binning:    int(cardFloat(hdr, "XBINNING")),
		Exposure:   cardFloat(hdr, "EXPTIME"),
		DateObs:    cardString(hdr, "DATE-OBS"),
	}
	if m.Exposure == 0 {
		m.Exposure = cardFloat(hdr, "EXPOSURE")
	}
	return m, nil
}

func cardString(hdr *fitsio.Header, key string) string {
	card := hdr.Get(key)
	if card == nil {
		return ""
	}
	s, _ := card.Value.(string)
	return strings.TrimSpace(s)
}

func cardFloat(hdr *fitsio.Header, key string) float64 {
	card := hdr.Get(key)
	if card == nil {
		return 0
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

func readEXIF(ctx context.Context, path string) (Metadata, error) {
	var m Metadata
	if _, err := exec.LookPath("exiftool"); err != nil {
		return m, nil
	}
	cmd := exec.CommandContext(ctx, "exiftool", "-json", "-n", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return m, fmt.Errorf("exiftool: %w", err)
	}
	var parsed []map[string]any
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil || len(parsed) == 0 {
		return m, nil
	}
	fields := parsed[0]
	if v, ok := fields["Model"].(string); ok {
		m.Instrument = v
	}
	if v, ok := fields["LensModel"].(string); ok {
		m.Telescope = v
	}
	if v, ok := fields["FocalLength"].(float64); ok {
		m.FocalMM = v
	}
	if v, ok := fields["ExposureTime"].(float64); ok {
		m.Exposure = v
	}
	if v, ok := fields["DateTimeOriginal"].(string); ok {
		m.DateObs = v
	}
	return m, nil
}

// fitsCards renders m as header cards for WriteFITSWithMetadata.
func fitsCards(m Metadata) []fitsio.Card {
	var cards []fitsio.Card
	add := func(name string, v any, comment string) {
		cards = append(cards, fitsio.Card{Name: name, Value: v, Comment: comment})
	}
	if m.Instrument != "" {
		add("INSTRUME", m.Instrument, "camera")
	}
	if m.Telescope != "" {
		add("TELESCOP", m.Telescope, "telescope")
	}
	if m.FocalMM > 0 {
		add("FOCALLEN", m.FocalMM, "[mm] focal length")
	}
	if m.PixelUM > 0 {
		add("XPIXSZ", m.PixelUM, "[um] pixel size")
		add("YPIXSZ", m.PixelUM, "[um] pixel size")
	}
	if m.Binning > 0 {
		add("XBINNING", m.Binning, "binning")
	}
	if m.Exposure > 0 {
		add("EXPTIME", m.Exposure, "[s] exposure")
	}
	if m.DateObs != "" {
		add("DATE-OBS", m.DateObs, "start of exposure")
	}
	return cards
}
