// Package polar turns a pixel offset of the RA axis into altitude and
// azimuth corrections.
package polar

import (
	"fmt"
	"math"
	"strings"
)

// plateScaleFactor is 206265 arcsec/rad scaled for um over mm.
const plateScaleFactor = 206.265

// Orientation says where north lies in the frame.
type Orientation string

const (
	NorthUp    Orientation = "N_UP"
	NorthRight Orientation = "N_RIGHT"
	NorthDown  Orientation = "N_DOWN"
	NorthLeft  Orientation = "N_LEFT"
)

// Degrees is the rotation that brings the frame to north-up.
func (o Orientation) Degrees() float64 {
	switch o {
	case NorthRight:
		return 90
	case NorthDown:
		return 180
	case NorthLeft:
		return -90
	default:
		return 0
	}
}

// rotate applies Degrees() exactly; quarter turns need no trigonometry.
func (o Orientation) rotate(dx, dy float64) (float64, float64) {
	switch o {
	case NorthRight:
		return -dy, dx
	case NorthDown:
		return -dx, -dy
	case NorthLeft:
		return dy, -dx
	default:
		return dx, dy
	}
}

// ParseOrientation accepts N_UP style names or plain up/right/down/left.
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "N_UP", "UP":
		return NorthUp, nil
	case "N_RIGHT", "RIGHT":
		return NorthRight, nil
	case "N_DOWN", "DOWN":
		return NorthDown, nil
	case "N_LEFT", "LEFT":
		return NorthLeft, nil
	}
	return "", fmt.Errorf("unknown north orientation %q", s)
}

// Optics carries what the converter needs from an equipment profile.
type Optics struct {
	FocalMM     float64     `json:"focal_mm" yaml:"focal_mm"`
	PixelUM     float64     `json:"pixel_um" yaml:"pixel_um"`
	Orientation Orientation `json:"orientation" yaml:"orientation"`
}

func (o Optics) Valid() bool { return o.FocalMM > 0 && o.PixelUM > 0 }

// PlateScale returns arcsec per pixel, or 0 when the optics are unset.
func (o Optics) PlateScale() float64 {
	if !o.Valid() {
		return 0
	}
	return plateScaleFactor * o.PixelUM / o.FocalMM
}

// AngularError is a pixel offset expressed on the sky.
type AngularError struct {
	OK             bool    `json:"ok"`
	AzimuthArcsec  float64 `json:"azimuth_arcsec"`
	AltitudeArcsec float64 `json:"altitude_arcsec"`
	TotalArcsec    float64 `json:"total_arcsec"`
	AzimuthText    string  `json:"azimuth_text"`
	AltitudeText   string  `json:"altitude_text"`
	TotalText      string  `json:"total_text"`
	AzimuthMove    string  `json:"azimuth_move"`
	AltitudeMove   string  `json:"altitude_move"`
	PlateScale     float64 `json:"plate_scale"`
	Message        string  `json:"message"`
}

func (e AngularError) AzimuthArcmin() float64  { return e.AzimuthArcsec / 60 }
func (e AngularError) AltitudeArcmin() float64 { return e.AltitudeArcsec / 60 }
func (e AngularError) TotalArcmin() float64    { return e.TotalArcsec / 60 }

const unavailable = "-"

// Unavailable is the placeholder used when no conversion could be made.
func Unavailable(msg string) AngularError {
	return AngularError{
		AzimuthText:  unavailable,
		AltitudeText: unavailable,
		TotalText:    unavailable,
		AzimuthMove:  unavailable,
		AltitudeMove: unavailable,
		Message:      msg,
	}
}

// Convert maps (dx, dy) in image pixels, +x right and +y down, to azimuth
// and altitude arcseconds after rotating the frame to north-up.
func Convert(dx, dy float64, optics Optics) AngularError {
	scale := optics.PlateScale()
	if scale <= 0 {
		return Unavailable("set focal length (mm) and pixel size (um) to convert to angular error")
	}

	rx, ry := optics.Orientation.rotate(dx, dy)

	az := rx * scale
	alt := -ry * scale
	total := math.Hypot(az, alt)

	return AngularError{
		OK:             true,
		AzimuthArcsec:  az,
		AltitudeArcsec: alt,
		TotalArcsec:    total,
		AzimuthText:    FormatArcsec(az),
		AltitudeText:   FormatArcsec(alt),
		TotalText:      FormatArcsec(total),
		AzimuthMove:    azimuthMove(az),
		AltitudeMove:   altitudeMove(alt),
		PlateScale:     scale,
		Message: fmt.Sprintf("scale %.2f\"/px (pixel=%gum, focal=%gmm)",
			scale, optics.PixelUM, optics.FocalMM),
	}
}

func azimuthMove(az float64) string {
	switch {
	case az > 0:
		return "increase azimuth (move AZ right)"
	case az < 0:
		return "decrease azimuth (move AZ left)"
	}
	return "azimuth OK"
}

func altitudeMove(alt float64) string {
	switch {
	case alt > 0:
		return "raise altitude (move ALT up)"
	case alt < 0:
		return "lower altitude (move ALT down)"
	}
	return "altitude OK"
}

// FormatArcsec renders a signed D° MM′ SS.S″ string.
func FormatArcsec(arcsec float64) string {
	// round first so 59.96″ carries into the minutes
	tenths := int64(math.Round(math.Abs(arcsec) * 10))
	sign := ""
	if arcsec < 0 && tenths > 0 {
		sign = "-"
	}
	deg := tenths / 36000
	tenths -= deg * 36000
	minutes := tenths / 600
	seconds := float64(tenths-minutes*600) / 10
	return fmt.Sprintf("%s%d° %02d′ %04.1f″", sign, deg, minutes, seconds)
}
