package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status tags the outcome of a solve. Everything except StatusOK is an
// expected sky or setup condition, not a fault.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusInsufficientStars   Status = "insufficient_stars"
	StatusInsufficientMatches Status = "insufficient_matches"
	StatusDegenerateGeometry  Status = "degenerate_geometry"
	StatusInvalidOptics       Status = "invalid_optics"
)

// Detector names a star detection strategy.
type Detector string

const (
	DetectorMaxima Detector = "maxima"
	DetectorBlobs  Detector = "blobs"
)

// Options controls a full two-frame solve.
type Options struct {
	Detector   Detector      `json:"detector" yaml:"detector"`
	Maxima     DetectOptions `json:"maxima" yaml:"maxima"`
	Blobs      BlobOptions   `json:"blobs" yaml:"blobs"`
	MinAngle   float64       `json:"min_angle" yaml:"min_angle"`
	MaxAngle   float64       `json:"max_angle" yaml:"max_angle"`
	Step       float64       `json:"step" yaml:"step"`
	Tolerance  float64       `json:"tolerance_px" yaml:"tolerance_px"`
	MinStars   int           `json:"min_stars" yaml:"min_stars"`
	MinMatches int           `json:"min_matches" yaml:"min_matches"`
	Workers    int           `json:"workers" yaml:"workers"`
}

// DefaultOptions returns the canonical parameter set.
func DefaultOptions() Options {
	return Options{
		Detector:   DetectorMaxima,
		Maxima:     DefaultDetectOptions(),
		Blobs:      DefaultBlobOptions(),
		MinAngle:   35,
		MaxAngle:   145,
		Step:       1,
		Tolerance:  7,
		MinStars:   12,
		MinMatches: 8,
		Workers:    1,
	}
}

// Validate rejects parameter combinations that cannot run.
func (o Options) Validate() error {
	if o.Detector != DetectorMaxima && o.Detector != DetectorBlobs {
		return fmt.Errorf("%w: unknown detector %q", ErrInvalidOptions, o.Detector)
	}
	if o.MinStars < 0 || o.MinMatches < 0 {
		return fmt.Errorf("%w: negative minimum", ErrInvalidOptions)
	}
	return o.search(Point{}).validate()
}

func (o Options) search(pivot Point) SearchOptions {
	return SearchOptions{
		MinAngle:  o.MinAngle,
		MaxAngle:  o.MaxAngle,
		Step:      o.Step,
		Tolerance: o.Tolerance,
		Pivot:     pivot,
		Workers:   o.Workers,
	}
}

// Detect runs the configured detector on img.
func (o Options) Detect(img *Image) []Star {
	if o.Detector == DetectorBlobs {
		return DetectBlobs(img, o.Blobs)
	}
	return DetectLocalMaxima(img, o.Maxima)
}

// Result is the terminal output of a solve.
type Result struct {
	OK          bool          `json:"ok"`
	Status      Status        `json:"status"`
	Angle       float64       `json:"angle"`
	Center      Point         `json:"center"`
	ImageCenter Point         `json:"image_center"`
	Offset      Point         `json:"offset"`
	Matches     int           `json:"matches"`
	MeanError   float64       `json:"mean_error"`
	TotalError  float64       `json:"total_error"`
	Message     string        `json:"message"`
	StarsA      int           `json:"stars_a"`
	StarsB      int           `json:"stars_b"`
	Pairs       []Pair        `json:"-"`
	Elapsed     time.Duration `json:"elapsed"`
}

// MarshalJSON writes a non-finite mean error as null.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		MeanError *float64 `json:"mean_error"`
	}{plain: plain(r)}
	if !math.IsInf(r.MeanError, 0) && !math.IsNaN(r.MeanError) {
		out.MeanError = &r.MeanError
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the null mean error written by MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	in := struct {
		*plain
		MeanError *float64 `json:"mean_error"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.MeanError = math.Inf(1)
	if in.MeanError != nil {
		r.MeanError = *in.MeanError
	}
	return nil
}

// Solve runs the two-frame solve without cancellation.
func Solve(a, b *Image, opts Options) (Result, error) {
	return SolveContext(context.Background(), a, b, opts)
}

// SolveContext detects stars in both frames, finds the rotation angle that
// best maps A onto B, re-matches at that angle and estimates the rotation
// center. Errors are returned only for invalid input or cancellation.
func SolveContext(ctx context.Context, a, b *Image, opts Options) (Result, error) {
	start := time.Now()
	if err := sameShape(a, b); err != nil {
		return Result{}, err
	}
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	pivot := a.Center()
	res := Result{ImageCenter: pivot, Center: pivot, MeanError: math.Inf(1)}

	starsA := Positions(opts.Detect(a))
	starsB := Positions(opts.Detect(b))
	res.StarsA, res.StarsB = len(starsA), len(starsB)

	if len(starsA) < opts.MinStars || len(starsB) < opts.MinStars {
		res.Status = StatusInsufficientStars
		res.Message = fmt.Sprintf("too few stars (frame A=%d, frame B=%d, need %d); increase exposure or gain",
			len(starsA), len(starsB), opts.MinStars)
		return finish(res, start), nil
	}

	best, err := SearchBestAngle(ctx, starsA, starsB, opts.search(pivot))
	if err != nil {
		return Result{}, err
	}
	res.Angle = best.Angle
	res.Matches = best.Matches
	res.MeanError = best.MeanError
	if best.Matches < opts.MinMatches {
		res.Status = StatusInsufficientMatches
		res.Message = fmt.Sprintf("not enough matches (%d, need %d); rotate RA 60-90 degrees and increase exposure or gain",
			best.Matches, opts.MinMatches)
		return finish(res, start), nil
	}

	m := Match(RotatePoints(starsA, pivot, best.Angle), starsB, opts.Tolerance)
	res.Matches = m.Count()
	res.MeanError = m.MeanError
	if m.Count() < opts.MinMatches {
		res.Status = StatusInsufficientMatches
		res.Message = "matching at the best angle is insufficient; adjust the tolerance or improve the captures"
		return finish(res, start), nil
	}

	// The estimator works on the original frame A positions.
	pairs := make([]Pair, len(m.Pairs))
	for i, p := range m.Pairs {
		p.From = starsA[p.FromIndex]
		pairs[i] = p
	}
	res.Pairs = pairs
	from, to := Matches{Pairs: pairs}.From(), Matches{Pairs: pairs}.To()

	center, ok := EstimateCenter(from, to, best.Angle)
	if !ok {
		res.Status = StatusDegenerateGeometry
		res.Message = "could not estimate the rotation center (degenerate geometry); retry with a larger rotation"
		return finish(res, start), nil
	}

	res.OK = true
	res.Status = StatusOK
	res.Center = center
	res.Offset = center.Sub(pivot)
	res.TotalError = math.Hypot(res.Offset.X, res.Offset.Y)
	res.Message = "OK: rotation center estimated"
	return finish(res, start), nil
}

func finish(res Result, start time.Time) Result {
	res.Elapsed = time.Since(start)
	return res
}
