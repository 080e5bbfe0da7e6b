package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidOptions reports search parameters that cannot produce a grid.
var ErrInvalidOptions = errors.New("invalid solver options")

// Hypothesis scores one candidate rotation.
type Hypothesis struct {
	Angle     float64 `json:"angle"`
	Matches   int     `json:"matches"`
	MeanError float64 `json:"mean_error"`
}

// Better reports whether h outranks o: more matches first, then lower
// mean residual. Equal hypotheses are not better than each other.
func (h Hypothesis) Better(o Hypothesis) bool {
	if h.Matches != o.Matches {
		return h.Matches > o.Matches
	}
	return h.MeanError < o.MeanError
}

func worstHypothesis() Hypothesis {
	return Hypothesis{Matches: -1, MeanError: math.Inf(1)}
}

// SearchOptions describes the angle grid.
type SearchOptions struct {
	MinAngle  float64
	MaxAngle  float64
	Step      float64
	Tolerance float64
	Pivot     Point
	Workers   int
}

func (o SearchOptions) validate() error {
	switch {
	case o.Step <= 0:
		return fmt.Errorf("%w: step %.3f", ErrInvalidOptions, o.Step)
	case o.MaxAngle < o.MinAngle:
		return fmt.Errorf("%w: range [%.1f, %.1f]", ErrInvalidOptions, o.MinAngle, o.MaxAngle)
	case o.Tolerance <= 0:
		return fmt.Errorf("%w: tolerance %.3f", ErrInvalidOptions, o.Tolerance)
	}
	return nil
}

// Angles lists the grid from..to inclusive.
func Angles(from, to, step float64) []float64 {
	if step <= 0 || to < from {
		return nil
	}
	n := int(math.Floor((to-from)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

// SearchBestAngle rotates a about the pivot at every grid angle, matches it
// against b and returns the best scoring hypothesis. With Workers > 1 the
// grid is split into contiguous chunks; the reduction walks chunks in angle
// order so the answer equals the serial one.
func SearchBestAngle(ctx context.Context, a, b []Point, opts SearchOptions) (Hypothesis, error) {
	if err := opts.validate(); err != nil {
		return Hypothesis{}, err
	}
	angles := Angles(opts.MinAngle, opts.MaxAngle, opts.Step)

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(angles) {
		workers = len(angles)
	}
	if workers == 1 {
		return scanAngles(ctx, a, b, angles, opts)
	}

	chunk := (len(angles) + workers - 1) / workers
	results := make([]Hypothesis, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(angles))
		if lo >= hi {
			results[w] = worstHypothesis()
			continue
		}
		wg.Add(1)
		go func(w int, part []float64) {
			defer wg.Done()
			results[w], errs[w] = scanAngles(ctx, a, b, part, opts)
		}(w, angles[lo:hi])
	}
	wg.Wait()

	best := worstHypothesis()
	for w, h := range results {
		if errs[w] != nil {
			return Hypothesis{}, errs[w]
		}
		if h.Better(best) {
			best = h
		}
	}
	return best, nil
}

func scanAngles(ctx context.Context, a, b []Point, angles []float64, opts SearchOptions) (Hypothesis, error) {
	best := worstHypothesis()
	for _, ang := range angles {
		if err := ctx.Err(); err != nil {
			return Hypothesis{}, err
		}
		m := Match(RotatePoints(a, opts.Pivot, ang), b, opts.Tolerance)
		h := Hypothesis{Angle: ang, Matches: m.Count(), MeanError: m.MeanError}
		if h.Better(best) {
			best = h
		}
	}
	return best, nil
}
