package solver

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DetectOptions tunes the local maxima detector.
type DetectOptions struct {
	Sigma     float64 `json:"sigma" yaml:"sigma"`           // threshold = mean + Sigma*std
	MaxPoints int     `json:"max_points" yaml:"max_points"` // keep the brightest N candidates
	Refine    bool    `json:"refine" yaml:"refine"`         // 3x3 intensity weighted centroid
}

// DefaultDetectOptions mirrors the solver defaults.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{Sigma: 3.0, MaxPoints: 220, Refine: true}
}

// DetectLocalMaxima returns interior pixels that exceed mean+k*std and are
// not smaller than any of their eight neighbours, brightest first.
func DetectLocalMaxima(img *Image, opts DetectOptions) []Star {
	if img == nil || img.Width < 3 || img.Height < 3 || len(img.Pix) != img.Width*img.Height {
		return nil
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultDetectOptions().MaxPoints
	}

	mean, std := stat.PopMeanStdDev(img.Pix, nil)
	threshold := mean + opts.Sigma*std

	w := img.Width
	var stars []Star
	for y := 1; y < img.Height-1; y++ {
		row := y * w
		for x := 1; x < w-1; x++ {
			v := img.Pix[row+x]
			if v <= threshold || !isPeak(img, x, y, v) {
				continue
			}
			s := Star{Point: Point{X: float64(x), Y: float64(y)}, Intensity: v}
			if opts.Refine {
				s.Point = centroid3x3(img, x, y, mean)
			}
			stars = append(stars, s)
		}
	}

	sort.SliceStable(stars, func(i, j int) bool {
		return stars[i].Intensity > stars[j].Intensity
	})
	if len(stars) > opts.MaxPoints {
		stars = stars[:opts.MaxPoints]
	}
	return stars
}

func isPeak(img *Image, x, y int, v float64) bool {
	w := img.Width
	for dy := -1; dy <= 1; dy++ {
		row := (y + dy) * w
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if img.Pix[row+x+dx] > v {
				return false
			}
		}
	}
	return true
}

// centroid3x3 refines a peak using background subtracted weights.
func centroid3x3(img *Image, x, y int, background float64) Point {
	var sum, sx, sy float64
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			wgt := img.Pix[(y+dy)*img.Width+x+dx] - background
			if wgt <= 0 {
				continue
			}
			sum += wgt
			sx += wgt * float64(dx)
			sy += wgt * float64(dy)
		}
	}
	if sum <= 0 {
		return Point{X: float64(x), Y: float64(y)}
	}
	return Point{X: float64(x) + sx/sum, Y: float64(y) + sy/sum}
}
