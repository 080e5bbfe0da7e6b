package solver

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BlobOptions tunes the blur, threshold and segment detector.
type BlobOptions struct {
	BlurRadius int     `json:"blur_radius" yaml:"blur_radius"` // box kernel is 2r+1 wide
	MinArea    int     `json:"min_area" yaml:"min_area"`
	MaxArea    int     `json:"max_area" yaml:"max_area"`
	MinSigma   float64 `json:"min_sigma" yaml:"min_sigma"` // floor for the Otsu level, in std above mean
	MaxPoints  int     `json:"max_points" yaml:"max_points"`
}

func DefaultBlobOptions() BlobOptions {
	return BlobOptions{BlurRadius: 2, MinArea: 5, MaxArea: 500, MinSigma: 2.0, MaxPoints: 220}
}

type pixel struct{ X, Y int }

// DetectBlobs smooths the frame, binarizes it with Otsu's method and returns
// the flux weighted centroid of every 4-connected segment whose area lies in
// [MinArea, MaxArea], brightest first.
func DetectBlobs(img *Image, opts BlobOptions) []Star {
	if img == nil || img.Width == 0 || img.Height == 0 || len(img.Pix) != img.Width*img.Height {
		return nil
	}
	def := DefaultBlobOptions()
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = def.MaxPoints
	}
	if opts.MaxArea <= 0 {
		opts.MaxArea = def.MaxArea
	}

	blurred := boxBlur(img, opts.BlurRadius)
	mean, std := stat.PopMeanStdDev(blurred, nil)
	level := otsu(blurred)
	if floor := mean + opts.MinSigma*std; level < floor {
		level = floor
	}

	w, h := img.Width, img.Height
	visited := make([]bool, len(blurred))
	background := stat.Mean(img.Pix, nil)
	var stars []Star
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || blurred[idx] <= level {
				continue
			}
			segment := floodFill(blurred, visited, level, x, y, w, h)
			if len(segment) < opts.MinArea || len(segment) > opts.MaxArea {
				continue
			}
			if s, ok := weightedCentroid(img, segment, background); ok {
				stars = append(stars, s)
			}
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

// floodFill collects the 4-connected pixels above level starting at (x, y).
func floodFill(pix []float64, visited []bool, level float64, startX, startY, width, height int) []pixel {
	var out []pixel
	stack := []pixel{{startX, startY}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.X < 0 || cur.X >= width || cur.Y < 0 || cur.Y >= height {
			continue
		}
		idx := cur.Y*width + cur.X
		if visited[idx] || pix[idx] <= level {
			continue
		}
		visited[idx] = true
		out = append(out, cur)
		stack = append(stack,
			pixel{cur.X + 1, cur.Y},
			pixel{cur.X - 1, cur.Y},
			pixel{cur.X, cur.Y + 1},
			pixel{cur.X, cur.Y - 1},
		)
	}
	return out
}

func weightedCentroid(img *Image, segment []pixel, background float64) (Star, bool) {
	var flux, sx, sy float64
	for _, p := range segment {
		v := img.Pix[p.Y*img.Width+p.X] - background
		if v <= 0 {
			continue
		}
		flux += v
		sx += v * float64(p.X)
		sy += v * float64(p.Y)
	}
	if flux <= 0 {
		return Star{}, false
	}
	return Star{Point: Point{X: sx / flux, Y: sy / flux}, Intensity: flux}, true
}

// boxBlur averages over a (2r+1)^2 window using a summed area table.
// Windows are clipped at the frame border.
func boxBlur(img *Image, r int) []float64 {
	w, h := img.Width, img.Height
	if r <= 0 {
		out := make([]float64, len(img.Pix))
		copy(out, img.Pix)
		return out
	}
	sat := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			row += img.Pix[y*w+x]
			sat[(y+1)*(w+1)+x+1] = sat[y*(w+1)+x+1] + row
		}
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := max(y-r, 0), min(y+r+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-r, 0), min(x+r+1, w)
			sum := sat[y1*(w+1)+x1] - sat[y0*(w+1)+x1] - sat[y1*(w+1)+x0] + sat[y0*(w+1)+x0]
			out[y*w+x] = sum / float64((y1-y0)*(x1-x0))
		}
	}
	return out
}

// otsu returns the level that maximizes between-class variance over a
// 256-bin histogram spanning the sample range.
func otsu(pix []float64) float64 {
	lo, hi := floats.Min(pix), floats.Max(pix)
	if hi <= lo {
		return hi
	}
	const bins = 256
	var hist [bins]float64
	scale := (bins - 1) / (hi - lo)
	for _, v := range pix {
		hist[int((v-lo)*scale)]++
	}

	total := float64(len(pix))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i) * c
	}

	var wB, sumB, bestVar float64
	best := 0
	for i, c := range hist {
		wB += c
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * c
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			best = i
		}
	}
	return lo + float64(best)/scale
}
