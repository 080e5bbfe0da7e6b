package solver

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// minDeterminant guards the (I - R) solve; below it the rotation is too
// close to identity for the fixed point to be determined.
const minDeterminant = 1e-6

// EstimateCenter finds the fixed point C of the rotation that carries every
// from[i] onto to[i]. Each pair gives (I - R)C = q - Rp; the pairs are solved
// one by one and the component-wise median of the solutions is returned.
// from must hold un-rotated frame A coordinates.
func EstimateCenter(from, to []Point, angleDeg float64) (Point, bool) {
	n := min(len(from), len(to))
	if n == 0 {
		return Point{}, false
	}

	s, c := math.Sincos(angleDeg * math.Pi / 180)
	r := mat.NewDense(2, 2, []float64{c, -s, s, c})
	a := mat.NewDense(2, 2, []float64{1 - c, s, -s, 1 - c})

	var lu mat.LU
	lu.Factorize(a)
	if math.Abs(lu.Det()) < minDeterminant {
		return Point{}, false
	}

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	var rp, rhs, sol mat.VecDense
	for i := 0; i < n; i++ {
		rp.MulVec(r, mat.NewVecDense(2, []float64{from[i].X, from[i].Y}))
		rhs.SubVec(mat.NewVecDense(2, []float64{to[i].X, to[i].Y}), &rp)
		if err := lu.SolveVecTo(&sol, false, &rhs); err != nil {
			continue
		}
		xs = append(xs, sol.AtVec(0))
		ys = append(ys, sol.AtVec(1))
	}
	if len(xs) == 0 {
		return Point{}, false
	}
	return Point{X: median(xs), Y: median(ys)}, true
}

// median sorts v in place and averages the middle pair for even lengths.
func median(v []float64) float64 {
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}
