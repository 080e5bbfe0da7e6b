package solver

import "math"

// Pair links a star in frame A to the star it became in frame B.
type Pair struct {
	From      Point   `json:"from"`
	To        Point   `json:"to"`
	FromIndex int     `json:"from_index"`
	ToIndex   int     `json:"to_index"`
	Distance  float64 `json:"distance"`
}

// Matches is the outcome of one greedy matching pass.
type Matches struct {
	Pairs     []Pair
	MeanError float64 // +Inf when no pair was accepted
}

func (m Matches) Count() int { return len(m.Pairs) }

// From returns the A side of every pair, in match order.
func (m Matches) From() []Point {
	out := make([]Point, len(m.Pairs))
	for i, p := range m.Pairs {
		out[i] = p.From
	}
	return out
}

// To returns the B side of every pair, in match order.
func (m Matches) To() []Point {
	out := make([]Point, len(m.Pairs))
	for i, p := range m.Pairs {
		out[i] = p.To
	}
	return out
}

// Match pairs each point of a, in order, with the nearest point of b that
// has not been claimed yet. A pair is kept when its distance is at most tol;
// a claimed point of b is never reused.
func Match(a, b []Point, tol float64) Matches {
	res := Matches{MeanError: math.Inf(1)}
	if len(a) == 0 || len(b) == 0 || tol < 0 {
		return res
	}

	used := make([]bool, len(b))
	tol2 := tol * tol
	var sum float64
	for i, p := range a {
		best, bestD2 := -1, math.Inf(1)
		for j, q := range b {
			if used[j] {
				continue
			}
			if d2 := p.dist2(q); d2 < bestD2 {
				best, bestD2 = j, d2
			}
		}
		if best < 0 {
			break
		}
		if bestD2 > tol2 {
			continue
		}
		used[best] = true
		d := math.Sqrt(bestD2)
		sum += d
		res.Pairs = append(res.Pairs, Pair{From: p, To: b[best], FromIndex: i, ToIndex: best, Distance: d})
	}
	if len(res.Pairs) > 0 {
		res.MeanError = sum / float64(len(res.Pairs))
	}
	return res
}
