package solver

import "math"

// Point is a position in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

func (p Point) dist2(q Point) float64 {
	dx, dy := p.X-q.X, p.Y-q.Y
	return dx*dx + dy*dy
}

// Rotate turns p about pivot by deg degrees using the (c, -s; s, c) matrix.
// With +y pointing down this is clockwise on screen.
func (p Point) Rotate(pivot Point, deg float64) Point {
	s, c := math.Sincos(deg * math.Pi / 180)
	x, y := p.X-pivot.X, p.Y-pivot.Y
	return Point{X: c*x - s*y + pivot.X, Y: s*x + c*y + pivot.Y}
}

// RotatePoints returns a rotated copy of pts.
func RotatePoints(pts []Point, pivot Point, deg float64) []Point {
	s, c := math.Sincos(deg * math.Pi / 180)
	out := make([]Point, len(pts))
	for i, p := range pts {
		x, y := p.X-pivot.X, p.Y-pivot.Y
		out[i] = Point{X: c*x - s*y + pivot.X, Y: s*x + c*y + pivot.Y}
	}
	return out
}

// Star is a detected point source.
type Star struct {
	Point
	Intensity float64 `json:"intensity"`
}

// Positions drops intensities.
func Positions(stars []Star) []Point {
	out := make([]Point, len(stars))
	for i, s := range stars {
		out[i] = s.Point
	}
	return out
}
