package solver

import (
	"math"
	"math/rand"
	"testing"
)

func TestMatchToleranceBoundary(t *testing.T) {
	cases := []struct {
		name  string
		b     Point
		tol   float64
		match bool
	}{
		{"exactly tolerance", Point{7, 0}, 7, true},
		{"diagonal exactly tolerance", Point{3, 4}, 5, true},
		{"just outside", Point{7.001, 0}, 7, false},
		{"far away", Point{50, 50}, 7, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Match([]Point{{0, 0}}, []Point{tc.b}, tc.tol)
			if got := m.Count() == 1; got != tc.match {
				t.Fatalf("match = %v, want %v", got, tc.match)
			}
			if !tc.match && !math.IsInf(m.MeanError, 1) {
				t.Fatalf("expected +Inf mean error, got %v", m.MeanError)
			}
		})
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b []Point
	}{
		{"empty a", nil, []Point{{1, 1}}},
		{"empty b", []Point{{1, 1}}, nil},
	} {
		m := Match(tc.a, tc.b, 7)
		if m.Count() != 0 || len(m.From()) != 0 || len(m.To()) != 0 {
			t.Fatalf("%s: expected no pairs", tc.name)
		}
		if !math.IsInf(m.MeanError, 1) {
			t.Fatalf("%s: expected +Inf mean error", tc.name)
		}
	}
}

func TestMatchIsGreedyInInputOrder(t *testing.T) {
	a := []Point{{0, 0}, {1, 0}}
	b := []Point{{0.5, 0}}
	m := Match(a, b, 2)
	if m.Count() != 1 {
		t.Fatalf("expected one pair, got %d", m.Count())
	}
	if m.Pairs[0].FromIndex != 0 {
		t.Fatalf("first A point should claim the B point, got index %d", m.Pairs[0].FromIndex)
	}
}

func TestMatchSkipsClaimedPoints(t *testing.T) {
	a := []Point{{0, 0}, {1, 0}}
	b := []Point{{0.9, 0}, {3, 0}}
	m := Match(a, b, 3)
	if m.Count() != 2 {
		t.Fatalf("expected 2 pairs, got %d", m.Count())
	}
	if m.Pairs[1].ToIndex != 1 {
		t.Fatalf("second A point should fall back to the next unused B point")
	}
	want := (0.9 + 2.0) / 2
	if math.Abs(m.MeanError-want) > 1e-12 {
		t.Fatalf("mean error = %v, want %v", m.MeanError, want)
	}
}

func TestMatchOneToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := make([]Point, 80)
	b := make([]Point, 60)
	for i := range a {
		a[i] = Point{rng.Float64() * 100, rng.Float64() * 100}
	}
	for i := range b {
		b[i] = Point{rng.Float64() * 100, rng.Float64() * 100}
	}
	m := Match(a, b, 15)
	if len(m.From()) != len(m.To()) {
		t.Fatalf("parallel arrays differ: %d vs %d", len(m.From()), len(m.To()))
	}
	if m.Count() > len(b) {
		t.Fatalf("more pairs than B points: %d", m.Count())
	}
	seen := map[int]bool{}
	for _, p := range m.Pairs {
		if seen[p.ToIndex] {
			t.Fatalf("B point %d used twice", p.ToIndex)
		}
		seen[p.ToIndex] = true
		if p.Distance > 15 {
			t.Fatalf("pair beyond tolerance: %v", p.Distance)
		}
	}
}
