package solver

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

func randomPoints(seed int64, n int, w, h float64) []Point {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]Point, n)
	for i := range pts {
		pts[i] = Point{rng.Float64() * w, rng.Float64() * h}
	}
	return pts
}

func TestAnglesInclusive(t *testing.T) {
	got := Angles(35, 145, 1)
	if len(got) != 111 || got[0] != 35 || got[len(got)-1] != 145 {
		t.Fatalf("unexpected grid: len=%d first=%v last=%v", len(got), got[0], got[len(got)-1])
	}
	if g := Angles(0, 1, 0.3); len(g) != 4 {
		t.Fatalf("expected 4 angles, got %v", g)
	}
	if Angles(10, 5, 1) != nil || Angles(0, 5, 0) != nil {
		t.Fatalf("expected nil for an empty grid")
	}
}

func TestSearchRecoversAngle(t *testing.T) {
	pivot := Point{400, 300}
	truth := Point{401, 299}
	a := randomPoints(11, 60, 800, 600)
	b := RotatePoints(a, truth, 70)

	opts := SearchOptions{MinAngle: 35, MaxAngle: 145, Step: 1, Tolerance: 7, Pivot: pivot}
	h, err := SearchBestAngle(context.Background(), a, b, opts)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if h.Angle != 70 {
		t.Fatalf("angle = %v, want 70", h.Angle)
	}
	if h.Matches < len(a)-5 {
		t.Fatalf("matches = %d, want about %d", h.Matches, len(a))
	}
}

func TestSearchParallelEqualsSerial(t *testing.T) {
	pivot := Point{320, 240}
	a := randomPoints(5, 80, 640, 480)
	b := RotatePoints(a, Point{322, 241}, 101)
	// a few unrelated points in B
	b = append(b, randomPoints(6, 15, 640, 480)...)

	base := SearchOptions{MinAngle: 35, MaxAngle: 145, Step: 0.5, Tolerance: 6, Pivot: pivot}
	serial, err := SearchBestAngle(context.Background(), a, b, base)
	if err != nil {
		t.Fatal(err)
	}
	for _, workers := range []int{2, 3, 8, 500} {
		opts := base
		opts.Workers = workers
		got, err := SearchBestAngle(context.Background(), a, b, opts)
		if err != nil {
			t.Fatal(err)
		}
		if got != serial {
			t.Fatalf("workers=%d: %+v, serial %+v", workers, got, serial)
		}
	}
}

func TestSearchTieBreaksOnError(t *testing.T) {
	low := Hypothesis{Angle: 40, Matches: 10, MeanError: 1.5}
	high := Hypothesis{Angle: 41, Matches: 10, MeanError: 0.5}
	more := Hypothesis{Angle: 42, Matches: 11, MeanError: 3}
	if !high.Better(low) || low.Better(high) {
		t.Fatalf("lower mean error should win a tie")
	}
	if !more.Better(high) {
		t.Fatalf("more matches should win")
	}
	if low.Better(low) {
		t.Fatalf("a hypothesis is not better than itself")
	}
}

func TestSearchRejectsBadOptions(t *testing.T) {
	pts := randomPoints(1, 5, 10, 10)
	for _, opts := range []SearchOptions{
		{MinAngle: 35, MaxAngle: 145, Step: 0, Tolerance: 7},
		{MinAngle: 145, MaxAngle: 35, Step: 1, Tolerance: 7},
		{MinAngle: 35, MaxAngle: 145, Step: 1, Tolerance: 0},
	} {
		if _, err := SearchBestAngle(context.Background(), pts, pts, opts); !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("expected ErrInvalidOptions for %+v, got %v", opts, err)
		}
	}
}

func TestSearchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pts := randomPoints(1, 20, 100, 100)
	opts := SearchOptions{MinAngle: 35, MaxAngle: 145, Step: 1, Tolerance: 7, Workers: 4}
	if _, err := SearchBestAngle(ctx, pts, pts, opts); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
