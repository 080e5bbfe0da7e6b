package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeAt(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	return path
}

func isFITS(path string) bool { return strings.HasSuffix(path, ".fits") }

func TestLatestPair(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeAt(t, dir, "old.fits", base)
	a := writeAt(t, dir, "a.fits", base.Add(time.Minute))
	b := writeAt(t, dir, "b.fits", base.Add(2*time.Minute))
	writeAt(t, dir, "notes.txt", base.Add(3*time.Minute))
	writeAt(t, dir, ".hidden.fits", base.Add(4*time.Minute))

	gotA, gotB, err := LatestPair(dir, isFITS)
	if err != nil {
		t.Fatal(err)
	}
	if gotA != a || gotB != b {
		t.Fatalf("pair = %s, %s", gotA, gotB)
	}
}

func TestLatestPairNeedsTwoFrames(t *testing.T) {
	dir := t.TempDir()
	writeAt(t, dir, "a.fits", time.Now())
	if _, _, err := LatestPair(dir, isFITS); !errors.Is(err, ErrNoPair) {
		t.Fatalf("expected ErrNoPair, got %v", err)
	}
	if _, _, err := LatestPair(filepath.Join(dir, "missing"), isFITS); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestIsRAWFile(t *testing.T) {
	for path, want := range map[string]bool{
		"IMG_0001.CR2": true,
		"frame.nef":    true,
		"frame.fits":   false,
		"frame.png":    false,
	} {
		if got := IsRAWFile(path); got != want {
			t.Errorf("IsRAWFile(%q) = %v, want %v", path, got, want)
		}
	}
}
