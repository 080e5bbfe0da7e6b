// Package fsutil finds frames in capture directories.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoPair is returned when a directory holds fewer than two frames.
var ErrNoPair = errors.New("fewer than two frames found")

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".pef": {},
	".raf": {},
	".srw": {},
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	_, isRaw := rawExts[strings.ToLower(filepath.Ext(path))]
	return isRaw
}

// File is a frame found on disk.
type File struct {
	Path    string
	ModTime time.Time
}

// ListFrames returns the files directly in dir that accept reports as
// frames, oldest first. Dotfiles are skipped.
func ListFrames(dir string, accept func(string) bool) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if accept != nil && !accept(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, File{Path: path, ModTime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// LatestPair returns the two newest frames in dir as (A, B), A being the
// older capture.
func LatestPair(dir string, accept func(string) bool) (a, b string, err error) {
	files, err := ListFrames(dir, accept)
	if err != nil {
		return "", "", err
	}
	if len(files) < 2 {
		return "", "", fmt.Errorf("%s: %w", dir, ErrNoPair)
	}
	n := len(files)
	return files[n-2].Path, files[n-1].Path, nil
}
