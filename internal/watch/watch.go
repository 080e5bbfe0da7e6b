// Package watch turns frames landing in a capture directory into solve
// jobs, pairing them in arrival order.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"polaralign/internal/frames"
	"polaralign/internal/pipeline"
)

// Submitter accepts solve jobs.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Options configures a Watcher.
type Options struct {
	Dir        string
	Debounce   time.Duration  // quiet time before a file counts as written
	Extensions []string       // empty means anything frames.IsFrame accepts
	JobOptions map[string]any // copied into every submitted job
}

// Pairer holds the first frame of a pair until the second arrives.
type Pairer struct {
	pending string
}

// Add records path. It returns the completed pair once two distinct frames
// have been seen.
func (p *Pairer) Add(path string) (a, b string, ok bool) {
	switch p.pending {
	case "":
		p.pending = path
		return "", "", false
	case path:
		// rewritten in place, still frame A
		return "", "", false
	}
	a, b = p.pending, path
	p.pending = ""
	return a, b, true
}

// Forget drops path if it is the pending frame.
func (p *Pairer) Forget(path string) {
	if p.pending == path {
		p.pending = ""
	}
}

// Pending returns the frame waiting for a partner, if any.
func (p *Pairer) Pending() string { return p.pending }

// Watcher monitors one directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	opts    Options
	submit  Submitter
	log     *slog.Logger
	pairer  Pairer
	timers  map[string]*time.Timer
	ready   chan string
}

func New(opts Options, submit Submitter, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: watcher,
		opts:    opts,
		submit:  submit,
		log:     log,
		timers:  make(map[string]*time.Timer),
		ready:   make(chan string, 16),
	}, nil
}

// Run watches until ctx is done and closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	if err := w.watcher.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	w.log.Info("watching capture directory", "dir", w.opts.Dir, "debounce", w.opts.Debounce)

	defer func() {
		for _, t := range w.timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case path := <-w.ready:
			delete(w.timers, path)
			w.settled(path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !w.accepts(event.Name) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if t, ok := w.timers[event.Name]; ok {
			t.Reset(w.opts.Debounce)
			return
		}
		path := event.Name
		w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
			select {
			case w.ready <- path:
			case <-ctx.Done():
			}
		})
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if t, ok := w.timers[event.Name]; ok {
			t.Stop()
			delete(w.timers, event.Name)
		}
		w.pairer.Forget(event.Name)
	}
}

func (w *Watcher) settled(path string) {
	a, b, ok := w.pairer.Add(path)
	if !ok {
		w.log.Info("frame A captured; rotate RA 60-90 degrees and capture frame B", "frame", path)
		return
	}

	options := make(map[string]any, len(w.opts.JobOptions))
	for k, v := range w.opts.JobOptions {
		options[k] = v
	}
	id, err := w.submit.Submit(pipeline.Job{
		ID:      pipeline.NewID("watch"),
		Type:    pipeline.JobSolve,
		FrameA:  a,
		FrameB:  b,
		Options: options,
	})
	if err != nil {
		w.log.Error("submit solve job", "frame_a", a, "frame_b", b, "error", err)
		return
	}
	w.log.Info("solve job submitted", "id", id, "frame_a", a, "frame_b", b)
}

func (w *Watcher) accepts(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if len(w.opts.Extensions) == 0 {
		return frames.IsFrame(path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.opts.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
