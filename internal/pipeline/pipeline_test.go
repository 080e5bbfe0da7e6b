package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"polaralign/internal/storage"
)

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result{}
}

func TestSubmitDeliversResult(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		return Result{Job: job, Meta: map[string]any{"echo": job.FrameA}}
	})
	p := New(context.Background(), Options{Concurrency: 2, QueueSize: 4}, slog.Default(), store, proc)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	id, err := p.Submit(Job{Type: JobSolve, FrameA: "a.png", FrameB: "b.png"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(id, "solve-") {
		t.Fatalf("unexpected id %q", id)
	}

	res := waitResult(t, ch)
	if res.Job.ID != id || res.Meta["echo"] != "a.png" {
		t.Fatalf("unexpected result %+v", res)
	}

	// the worker records the result before broadcasting
	jobs, err := store.RecentJobs(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" {
		t.Fatalf("job not completed in store: %+v", jobs)
	}
}

func TestQueueFull(t *testing.T) {
	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		<-release
		return Result{Job: job}
	})
	p := New(context.Background(), Options{Concurrency: 1, QueueSize: 1}, slog.Default(), nil, proc)
	defer p.Stop()
	defer close(release)

	var full bool
	for i := 0; i < 4; i++ {
		if _, err := p.Submit(Job{Type: JobSolve}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected ErrQueueFull with one worker and one slot")
	}
}

func TestFailuresAndPanicsBecomeErrors(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		if job.FrameA == "panic" {
			panic("decoder exploded")
		}
		return Result{Job: job, Error: errors.New("bad frame")}
	})
	p := New(context.Background(), Options{Concurrency: 1}, slog.Default(), nil, proc)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	for _, frame := range []string{"broken", "panic"} {
		if _, err := p.Submit(Job{Type: JobSolve, FrameA: frame}); err != nil {
			t.Fatal(err)
		}
		res := waitResult(t, ch)
		if res.Error == nil {
			t.Fatalf("%s: expected error", frame)
		}
		data, err := json.Marshal(res)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"error":`) {
			t.Fatalf("error missing from json: %s", data)
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), Options{}, nil, nil, ProcessorFunc(func(ctx context.Context, job Job) Result {
		return Result{Job: job}
	}))
	ch, _ := p.Subscribe()
	p.Stop()
	if _, err := p.Submit(Job{Type: JobSolve}); err == nil {
		t.Fatalf("expected error after stop")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("subscriber channel should be closed")
	}
}
