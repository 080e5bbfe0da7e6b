package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"polaralign/internal/equipment"
	"polaralign/internal/pipeline"
	"polaralign/internal/storage"
)

type fixture struct {
	srv   *Server
	store *storage.Store
	pipe  *pipeline.Pipeline
}

// newFixture runs a real pipeline whose processor only checks the uploaded
// files and echoes the options back.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	proc := pipeline.ProcessorFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		for _, p := range []string{job.FrameA, job.FrameB} {
			if _, err := os.Stat(p); err != nil {
				return pipeline.Result{Job: job, Error: err}
			}
		}
		if job.Options["profile"] == "broken" {
			return pipeline.Result{Job: job, Error: errors.New("profile not found")}
		}
		return pipeline.Result{Job: job, Meta: map[string]any{"status": "ok", "focal_mm": job.Options["focal_mm"]}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	pipe := pipeline.New(ctx, pipeline.Options{Concurrency: 1, QueueSize: 4}, slog.Default(), store, proc)
	t.Cleanup(func() {
		pipe.Stop()
		cancel()
	})

	srv := NewServer(Config{
		UploadDir: filepath.Join(dir, "uploads"),
		Pipeline:  pipe,
		Sessions:  store,
		Profiles:  equipment.NewStore(filepath.Join(dir, "profiles.json")),
		Logger:    slog.Default(),
	})
	srv.Run(ctx)
	return &fixture{srv: srv, store: store, pipe: pipe}
}

func solveRequest(t *testing.T, target string, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, name := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("frame bytes"))
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSolveWait(t *testing.T) {
	f := newFixture(t)
	req := solveRequest(t, "/api/solve?wait=true",
		map[string]string{"focal_mm": "700", "pixel_um": "2", "orientation": "up"},
		map[string]string{"frame_a": "a.fits", "frame_b": "b.FITS"})

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var got struct {
		Job  pipeline.Job   `json:"job"`
		Meta map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Meta["focal_mm"] != 700.0 {
		t.Fatalf("form options not forwarded: %v", got.Meta)
	}
	if filepath.Base(got.Job.FrameB) != "frame_b.fits" {
		t.Fatalf("unexpected stored name %s", got.Job.FrameB)
	}
}

func TestSolveWaitReportsJobError(t *testing.T) {
	f := newFixture(t)
	req := solveRequest(t, "/api/solve?wait=true",
		map[string]string{"profile": "broken"},
		map[string]string{"frame_a": "a.png", "frame_b": "b.png"})
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "profile not found") {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSolveAsync(t *testing.T) {
	f := newFixture(t)
	req := solveRequest(t, "/api/solve", nil, map[string]string{"frame_a": "a.png", "frame_b": "b.png"})
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got map[string]string
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !strings.HasPrefix(got["id"], "solve-") {
		t.Fatalf("unexpected id %v", got)
	}
}

func TestSolveBadRequests(t *testing.T) {
	f := newFixture(t)
	cases := map[string]*http.Request{
		"missing frame b": solveRequest(t, "/api/solve", nil, map[string]string{"frame_a": "a.png"}),
		"unknown format":  solveRequest(t, "/api/solve", nil, map[string]string{"frame_a": "a.doc", "frame_b": "b.png"}),
		"bad number": solveRequest(t, "/api/solve", map[string]string{"focal_mm": "long"},
			map[string]string{"frame_a": "a.png", "frame_b": "b.png"}),
		"not multipart": httptest.NewRequest(http.MethodPost, "/api/solve", strings.NewReader("{}")),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			assertNoUploads(t, f.srv.uploadDir)
		})
	}
}

func assertNoUploads(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("rejected upload left behind: %s", e.Name())
	}
}

func TestSolveQueueFullRemovesUpload(t *testing.T) {
	dir := t.TempDir()
	block := make(chan struct{})
	proc := pipeline.ProcessorFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		<-block
		return pipeline.Result{Job: job}
	})
	ctx, cancel := context.WithCancel(context.Background())
	pipe := pipeline.New(ctx, pipeline.Options{Concurrency: 1, QueueSize: 1}, slog.Default(), nil, proc)
	t.Cleanup(func() {
		close(block)
		pipe.Stop()
		cancel()
	})
	srv := NewServer(Config{UploadDir: filepath.Join(dir, "uploads"), Pipeline: pipe, Logger: slog.Default()})

	// one job occupies the worker, one fills the queue
	var codes []int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, solveRequest(t, "/api/solve", nil, map[string]string{"frame_a": "a.png", "frame_b": "b.png"}))
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if codes[len(codes)-1] != http.StatusTooManyRequests {
		t.Fatalf("queue never filled: %v", codes)
	}

	entries, err := os.ReadDir(srv.uploadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(codes)-1 {
		t.Fatalf("uploads = %d, want %d accepted jobs only", len(entries), len(codes)-1)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	f := newFixture(t)
	h := f.srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", rec.Code)
	}

	if err := f.store.RecordSession(storage.SessionRecord{ID: "s1", Status: "ok", OK: true, Matches: 30}); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"matches":30`) {
		t.Fatalf("session = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?limit=5", nil))
	var list []storage.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("sessions = %v, %v", list, err)
	}
}

func TestProfilesEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profiles", nil))
	var list []equipment.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected default profiles, got %d", len(list))
	}
}

func TestStreamDeliversResults(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")
	os.WriteFile(a, []byte("x"), 0644)
	os.WriteFile(b, []byte("x"), 0644)
	if _, err := f.pipe.Submit(pipeline.Job{ID: "stream-1", Type: pipeline.JobSolve, FrameA: a, FrameB: b}); err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"stream-1"`) {
		t.Fatalf("unexpected event %q", line)
	}
}
