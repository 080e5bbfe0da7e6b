package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"polaralign/internal/equipment"
	"polaralign/internal/frames"
	"polaralign/internal/pipeline"
	"polaralign/internal/storage"
	"polaralign/internal/web"
)

const (
	maxUploadBytes = 256 << 20
	defaultWait    = 2 * time.Minute
)

// Pipeline is the part of pipeline.Pipeline the server drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Sessions is the read side of the session store.
type Sessions interface {
	RecentSessions(limit int) ([]storage.SessionRecord, error)
	Session(id string) (storage.SessionRecord, error)
	RecentJobs(limit int) ([]storage.JobRecord, error)
}

// Profiles lists equipment profiles.
type Profiles interface {
	List() ([]equipment.Profile, error)
}

// Config wires a Server.
type Config struct {
	Addr      string
	UploadDir string
	Pipeline  Pipeline
	Sessions  Sessions
	Profiles  Profiles
	Logger    *slog.Logger
}

// Server exposes the solve pipeline over HTTP, SSE and websockets.
type Server struct {
	addr      string
	uploadDir string
	pipeline  Pipeline
	sessions  Sessions
	profiles  Profiles
	hub       *web.Hub
	log       *slog.Logger
	server    *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "polaralign-uploads")
	}
	return &Server{
		addr:      cfg.Addr,
		uploadDir: cfg.UploadDir,
		pipeline:  cfg.Pipeline,
		sessions:  cfg.Sessions,
		profiles:  cfg.Profiles,
		hub:       web.NewHub(cfg.Logger),
		log:       cfg.Logger,
	}
}

// Run starts the websocket relay without listening. Start calls it; tests
// that mount Handler on httptest call it directly.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)
	if s.pipeline != nil {
		results, unsubscribe := s.pipeline.Subscribe()
		go func() {
			defer unsubscribe()
			web.Relay(ctx, s.hub, results)
		}()
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.Run(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/solve", s.handleSolve).Methods("POST")
	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleSession).Methods("GET")
	api.HandleFunc("/profiles", s.handleProfiles).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no store configured"))
		return
	}
	recs, err := s.sessions.RecentJobs(limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no store configured"))
		return
	}
	recs, err := s.sessions.RecentSessions(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no store configured"))
		return
	}
	rec, err := s.sessions.Session(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeJSON(w, http.StatusOK, []equipment.Profile{})
		return
	}
	list, err := s.profiles.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func limitParam(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

// handleSolve accepts multipart frame_a and frame_b uploads. With ?wait=true
// it blocks until the job finishes and returns the pipeline result;
// otherwise it answers 202 with the job id.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no pipeline configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	id := pipeline.NewID("solve")
	dir := filepath.Join(s.uploadDir, id)
	// drops the partial upload before answering with an error
	reject := func(status int, err error) {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.log.Warn("remove upload", "dir", dir, "error", rmErr)
		}
		writeError(w, status, err)
	}

	pathA, err := saveUpload(r, "frame_a", dir)
	if err != nil {
		reject(http.StatusBadRequest, err)
		return
	}
	pathB, err := saveUpload(r, "frame_b", dir)
	if err != nil {
		reject(http.StatusBadRequest, err)
		return
	}

	options, err := formOptions(r)
	if err != nil {
		reject(http.StatusBadRequest, err)
		return
	}
	job := pipeline.Job{ID: id, Type: pipeline.JobSolve, FrameA: pathA, FrameB: pathB, Options: options}

	if r.URL.Query().Get("wait") != "true" {
		if _, err := s.pipeline.Submit(job); err != nil {
			reject(submitStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		return
	}

	// subscribe first so the result cannot slip past
	results, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	if _, err := s.pipeline.Submit(job); err != nil {
		reject(submitStatus(err), err)
		return
	}

	timeout := time.NewTimer(defaultWait)
	defer timeout.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			writeError(w, http.StatusGatewayTimeout, fmt.Errorf("job %s still running", id))
			return
		case res, ok := <-results:
			if !ok {
				writeError(w, http.StatusServiceUnavailable, errors.New("pipeline stopped"))
				return
			}
			if res.Job.ID != id {
				continue
			}
			status := http.StatusOK
			if res.Error != nil {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(w, status, res)
			return
		}
	}
}

func submitStatus(err error) int {
	if errors.Is(err, pipeline.ErrQueueFull) {
		return http.StatusTooManyRequests
	}
	return http.StatusServiceUnavailable
}

func saveUpload(r *http.Request, field, dir string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	defer file.Close()
	return storeFile(file, header, field, dir)
}

func storeFile(src multipart.File, header *multipart.FileHeader, field, dir string) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !frames.IsFrame("x" + ext) {
		return "", fmt.Errorf("%s: %w: %q", field, frames.ErrUnsupported, ext)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, field+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return path, dst.Close()
}

// formOptions collects the optional solve parameters.
func formOptions(r *http.Request) (map[string]any, error) {
	options := map[string]any{}
	for _, key := range []string{"focal_mm", "pixel_um", "tolerance_px"} {
		v := r.FormValue(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		options[key] = f
	}
	for _, key := range []string{"orientation", "profile", "detector"} {
		if v := r.FormValue(key); v != "" {
			options[key] = v
		}
	}
	return options, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no pipeline configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				s.log.Warn("encode stream event", "job", res.Job.ID, "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
