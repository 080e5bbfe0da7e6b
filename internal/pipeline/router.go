package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"polaralign/internal/equipment"
	"polaralign/internal/frames"
	"polaralign/internal/logging"
	"polaralign/internal/polar"
	"polaralign/internal/simulate"
	"polaralign/internal/solver"
	"polaralign/internal/storage"
)

// FrameLoader reads a capture from disk.
type FrameLoader interface {
	Load(path string) (*solver.Image, error)
}

// ProfileSource resolves equipment profiles by name.
type ProfileSource interface {
	Get(name string) (equipment.Profile, error)
}

// MetadataFunc reads equipment keywords from a frame.
type MetadataFunc func(ctx context.Context, path string) (frames.Metadata, error)

// RouterConfig wires the solve and simulate handlers.
type RouterConfig struct {
	Logger      *slog.Logger
	Store       *storage.Store
	Loader      FrameLoader
	Metadata    MetadataFunc // nil means frames.ReadMetadata
	Profiles    ProfileSource
	Solver      solver.Options
	Profile     string            // default profile name
	Orientation polar.Orientation // default frame orientation
	OutputDir   string            // where simulate jobs write frames
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log         *slog.Logger
	store       *storage.Store
	loader      FrameLoader
	metadata    MetadataFunc
	profiles    ProfileSource
	opts        solver.Options
	profile     string
	orientation polar.Orientation
	outputDir   string
}

// NewRouter returns the Processor used by the services.
func NewRouter(cfg RouterConfig) Processor {
	r := &router{
		log:         cfg.Logger,
		store:       cfg.Store,
		loader:      cfg.Loader,
		metadata:    cfg.Metadata,
		profiles:    cfg.Profiles,
		opts:        cfg.Solver,
		profile:     cfg.Profile,
		orientation: cfg.Orientation,
		outputDir:   cfg.OutputDir,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.loader == nil {
		r.loader = frames.NewLoader(nil)
	}
	if r.metadata == nil {
		r.metadata = frames.ReadMetadata
	}
	if r.outputDir == "" {
		r.outputDir = os.TempDir()
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve:
		return r.handleSolve(ctx, job)
	case JobSimulate:
		return r.handleSimulate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// headerProfile labels optics taken from frame A's header.
const headerProfile = "frame header"

// optics resolves the converter input for a job. In order: explicit
// focal_mm and pixel_um options, a profile named in the job, frame A's
// FOCALLEN and XPIXSZ keywords, then the default profile.
func (r *router) optics(ctx context.Context, job Job) (polar.Optics, string, error) {
	orientation := r.orientation
	if s := getStringOption(job.Options, "orientation"); s != "" {
		o, err := polar.ParseOrientation(s)
		if err != nil {
			return polar.Optics{}, "", err
		}
		orientation = o
	}

	focal := getFloat64Option(job.Options, "focal_mm")
	pixel := getFloat64Option(job.Options, "pixel_um")
	if focal > 0 || pixel > 0 {
		return polar.Optics{FocalMM: focal, PixelUM: pixel, Orientation: orientation}, "", nil
	}

	name := getStringOption(job.Options, "profile")
	if name == "" {
		meta, err := r.metadata(ctx, job.FrameA)
		if err != nil {
			r.log.Debug("frame metadata unavailable", "frame", job.FrameA, "error", err)
		} else if meta.HasOptics() {
			return polar.Optics{FocalMM: meta.FocalMM, PixelUM: meta.EffectivePixel(), Orientation: orientation}, headerProfile, nil
		}
		name = r.profile
	}
	if name == "" || r.profiles == nil {
		return polar.Optics{Orientation: orientation}, "", nil
	}
	p, err := r.profiles.Get(name)
	if err != nil {
		return polar.Optics{}, "", err
	}
	return p.Optics(orientation), p.Name, nil
}

func (r *router) handleSolve(ctx context.Context, job Job) Result {
	if job.FrameA == "" || job.FrameB == "" {
		return Result{Job: job, Error: fmt.Errorf("solve needs two frames")}
	}
	optics, profile, err := r.optics(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	a, err := r.loader.Load(job.FrameA)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("frame A: %w", err)}
	}
	b, err := r.loader.Load(job.FrameB)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("frame B: %w", err)}
	}

	opts := r.opts
	if d := getStringOption(job.Options, "detector"); d != "" {
		opts.Detector = solver.Detector(d)
	}
	if tol := getFloat64Option(job.Options, "tolerance_px"); tol > 0 {
		opts.Tolerance = tol
	}

	rep, err := polar.Analyze(ctx, a, b, opts, optics)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogSolveSummary(r.log, job.ID, rep)

	if r.store != nil {
		rec := storage.SessionFromReport(job.ID, job.FrameA, job.FrameB, profile, rep)
		if err := r.store.RecordSession(rec); err != nil {
			r.log.Warn("record session", "id", job.ID, "error", err)
		}
	}

	return Result{Job: job, Meta: reportMeta(rep, profile), Report: &rep}
}

func reportMeta(rep polar.Report, profile string) map[string]any {
	res := rep.Result
	meta := map[string]any{
		"status":   string(rep.Status()),
		"ok":       rep.OK(),
		"message":  rep.Message(),
		"stars_a":  res.StarsA,
		"stars_b":  res.StarsB,
		"matches":  res.Matches,
		"angle":    res.Angle,
		"center_x": res.Center.X,
		"center_y": res.Center.Y,
		"offset_x": res.Offset.X,
		"offset_y": res.Offset.Y,
	}
	if profile != "" {
		meta["profile"] = profile
	}
	if rep.Error.OK {
		meta["azimuth"] = rep.Error.AzimuthText
		meta["altitude"] = rep.Error.AltitudeText
		meta["total"] = rep.Error.TotalText
		meta["azimuth_move"] = rep.Error.AzimuthMove
		meta["altitude_move"] = rep.Error.AltitudeMove
	}
	return meta
}

// handleSimulate renders a synthetic pair into job.Output (or the router's
// output directory) and reports the ground truth.
func (r *router) handleSimulate(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	field := simulate.DefaultFieldOptions()
	if v := getIntOption(job.Options, "width"); v > 0 {
		field.Width = v
	}
	if v := getIntOption(job.Options, "height"); v > 0 {
		field.Height = v
	}
	if v := getIntOption(job.Options, "stars"); v > 0 {
		field.Stars = v
	}
	if v, ok := job.Options["seed"]; ok {
		field.Seed = int64(toFloat(v))
	}
	field.Noise = getFloat64Option(job.Options, "noise")

	angle := getFloat64Option(job.Options, "angle")
	if angle == 0 {
		angle = 60
	}
	center := solver.Point{X: float64(field.Width) / 2, Y: float64(field.Height) / 2}
	if _, ok := job.Options["center_x"]; ok {
		center.X = getFloat64Option(job.Options, "center_x")
	}
	if _, ok := job.Options["center_y"]; ok {
		center.Y = getFloat64Option(job.Options, "center_y")
	}

	capture := simulate.RotationPair(simulate.PairOptions{Field: field, Angle: angle, Center: center, Noise: field.Noise})

	dir := job.Output
	if dir == "" {
		dir = filepath.Join(r.outputDir, job.ID)
	}
	ext := getStringOption(job.Options, "format")
	if ext == "" {
		ext = "png"
	}
	pathA := filepath.Join(dir, "frame_a."+ext)
	pathB := filepath.Join(dir, "frame_b."+ext)
	// optics options end up in FITS headers so the pair solves without a profile
	meta := frames.Metadata{
		Instrument: "polaralign simulator",
		FocalMM:    getFloat64Option(job.Options, "focal_mm"),
		PixelUM:    getFloat64Option(job.Options, "pixel_um"),
	}
	if err := frames.SaveWithMetadata(pathA, capture.A, meta); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write frame A: %w", err)}
	}
	if err := frames.SaveWithMetadata(pathB, capture.B, meta); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write frame B: %w", err)}
	}

	job.FrameA, job.FrameB = pathA, pathB
	return Result{Job: job, Meta: map[string]any{
		"frame_a":  pathA,
		"frame_b":  pathB,
		"angle":    angle,
		"center_x": center.X,
		"center_y": center.Y,
		"stars":    len(capture.Stars),
	}}
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getFloat64Option(options map[string]any, key string) float64 {
	return toFloat(options[key])
}

func getIntOption(options map[string]any, key string) int {
	return int(toFloat(options[key]))
}

// toFloat accepts the numeric shapes JSON decoding and flag parsing produce.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
