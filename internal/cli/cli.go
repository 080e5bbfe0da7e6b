package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"polaralign/internal/config"
	"polaralign/internal/equipment"
	"polaralign/internal/grpcserver"
	"polaralign/internal/pipeline"
	"polaralign/internal/polar"
	"polaralign/internal/server"
	"polaralign/internal/storage"
	"polaralign/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type sessionStore interface {
	RecentSessions(limit int) ([]storage.SessionRecord, error)
	Session(id string) (storage.SessionRecord, error)
	RecentJobs(limit int) ([]storage.JobRecord, error)
}

type profileStore interface {
	List() ([]equipment.Profile, error)
	Get(name string) (equipment.Profile, error)
	Add(p equipment.Profile) error
	Remove(name string) error
}

// ServiceOptions selects which long-running services to start.
type ServiceOptions struct {
	HTTPAddr string
	GRPCAddr string
	WatchDir string
}

type serviceFunc func(ctx context.Context, root *Root, opts ServiceOptions) error

// Root wires CLI commands to the pipeline and stores.
type Root struct {
	pipeline  pipelineClient
	cfg       *config.Config
	log       *slog.Logger
	sessions  sessionStore
	profiles  profileStore
	out       io.Writer
	serviceFn serviceFunc
}

// NewRoot constructs the CLI root. store may be nil when history is not
// kept.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, profiles profileStore) *Root {
	r := &Root{
		pipeline:  pl,
		cfg:       cfg,
		log:       logger,
		profiles:  profiles,
		out:       os.Stdout,
		serviceFn: runServices,
	}
	if store != nil {
		r.sessions = store
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "frame_a", job.FrameA, "frame_b", job.FrameB)
	return nil
}

// printReport writes the human-readable outcome of a solve.
func (r *Root) printReport(rep *polar.Report) {
	res := rep.Result
	r.printf("Stars: A=%d B=%d  matches=%d\n", res.StarsA, res.StarsB, res.Matches)
	if !res.OK {
		r.printf("Status: %s\n%s\n", res.Status, res.Message)
		return
	}
	r.printf("Rotation angle:  %.1f°\n", res.Angle)
	r.printf("Sensor center:   (%.1f, %.1f)\n", rep.SensorCenter.X, rep.SensorCenter.Y)
	r.printf("RA axis:         (%.1f, %.1f)\n", rep.AxisCenter.X, rep.AxisCenter.Y)
	r.printf("Offset:          dx=%.1f dy=%.1f  |%.1f| px  (mean match error %.2f px)\n",
		res.Offset.X, res.Offset.Y, res.TotalError, res.MeanError)

	e := rep.Error
	if !e.OK {
		r.printf("Angular error unavailable: %s\n", e.Message)
		return
	}
	r.printf("Azimuth:   %s  -> %s\n", e.AzimuthText, e.AzimuthMove)
	r.printf("Altitude:  %s  -> %s\n", e.AltitudeText, e.AltitudeMove)
	r.printf("Total:     %s  (%s)\n", e.TotalText, e.Message)
}

// runServices starts every service named in opts and waits for all of them.
func runServices(ctx context.Context, root *Root, opts ServiceOptions) error {
	pipe, ok := root.pipeline.(*pipeline.Pipeline)
	if !ok {
		return errors.New("pipeline does not support server operation")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	if opts.HTTPAddr != "" {
		srv := server.NewServer(server.Config{
			Addr:      opts.HTTPAddr,
			UploadDir: root.cfg.Processing.TempDir,
			Pipeline:  pipe,
			Sessions:  root.sessions,
			Profiles:  root.profiles,
			Logger:    root.log,
		})
		start("http", func() error { return srv.Start(ctx) })
	}
	if opts.GRPCAddr != "" {
		svc := grpcserver.NewSolveServer(pipe, root.profiles, root.log)
		if root.cfg.Server.TLSCert != "" {
			svc.UseTLS(root.cfg.Server.TLSCert, root.cfg.Server.TLSKey)
		}
		start("grpc", func() error { return svc.Start(ctx, opts.GRPCAddr) })
	}
	if opts.WatchDir != "" {
		w, err := watch.New(root.watchOptions(opts.WatchDir), pipe, root.log)
		if err != nil {
			return err
		}
		start("watch", func() error { return w.Run(ctx) })
	}

	wg.Wait()
	return errors.Join(errs...)
}
