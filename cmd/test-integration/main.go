package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"polaralign/internal/equipment"
	"polaralign/internal/logging"
	"polaralign/internal/pipeline"
	"polaralign/internal/polar"
	"polaralign/internal/storage"
)

// Renders a synthetic pair, solves it through the full pipeline with a
// real database and checks the recovered axis against the truth.
func main() {
	var (
		workDir   = flag.String("dir", "", "working directory (default: a temp dir)")
		driver    = flag.String("driver", "sqlite", "database driver: sqlite or sqlite3")
		angle     = flag.Float64("angle", 70, "simulated RA rotation in degrees")
		centerX   = flag.Float64("center-x", 431, "simulated axis x")
		centerY   = flag.Float64("center-y", 277, "simulated axis y")
		format    = flag.String("format", "fits", "frame format: fits or png")
		tolerance = flag.Float64("max-error", 12, "allowed axis error in pixels")
	)
	flag.Parse()

	fmt.Println("🔍 Testing simulate -> solve -> storage round trip")

	dir := *workDir
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "polaralign-integration-"); err != nil {
			log.Fatal("Failed to create work dir:", err)
		}
		defer os.RemoveAll(dir)
	}

	store, err := storage.Open(*driver, filepath.Join(dir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()
	fmt.Printf("✅ Opened %s database\n", *driver)

	logger := logging.New("warn", "traditional")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	router := pipeline.NewRouter(pipeline.RouterConfig{
		Logger:      logger,
		Store:       store,
		Profiles:    equipment.NewStore(filepath.Join(dir, "profiles.json")),
		Profile:     "Newton 76/700 + ASI678MC",
		Orientation: polar.NorthUp,
		OutputDir:   dir,
	})
	pipe := pipeline.New(ctx, pipeline.Options{Concurrency: 2}, logger, store, router)
	defer pipe.Stop()

	sim := run(ctx, pipe, pipeline.Job{
		ID:     pipeline.NewID("simulate"),
		Type:   pipeline.JobSimulate,
		Output: filepath.Join(dir, "frames"),
		Options: map[string]any{
			"angle":    *angle,
			"center_x": *centerX,
			"center_y": *centerY,
			"format":   *format,
			"noise":    1.0,
		},
	})
	fmt.Printf("✅ Wrote %s and %s\n", sim.Job.FrameA, sim.Job.FrameB)

	solved := run(ctx, pipe, pipeline.Job{
		ID:     pipeline.NewID("solve"),
		Type:   pipeline.JobSolve,
		FrameA: sim.Job.FrameA,
		FrameB: sim.Job.FrameB,
	})
	rep := solved.Report
	if rep == nil || !rep.Result.OK {
		log.Fatalf("Solve failed: %v", solved.Meta["message"])
	}

	dist := math.Hypot(rep.AxisCenter.X-*centerX, rep.AxisCenter.Y-*centerY)
	fmt.Printf("📊 Solve:\n")
	fmt.Printf("   Angle: %.2f° (truth %.2f°)\n", rep.Result.Angle, *angle)
	fmt.Printf("   Axis: (%.1f, %.1f) truth (%.1f, %.1f), off by %.1f px\n",
		rep.AxisCenter.X, rep.AxisCenter.Y, *centerX, *centerY, dist)
	fmt.Printf("   Matches: %d, mean error %.2f px\n", rep.Result.Matches, rep.Result.MeanError)
	fmt.Printf("   Azimuth %s, altitude %s\n", rep.Error.AzimuthText, rep.Error.AltitudeText)

	rec, err := store.Session(solved.Job.ID)
	if err != nil {
		log.Fatal("Session was not stored:", err)
	}
	fmt.Printf("✅ Session %s stored with status %s\n", rec.ID, rec.Status)

	if dist > *tolerance {
		log.Fatalf("Axis error %.1f px exceeds %.1f px", dist, *tolerance)
	}
	fmt.Println("✅ Test completed.")
}

func run(ctx context.Context, pipe *pipeline.Pipeline, job pipeline.Job) pipeline.Result {
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	if _, err := pipe.Submit(job); err != nil {
		log.Fatalf("Failed to submit %s: %v", job.Type, err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("Timed out waiting for %s", job.ID)
		case res, ok := <-results:
			if !ok {
				log.Fatalf("Pipeline stopped before %s finished", job.ID)
			}
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				log.Fatalf("%s failed: %v", job.Type, res.Error)
			}
			return res
		}
	}
}
