package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"polaralign/internal/cli"
	"polaralign/internal/config"
	"polaralign/internal/equipment"
	"polaralign/internal/frames"
	"polaralign/internal/frames/magick"
	"polaralign/internal/logging"
	"polaralign/internal/pipeline"
	"polaralign/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	orientation, err := cfg.Orientation()
	if err != nil {
		return err
	}
	profiles := equipment.NewStore(cfg.Paths.ProfilesPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := pipeline.NewRouter(pipeline.RouterConfig{
		Logger:      log,
		Store:       store,
		Loader:      frames.NewLoader(magick.New()),
		Profiles:    profiles,
		Solver:      cfg.SolverOptions(),
		Profile:     cfg.Optics.Profile,
		Orientation: orientation,
		OutputDir:   cfg.Paths.OutputDir,
	})
	pipe := pipeline.New(ctx, pipeline.Options{
		Concurrency: cfg.Processing.ParallelJobs,
		QueueSize:   cfg.Processing.QueueSize,
	}, log, store, router)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, profiles, pipe).ExecuteContext(ctx)
}
