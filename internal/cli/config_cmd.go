package cli

import (
	"github.com/spf13/cobra"

	"polaralign/internal/config"
	"polaralign/internal/polar"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate or write the polaralign configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the current configuration to disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				path = args[0]
			}
			if err := root.cfg.Save(path); err != nil {
				return err
			}
			root.printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) configShow() error {
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	c := r.cfg
	r.printf("Config file: %s\n", cfgPath)

	r.printf("\nPaths:\n")
	r.printf("  Database: %s (%s)\n", c.Paths.DatabasePath, c.Storage.Driver)
	r.printf("  Profiles: %s\n", c.Paths.ProfilesPath)
	r.printf("  Capture directory: %s\n", c.Paths.CaptureDir)
	r.printf("  Output directory: %s\n", c.Paths.OutputDir)

	r.printf("\nSolver:\n")
	detector := c.Solver.Detector
	if detector == "" {
		detector = "maxima"
	}
	r.printf("  Detector: %s\n", detector)
	r.printf("  Angle search: %g-%g step %g\n", c.Solver.MinAngle, c.Solver.MaxAngle, c.Solver.Step)
	r.printf("  Tolerance: %g px\n", c.Solver.Tolerance)
	r.printf("  Minimum stars/matches: %d/%d\n", c.Solver.MinStars, c.Solver.MinMatches)

	r.printf("\nOptics:\n")
	r.printf("  Profile: %s\n", valueOr(c.Optics.Profile, "(none)"))
	r.printf("  Orientation: %s\n", valueOr(c.Optics.Orientation, string(polar.NorthUp)))

	r.printf("\nProcessing:\n")
	r.printf("  Parallel jobs: %d\n", c.Processing.ParallelJobs)
	r.printf("  Queue size: %d\n", c.Processing.QueueSize)
	r.printf("  Log: %s/%s\n", c.Logging.Level, c.Logging.Format)
	r.printf("  HTTP: %s  gRPC: %s\n", c.Server.HTTPAddr, c.Server.GRPCAddr)
	return nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
