package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"polaralign/internal/config"
	"polaralign/internal/equipment"
	"polaralign/internal/frames"
	"polaralign/internal/fsutil"
	"polaralign/internal/pipeline"
	"polaralign/internal/polar"
	"polaralign/internal/storage"
	"polaralign/internal/watch"
)

// Version is overridden at link time.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, profiles *equipment.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, profiles))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polaralign",
		Short: "Measure polar alignment error from two rotated frames",
		Long: `polaralign finds the mount's RA axis from two frames taken before and
after an RA rotation, and reports how far the axis is from the sensor
center in pixels and, given the optics, in azimuth and altitude.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newSimulateCmd(root))
	rootCmd.AddCommand(newProfilesCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newRemoteCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// solveFlags are shared by every command that ends in a solve.
type solveFlags struct {
	profile     string
	focalMM     float64
	pixelUM     float64
	orientation string
	tolerance   float64
	detector    string
}

func (f *solveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.profile, "profile", "", "equipment profile name (default from config)")
	cmd.Flags().Float64Var(&f.focalMM, "focal-mm", 0, "focal length in mm, overrides the profile")
	cmd.Flags().Float64Var(&f.pixelUM, "pixel-um", 0, "pixel size in um, overrides the profile")
	cmd.Flags().StringVar(&f.orientation, "orientation", "", "where north is in the frame: up, right, down, left")
	cmd.Flags().Float64Var(&f.tolerance, "tolerance", 0, "match tolerance in pixels")
	cmd.Flags().StringVar(&f.detector, "detector", "", "star detector: maxima or blobs")
}

func (f *solveFlags) options() map[string]any {
	options := map[string]any{}
	if f.profile != "" {
		options["profile"] = f.profile
	}
	if f.focalMM > 0 {
		options["focal_mm"] = f.focalMM
	}
	if f.pixelUM > 0 {
		options["pixel_um"] = f.pixelUM
	}
	if f.orientation != "" {
		options["orientation"] = f.orientation
	}
	if f.tolerance > 0 {
		options["tolerance_px"] = f.tolerance
	}
	if f.detector != "" {
		options["detector"] = f.detector
	}
	return options
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		flags   solveFlags
		asJSON  bool
		latest  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "solve [frame_a frame_b]",
		Short: "Locate the RA axis from two frames",
		Long: `Solve a frame pair: frame A before the RA rotation, frame B after it.
Rotate 60-90 degrees between captures for the best result.

Examples:
  polaralign solve a.fits b.fits --profile "Newton 76/700 + ASI678MC"
  polaralign solve a.png b.png --focal-mm 700 --pixel-um 2.0 --orientation right
  polaralign solve --latest ~/captures`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case latest != "" && len(args) == 0:
				a, b, err := fsutil.LatestPair(latest, frames.IsFrame)
				if err != nil {
					return err
				}
				args = []string{a, b}
			case latest != "":
				return fmt.Errorf("--latest cannot be combined with frame arguments")
			case len(args) != 2:
				return fmt.Errorf("solve needs frame A and frame B, or --latest <dir>")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel func()
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			job := pipeline.Job{
				ID:      pipeline.NewID("solve"),
				Type:    pipeline.JobSolve,
				FrameA:  args[0],
				FrameB:  args[1],
				Options: flags.options(),
			}
			res, err := root.enqueueAndWait(ctx, job)
			if err != nil {
				return err
			}
			if asJSON {
				return root.printJSON(res)
			}
			if res.Report == nil {
				return fmt.Errorf("solve %s returned no report", job.ID)
			}
			root.printReport(res.Report)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&latest, "latest", "", "solve the two newest frames in this directory")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

func newSimulateCmd(root *Root) *cobra.Command {
	var (
		angle   float64
		centerX float64
		centerY float64
		width   int
		height  int
		stars   int
		seed    int64
		noise   float64
		format  string
		solve   bool
		flags   solveFlags
	)

	cmd := &cobra.Command{
		Use:   "simulate [output_dir]",
		Short: "Render a synthetic rotated frame pair",
		Long: `Render a star field and its copy rotated about a known axis, write both
frames, and optionally solve them to check the recovered axis.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := pipeline.NewID("simulate")
			output := ""
			if len(args) > 0 {
				output = args[0]
			} else {
				output = filepath.Join(root.cfg.Paths.OutputDir, id)
			}

			options := map[string]any{
				"angle":  angle,
				"width":  width,
				"height": height,
				"stars":  stars,
				"seed":   seed,
				"noise":  noise,
				"format": format,
			}
			if cmd.Flags().Changed("center-x") {
				options["center_x"] = centerX
			}
			if cmd.Flags().Changed("center-y") {
				options["center_y"] = centerY
			}

			res, err := root.enqueueAndWait(ctx, pipeline.Job{ID: id, Type: pipeline.JobSimulate, Output: output, Options: options})
			if err != nil {
				return err
			}
			root.printf("Frame A: %s\nFrame B: %s\n", res.Job.FrameA, res.Job.FrameB)
			root.printf("Truth:   angle %.1f°, axis (%.1f, %.1f)\n", res.Meta["angle"], res.Meta["center_x"], res.Meta["center_y"])
			if !solve {
				return nil
			}

			solved, err := root.enqueueAndWait(ctx, pipeline.Job{
				ID:      pipeline.NewID("solve"),
				Type:    pipeline.JobSolve,
				FrameA:  res.Job.FrameA,
				FrameB:  res.Job.FrameB,
				Options: flags.options(),
			})
			if err != nil {
				return err
			}
			if solved.Report != nil {
				root.printf("\n")
				root.printReport(solved.Report)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&angle, "angle", 60, "rotation between the frames in degrees")
	cmd.Flags().Float64Var(&centerX, "center-x", 0, "axis x in pixels (default frame center)")
	cmd.Flags().Float64Var(&centerY, "center-y", 0, "axis y in pixels (default frame center)")
	cmd.Flags().IntVar(&width, "width", 800, "frame width")
	cmd.Flags().IntVar(&height, "height", 600, "frame height")
	cmd.Flags().IntVar(&stars, "stars", 250, "number of stars")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().Float64Var(&noise, "noise", 1, "gaussian noise sigma")
	cmd.Flags().StringVar(&format, "format", "png", "output format: png or fits")
	cmd.Flags().BoolVar(&solve, "solve", false, "solve the pair after writing it")
	flags.register(cmd)
	return cmd
}

func newProfilesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage equipment profiles",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List equipment profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := root.profiles.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFOCAL\tPIXEL\tSCALE")
			for _, p := range profiles {
				optics := p.Optics(polar.NorthUp)
				fmt.Fprintf(tw, "%s\t%.0f mm\t%.2f um\t%.3f\"/px\n", p.Name, p.EffectiveFocal(), p.Camera.PixelUM, optics.PlateScale())
			}
			return tw.Flush()
		},
	}

	var (
		p          equipment.Profile
		multiplier float64
	)
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Name = args[0]
			p.FocalMultiplier = multiplier
			if err := root.profiles.Add(p); err != nil {
				return err
			}
			root.log.Info("profile saved", "name", p.Name, "focal_mm", p.EffectiveFocal(), "pixel_um", p.Camera.PixelUM)
			root.printf("Saved profile %q\n", p.Name)
			return nil
		},
	}
	addCmd.Flags().StringVar(&p.Telescope.Name, "telescope", "", "telescope name")
	addCmd.Flags().Float64Var(&p.Telescope.FocalMM, "focal-mm", 0, "native focal length in mm")
	addCmd.Flags().StringVar(&p.Camera.Name, "camera", "", "camera name")
	addCmd.Flags().Float64Var(&p.Camera.PixelUM, "pixel-um", 0, "pixel size in um")
	addCmd.Flags().Float64Var(&multiplier, "multiplier", 1, "barlow or reducer factor")

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.profiles.Remove(args[0]); err != nil {
				return err
			}
			root.printf("Removed profile %q\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [session_id]",
		Short: "Show recent solve sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.sessions == nil {
				return fmt.Errorf("no session database configured")
			}
			if len(args) == 1 {
				rec, err := root.sessions.Session(args[0])
				if err != nil {
					return err
				}
				return root.printJSON(rec)
			}

			sessions, err := root.sessions.RecentSessions(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return root.printJSON(sessions)
			}
			if len(sessions) == 0 {
				root.printf("No sessions recorded yet\n")
				return nil
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tSTATUS\tANGLE\tOFFSET\tAZ\tALT\tID")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%.1f°\t%.1f px\t%s\t%s\t%s\n",
					humanize.Time(s.CreatedAt), s.Status, s.Angle, s.TotalError,
					arcsecText(s.AzimuthArcsec), arcsecText(s.AltitudeArcsec), s.ID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func arcsecText(v *float64) string {
	if v == nil {
		return "-"
	}
	return polar.FormatArcsec(*v)
}

func newServeCmd(root *Root) *cobra.Command {
	var opts ServiceOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, and optionally gRPC and the capture watcher",
		Long: `Start an HTTP server for frame uploads, session history and live results
over SSE and websockets.

Examples:
  polaralign serve --addr :8080
  polaralign serve --addr :8080 --grpc-addr :9090 --watch ~/captures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting services", "http", opts.HTTPAddr, "grpc", opts.GRPCAddr, "watch", opts.WatchDir)
			return root.serviceFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", root.cfg.Server.HTTPAddr, "http address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", "", "also serve gRPC on this address")
	cmd.Flags().StringVar(&opts.WatchDir, "watch", "", "also watch this capture directory")
	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var opts ServiceOptions

	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Serve the solver over gRPC only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serviceFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.GRPCAddr, "addr", root.cfg.Server.GRPCAddr, "grpc address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var flags solveFlags

	cmd := &cobra.Command{
		Use:   "watch [capture_dir]",
		Short: "Solve frame pairs as they are captured",
		Long: `Watch a directory and solve every two consecutive frames written to it.
Capture frame A, rotate RA 60-90 degrees, then capture frame B.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.CaptureDir
			if len(args) > 0 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no capture directory given")
			}

			opts := root.watchOptions(dir)
			opts.JobOptions = flags.options()
			w, err := watch.New(opts, root.pipeline, root.log)
			if err != nil {
				return err
			}

			results, unsubscribe := root.pipeline.Subscribe()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for res := range results {
					root.printWatchResult(res)
				}
			}()

			err = w.Run(cmd.Context())
			unsubscribe()
			<-printed
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

func (r *Root) watchOptions(dir string) watch.Options {
	return watch.Options{
		Dir:        dir,
		Debounce:   time.Duration(r.cfg.Watch.DebounceMS) * time.Millisecond,
		Extensions: r.cfg.Watch.Extensions,
	}
}

func (r *Root) printWatchResult(res pipeline.Result) {
	r.printf("\n== %s  %s / %s\n", res.Job.ID, filepath.Base(res.Job.FrameA), filepath.Base(res.Job.FrameB))
	switch {
	case res.Error != nil:
		r.printf("error: %v\n", res.Error)
	case res.Report != nil:
		r.printReport(res.Report)
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("polaralign %s\n", Version)
		},
	}
}
