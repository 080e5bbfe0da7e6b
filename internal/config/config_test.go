package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"polaralign/internal/polar"
	"polaralign/internal/solver"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("POLARALIGN_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	opts := cfg.SolverOptions()
	want := solver.DefaultOptions()
	if opts.Tolerance != want.Tolerance || opts.MinAngle != want.MinAngle || opts.MaxAngle != want.MaxAngle ||
		opts.MinStars != want.MinStars || opts.MinMatches != want.MinMatches || opts.Maxima != want.Maxima {
		t.Fatalf("solver options drifted from defaults: %+v", opts)
	}
	if strings.HasPrefix(cfg.Paths.ProfilesPath, "~") {
		t.Fatalf("profiles path not expanded: %s", cfg.Paths.ProfilesPath)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"solver":{"tolerance_px":4.5,"detector":"blobs"},"optics":{"orientation":"right"},"storage":{"driver":"sqlite3"}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Solver.Tolerance != 4.5 || cfg.SolverOptions().Detector != solver.DetectorBlobs {
		t.Fatalf("solver section not applied: %+v", cfg.Solver)
	}
	// untouched keys keep their defaults
	if cfg.Solver.Step != 1 || cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("defaults lost: step=%v addr=%q", cfg.Solver.Step, cfg.Server.HTTPAddr)
	}
	o, err := cfg.Orientation()
	if err != nil || o != polar.NorthRight {
		t.Fatalf("orientation = %v, %v", o, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "solver:\n  min_angle: 40\n  max_angle: 120\nwatch:\n  debounce_ms: 250\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Solver.MinAngle != 40 || cfg.Solver.MaxAngle != 120 || cfg.Watch.DebounceMS != 250 {
		t.Fatalf("yaml not applied: %+v %+v", cfg.Solver, cfg.Watch)
	}
	if cfg.Solver.Tolerance != 7 {
		t.Fatalf("tolerance default lost: %v", cfg.Solver.Tolerance)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"c.json", "c.yml"} {
		path := filepath.Join(t.TempDir(), name)
		cfg := Default()
		cfg.Solver.Workers = 6
		if err := cfg.Save(path); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if got.Solver.Workers != 6 {
			t.Fatalf("%s: workers = %d", name, got.Solver.Workers)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"step":        func(c *Config) { c.Solver.Step = 0 },
		"range":       func(c *Config) { c.Solver.MinAngle, c.Solver.MaxAngle = 100, 50 },
		"tolerance":   func(c *Config) { c.Solver.Tolerance = -1 },
		"detector":    func(c *Config) { c.Solver.Detector = "hough" },
		"driver":      func(c *Config) { c.Storage.Driver = "postgres" },
		"orientation": func(c *Config) { c.Optics.Orientation = "sideways" },
		"parallel":    func(c *Config) { c.Processing.ParallelJobs = 0 },
		"queue":       func(c *Config) { c.Processing.QueueSize = 0 },
		"tls pair":    func(c *Config) { c.Server.TLSCert = "/etc/polaralign/cert.pem" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandUser("~/x/y")
	if err != nil || got != filepath.Join(home, "x/y") {
		t.Fatalf("ExpandUser = %q, %v", got, err)
	}
	if got, _ := ExpandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
