package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"polaralign/internal/polar"
	"polaralign/internal/solver"
)

const (
	defaultConfigPath = "~/.config/polaralign/config.json"
	defaultParallel   = 2
	defaultQueueSize  = 32
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds user-editable settings.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Solver     Solver     `json:"solver" yaml:"solver"`
	Optics     Optics     `json:"optics" yaml:"optics"`
	Server     Server     `json:"server" yaml:"server"`
	Watch      Watch      `json:"watch" yaml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // daily file next to stdout
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures default file locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
	ProfilesPath string `json:"profiles_path" yaml:"profiles_path"`
	CaptureDir   string `json:"capture_dir" yaml:"capture_dir"`
	OutputDir    string `json:"output_dir" yaml:"output_dir"`
}

// Storage selects the database/sql driver: "sqlite" is pure Go, "sqlite3"
// needs cgo.
type Storage struct {
	Driver string `json:"driver" yaml:"driver"`
}

// Solver mirrors solver.Options so the file can tune every parameter.
type Solver struct {
	Detector   string               `json:"detector" yaml:"detector"`
	Maxima     solver.DetectOptions `json:"maxima" yaml:"maxima"`
	Blobs      solver.BlobOptions   `json:"blobs" yaml:"blobs"`
	MinAngle   float64              `json:"min_angle" yaml:"min_angle"`
	MaxAngle   float64              `json:"max_angle" yaml:"max_angle"`
	Step       float64              `json:"step" yaml:"step"`
	Tolerance  float64              `json:"tolerance_px" yaml:"tolerance_px"`
	MinStars   int                  `json:"min_stars" yaml:"min_stars"`
	MinMatches int                  `json:"min_matches" yaml:"min_matches"`
	Workers    int                  `json:"workers" yaml:"workers"`
}

// Optics picks the default equipment profile and frame orientation.
type Optics struct {
	Profile     string `json:"profile" yaml:"profile"`
	Orientation string `json:"orientation" yaml:"orientation"`
}

// Server configures the HTTP and gRPC listeners. With TLSCert set the gRPC
// server uses TLS; CACert is what the remote client trusts.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
	TLSCert  string `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey   string `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	CACert   string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`
}

// Watch configures the capture directory watcher.
type Watch struct {
	DebounceMS int      `json:"debounce_ms" yaml:"debounce_ms"`
	Extensions []string `json:"extensions" yaml:"extensions"`
}

// Path returns the config file location, honouring POLARALIGN_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("POLARALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file is not an error.
// Paths ending in .yaml or .yml are decoded as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(data) > 0 {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format its extension implies.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := solver.DefaultOptions()
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    defaultQueueSize,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "polaralign.db"),
			ProfilesPath: "~/.config/polaralign/profiles.json",
			CaptureDir:   ".",
			OutputDir:    "./output",
		},
		Storage: Storage{Driver: "sqlite"},
		Solver: Solver{
			Detector:   string(opts.Detector),
			Maxima:     opts.Maxima,
			Blobs:      opts.Blobs,
			MinAngle:   opts.MinAngle,
			MaxAngle:   opts.MaxAngle,
			Step:       opts.Step,
			Tolerance:  opts.Tolerance,
			MinStars:   opts.MinStars,
			MinMatches: opts.MinMatches,
			Workers:    opts.Workers,
		},
		Optics: Optics{
			Profile:     "Newton 76/700 + ASI678MC",
			Orientation: string(polar.NorthUp),
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			DebounceMS: 500,
			Extensions: []string{".fits", ".fit", ".png", ".tif", ".tiff"},
		},
	}
}

// SolverOptions maps the solver section onto solver.Options.
func (c *Config) SolverOptions() solver.Options {
	s := c.Solver
	return solver.Options{
		Detector:   solver.Detector(s.Detector),
		Maxima:     s.Maxima,
		Blobs:      s.Blobs,
		MinAngle:   s.MinAngle,
		MaxAngle:   s.MaxAngle,
		Step:       s.Step,
		Tolerance:  s.Tolerance,
		MinStars:   s.MinStars,
		MinMatches: s.MinMatches,
		Workers:    s.Workers,
	}
}

// Orientation parses Optics.Orientation.
func (c *Config) Orientation() (polar.Orientation, error) {
	return polar.ParseOrientation(c.Optics.Orientation)
}

// Validate rejects values the solver or services cannot run with.
func (c *Config) Validate() error {
	if err := c.SolverOptions().Validate(); err != nil {
		return fmt.Errorf("%w: solver: %v", ErrInvalidConfig, err)
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if _, err := c.Orientation(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Processing.ParallelJobs <= 0 {
		return fmt.Errorf("%w: parallel_jobs must be positive", ErrInvalidConfig)
	}
	if c.Processing.QueueSize <= 0 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalidConfig)
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("%w: debounce_ms must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Paths.DatabasePath, &c.Paths.ProfilesPath, &c.Paths.CaptureDir, &c.Paths.OutputDir, &c.Logging.LogDir, &c.Server.TLSCert, &c.Server.TLSKey, &c.Server.CACert} {
		expanded, err := expandUser(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandUser resolves a leading ~ against the home directory.
func ExpandUser(path string) (string, error) { return expandUser(path) }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
