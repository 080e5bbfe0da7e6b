// Package equipment stores telescope and camera profiles used to turn pixel
// offsets into angles.
package equipment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"polaralign/internal/polar"
)

var (
	ErrNotFound       = errors.New("profile not found")
	ErrInvalidProfile = errors.New("invalid profile")
)

type Telescope struct {
	Name    string  `json:"name" yaml:"name"`
	FocalMM float64 `json:"focal_mm" yaml:"focal_mm"`
}

type Camera struct {
	Name    string  `json:"name" yaml:"name"`
	PixelUM float64 `json:"pixel_um" yaml:"pixel_um"`
}

// Profile is a named telescope and camera combination. FocalMultiplier
// covers barlows and reducers.
type Profile struct {
	Name            string    `json:"name" yaml:"name"`
	Telescope       Telescope `json:"telescope" yaml:"telescope"`
	Camera          Camera    `json:"camera" yaml:"camera"`
	FocalMultiplier float64   `json:"focal_multiplier" yaml:"focal_multiplier"`
}

// EffectiveFocal is the telescope focal length after the multiplier. A zero
// multiplier counts as 1.
func (p Profile) EffectiveFocal() float64 {
	m := p.FocalMultiplier
	if m == 0 {
		m = 1
	}
	return p.Telescope.FocalMM * m
}

// Optics returns converter input for the given frame orientation.
func (p Profile) Optics(orientation polar.Orientation) polar.Optics {
	return polar.Optics{
		FocalMM:     p.EffectiveFocal(),
		PixelUM:     p.Camera.PixelUM,
		Orientation: orientation,
	}
}

func (p Profile) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	case p.Telescope.FocalMM <= 0:
		return fmt.Errorf("%w: %s: focal length must be positive", ErrInvalidProfile, p.Name)
	case p.Camera.PixelUM <= 0:
		return fmt.Errorf("%w: %s: pixel size must be positive", ErrInvalidProfile, p.Name)
	case p.FocalMultiplier < 0:
		return fmt.Errorf("%w: %s: focal multiplier must not be negative", ErrInvalidProfile, p.Name)
	}
	return nil
}

// Defaults returns the built-in profiles, keyed by name.
func Defaults() map[string]Profile {
	list := []Profile{
		{
			Name:            "Newton 76/700 + ASI678MC",
			Telescope:       Telescope{Name: "Newton 76/700", FocalMM: 700},
			Camera:          Camera{Name: "ZWO ASI678MC", PixelUM: 2.0},
			FocalMultiplier: 1,
		},
		{
			Name:            "Refractor 80/480",
			Telescope:       Telescope{Name: "Refractor 80/480", FocalMM: 480},
			Camera:          Camera{Name: "Generic", PixelUM: 3.76},
			FocalMultiplier: 1,
		},
	}
	out := make(map[string]Profile, len(list))
	for _, p := range list {
		out[p.Name] = p
	}
	return out
}

type document struct {
	Profiles []Profile `json:"profiles" yaml:"profiles"`
}

// Store persists profiles in a single JSON or YAML file, chosen by
// extension.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

func (s *Store) yaml() bool {
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load returns the stored profiles. A missing file yields the defaults.
func (s *Store) Load() (map[string]Profile, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if s.yaml() {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path, err)
	}

	out := make(map[string]Profile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if p.FocalMultiplier == 0 {
			p.FocalMultiplier = 1
		}
		out[p.Name] = p
	}
	return out, nil
}

// Save writes profiles sorted by name.
func (s *Store) Save(profiles map[string]Profile) error {
	doc := document{Profiles: sorted(profiles)}

	var (
		data []byte
		err  error
	)
	if s.yaml() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0644)
}

// List returns all profiles sorted by name.
func (s *Store) List() ([]Profile, error) {
	profiles, err := s.Load()
	if err != nil {
		return nil, err
	}
	return sorted(profiles), nil
}

func (s *Store) Get(name string) (Profile, error) {
	profiles, err := s.Load()
	if err != nil {
		return Profile{}, err
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Add inserts or replaces p.
func (s *Store) Add(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.FocalMultiplier == 0 {
		p.FocalMultiplier = 1
	}
	profiles, err := s.Load()
	if err != nil {
		return err
	}
	profiles[p.Name] = p
	return s.Save(profiles)
}

func (s *Store) Remove(name string) error {
	profiles, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := profiles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(profiles, name)
	return s.Save(profiles)
}

func sorted(profiles map[string]Profile) []Profile {
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
