// Package config provides configuration loading and management for seegplan.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"seegplan/pkg/entry"
	"seegplan/pkg/trajectory"
)

// Target is a deep target point given either in voxel indices or in world
// millimetres. Exactly one of Voxel and World must be set.
type Target struct {
	Name  string    `yaml:"name"`
	Voxel []int     `yaml:"voxel,omitempty"`
	World []float64 `yaml:"world,omitempty"`
}

// Label returns the target's name, or target-<i+1> for an unnamed target
// at position i.
func (t Target) Label(i int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("target-%d", i+1)
}

// Subject lists the inputs of one patient.
type Subject struct {
	// ID names the subject's output directory
	ID string `yaml:"id"`

	// ForbiddenMask is the combined ventricle/sulcus/vessel mask. When
	// empty, the union of ComponentMasks is used.
	ForbiddenMask string `yaml:"forbiddenMask,omitempty"`

	// ComponentMasks are individual structures (e.g. "ventricles",
	// "sulci", "vessels") that also get their own distance maps.
	ComponentMasks []ComponentMask `yaml:"componentMasks,omitempty"`

	// EntryMask marks cortical voxels eligible for entry
	EntryMask string `yaml:"entryMask"`

	// Targets are the deep points to plan for
	Targets []Target `yaml:"targets"`
}

// ComponentMask is one named forbidden structure.
type ComponentMask struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines the voxel walks and the
		// distance transform may use
		NumWorkers int `yaml:"numWorkers"`

		// CutoffMM caps the distance field
		CutoffMM float64 `yaml:"cutoffMM"`

		// OvershootMM extends every trajectory past its target
		OvershootMM float64 `yaml:"overshootMM"`

		// MinMarginMM drops trajectories whose clearance is at or below it
		MinMarginMM float64 `yaml:"minMarginMM"`

		// EntryPoints is the size of the entry working set
		EntryPoints int `yaml:"entryPoints"`

		// Sampling is "stride" or "spacing"
		Sampling string `yaml:"sampling"`

		// SamplingSpacingMM is the minimum distance between entries for
		// the spacing sampler
		SamplingSpacingMM float64 `yaml:"samplingSpacingMM"`

		// DirectionBasis is "voxel" or "physical"
		DirectionBasis string `yaml:"directionBasis"`

		// Timeout bounds one subject's run, e.g. "10m". Empty means none.
		Timeout string `yaml:"timeout"`
	} `yaml:"processing"`

	// Subjects to plan
	Subjects []Subject `yaml:"subjects"`

	// Output parameters
	Output struct {
		// Dir receives one directory per subject
		Dir string `yaml:"dir"`

		// Reset re-runs subjects whose output already exists
		Reset bool `yaml:"reset"`

		// SaveDistanceMap writes the distance field(s) as NIfTI
		SaveDistanceMap bool `yaml:"saveDistanceMap"`

		// SaveDebugImages writes slice overlays and a margin histogram
		SaveDebugImages bool `yaml:"saveDebugImages"`

		// Database is a SQLite file archiving every run. Empty disables it.
		Database string `yaml:"database"`

		// MetricsFile is a Prometheus textfile. Empty disables it.
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`

	// Logging parameters
	Log struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// Format is json or console
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.CutoffMM = 15.0
	cfg.Processing.OvershootMM = trajectory.DefaultOvershootMM
	cfg.Processing.MinMarginMM = 0.0
	cfg.Processing.EntryPoints = entry.DefaultCount
	cfg.Processing.Sampling = string(entry.Stride)
	cfg.Processing.SamplingSpacingMM = 2.0
	cfg.Processing.DirectionBasis = string(trajectory.VoxelBasis)

	cfg.Output.Dir = "path_planning"
	cfg.Output.Reset = false
	cfg.Output.SaveDistanceMap = true
	cfg.Output.SaveDebugImages = false

	cfg.Log.Level = "info"
	cfg.Log.Format = "console"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// relative input paths are resolved against the config file
	base := filepath.Dir(configPath)
	for i := range cfg.Subjects {
		cfg.Subjects[i].resolve(base)
	}

	return cfg, nil
}

func (s *Subject) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	s.ForbiddenMask = abs(s.ForbiddenMask)
	s.EntryMask = abs(s.EntryMask)
	for i := range s.ComponentMasks {
		s.ComponentMasks[i].Path = abs(s.ComponentMasks[i].Path)
	}
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	var errs []error
	p := c.Processing
	if p.CutoffMM <= 0 {
		errs = append(errs, fmt.Errorf("processing.cutoffMM must be positive, got %v", p.CutoffMM))
	}
	if p.OvershootMM < 0 {
		errs = append(errs, fmt.Errorf("processing.overshootMM must not be negative, got %v", p.OvershootMM))
	}
	if p.MinMarginMM < 0 {
		errs = append(errs, fmt.Errorf("processing.minMarginMM must not be negative, got %v", p.MinMarginMM))
	}
	if _, err := entry.ParseStrategy(p.Sampling); err != nil {
		errs = append(errs, err)
	}
	if _, err := trajectory.ParseBasis(p.DirectionBasis); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Timeout(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, s := range c.Subjects {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("subjects[%d]: id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("subjects[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true

		if s.ForbiddenMask == "" && len(s.ComponentMasks) == 0 {
			errs = append(errs, fmt.Errorf("subject %s: forbiddenMask or componentMasks is required", s.ID))
		}
		if s.EntryMask == "" {
			errs = append(errs, fmt.Errorf("subject %s: entryMask is required", s.ID))
		}
		if len(s.Targets) == 0 {
			errs = append(errs, fmt.Errorf("subject %s: at least one target is required", s.ID))
		}
		names := make(map[string]int)
		for j, t := range s.Targets {
			if prev, ok := names[t.Label(j)]; ok {
				errs = append(errs, fmt.Errorf("subject %s: targets[%d] name %q already used by targets[%d]", s.ID, j, t.Label(j), prev))
			} else {
				names[t.Label(j)] = j
			}
			if strings.HasPrefix(t.Name, "#") {
				errs = append(errs, fmt.Errorf("subject %s: targets[%d] name %q must not start with '#'", s.ID, j, t.Name))
			}
			switch {
			case len(t.Voxel) == 3 && len(t.World) == 0:
			case len(t.World) == 3 && len(t.Voxel) == 0:
			default:
				errs = append(errs, fmt.Errorf("subject %s: targets[%d] needs exactly one of voxel or world with 3 values", s.ID, j))
			}
		}
	}

	return errors.Join(errs...)
}

// Timeout parses Processing.Timeout. Zero means no limit.
func (c *Config) Timeout() (time.Duration, error) {
	if c.Processing.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Processing.Timeout)
	if err != nil {
		return 0, fmt.Errorf("processing.timeout: %w", err)
	}
	return d, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path, with one example subject to fill in.
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	cfg.Subjects = []Subject{{
		ID:            "sub-01",
		ForbiddenMask: "sub-01/mask_final.nii.gz",
		EntryMask:     "sub-01/entry_points.nii.gz",
		Targets: []Target{
			{Name: "target-1", Voxel: []int{312, 277, 94}},
			{Name: "target-2", Voxel: []int{225, 261, 100}},
		},
	}}
	return SaveConfig(cfg, configPath)
}
