package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FleetFile is the schema of the optional runners.yaml file declaring
// runner instances as code.
type FleetFile struct {
	Version string       `yaml:"version"`
	Runners []RunnerSpec `yaml:"runners"`
}

// RunnerSpec declares one runner instance.
type RunnerSpec struct {
	Name      string   `yaml:"name"`
	Repo      string   `yaml:"repo"` // owner/repo
	Labels    []string `yaml:"labels,omitempty"`
	WorkDir   string   `yaml:"work_dir,omitempty"`
	Ephemeral bool     `yaml:"ephemeral,omitempty"`
}

// LoadFleetFile parses and validates a runners.yaml file.
func LoadFleetFile(path string) (*FleetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}

	var fleet FleetFile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file: %w", err)
	}
	if err := fleet.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fleet file %s: %w", path, err)
	}
	return &fleet, nil
}

// Validate checks the fleet file for missing fields and duplicate names.
func (f *FleetFile) Validate() error {
	if len(f.Runners) == 0 {
		return fmt.Errorf("no runners declared")
	}

	seen := make(map[string]bool, len(f.Runners))
	for i, r := range f.Runners {
		if r.Name == "" {
			return fmt.Errorf("runner %d: name is required", i)
		}
		if r.Repo == "" {
			return fmt.Errorf("runner %q: repo is required", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate runner name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
