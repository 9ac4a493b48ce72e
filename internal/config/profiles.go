package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	MiB = 1024 * 1024
)

// Thresholds bound a single batch.
type Thresholds struct {
	MaxBytes int64 `yaml:"max_bytes" json:"maxBytes"`
	MaxFiles int   `yaml:"max_files" json:"maxFiles"`
}

// Profiles maps destination hosts to batching thresholds. Hosts matching one
// of ConstrainedHosts (glob patterns) are relayed through a tunnel and get the
// smaller Constrained thresholds.
type Profiles struct {
	ConstrainedHosts []string   `yaml:"constrained_hosts"`
	Direct           Thresholds `yaml:"direct"`
	Constrained      Thresholds `yaml:"constrained"`
}

// DefaultProfiles returns the built-in destination profiles.
func DefaultProfiles() Profiles {
	return Profiles{
		ConstrainedHosts: []string{
			"*.ngrok.io",
			"*.ngrok-free.app",
			"*.ngrok.app",
			"*.trycloudflare.com",
			"*.loca.lt",
		},
		Direct:      Thresholds{MaxBytes: 16 * MiB, MaxFiles: 200},
		Constrained: Thresholds{MaxBytes: 4 * MiB, MaxFiles: 80},
	}
}

// ParseProfiles reads a YAML profiles document. Missing fields keep their defaults.
func ParseProfiles(r io.Reader) (Profiles, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Profiles{}, fmt.Errorf("reading profiles: %w", err)
	}

	profiles := DefaultProfiles()
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return Profiles{}, fmt.Errorf("parsing profiles: %w", err)
	}

	if err := profiles.Validate(); err != nil {
		return Profiles{}, err
	}
	return profiles, nil
}

// LoadProfiles loads profiles from path, falling back to the defaults when the
// file does not exist.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return DefaultProfiles(), nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return DefaultProfiles(), nil
	}
	if err != nil {
		return Profiles{}, fmt.Errorf("opening profiles: %w", err)
	}
	defer f.Close()

	return ParseProfiles(f)
}

// Validate rejects thresholds that would never let a batch form.
func (p Profiles) Validate() error {
	for name, t := range map[string]Thresholds{"direct": p.Direct, "constrained": p.Constrained} {
		if t.MaxBytes <= 0 {
			return fmt.Errorf("profile %s: max_bytes must be positive", name)
		}
		if t.MaxFiles <= 0 {
			return fmt.Errorf("profile %s: max_files must be positive", name)
		}
	}
	return nil
}
