package voice

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes a voice pack: a set of records shipped together, for
// example a wasm synthesizer and the voices it serves.
type Manifest struct {
	Metadata Metadata `yaml:"metadata"`
	Voices   []Record `yaml:"voices"`
}

type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
}

// LoadManifest reads a voice pack from disk. Relative search paths are
// resolved against the manifest's directory.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Manifest{}, err
	}
	for i := range m.Voices {
		for j, p := range m.Voices[i].SearchPaths {
			if !filepath.IsAbs(p) {
				m.Voices[i].SearchPaths[j] = filepath.Join(base, p)
			}
		}
	}
	return m, nil
}

// ValidateManifest ensures the pack is named and every voice is routable.
func ValidateManifest(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if len(m.Voices) == 0 {
		return fmt.Errorf("voices must include at least one entry")
	}
	seen := make(map[string]struct{}, len(m.Voices))
	for i, rec := range m.Voices {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("voices[%d]: %w", i, err)
		}
		if _, dup := seen[rec.Token]; dup {
			return fmt.Errorf("voices[%d]: token %q declared twice", i, rec.Token)
		}
		seen[rec.Token] = struct{}{}
	}
	return nil
}
