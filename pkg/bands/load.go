package bands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Structure is a band structure file as read by Load.
type Structure struct {
	FermiEnergy float64     `yaml:"fermi_energy"`
	Bands       [][]float64 `yaml:"bands"`
}

// Load reads a band structure from a YAML or JSON file.
func Load(path string) (*Structure, error) {
	// #nosec G304 -- path is provided by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bands file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses a band structure from YAML or JSON bytes.
func LoadFromBytes(data []byte) (*Structure, error) {
	var s Structure
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse bands file: %w", err)
	}
	if len(s.Bands) == 0 {
		return nil, fmt.Errorf("%w: bands file has no bands", ErrInvalidBands)
	}
	return &s, nil
}
