package distribution

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileModel is the YAML shape of a distribution file.
type fileModel struct {
	Inputs       map[string]any      `yaml:"inputs,omitempty"`
	Distribution map[string][]string `yaml:"distribution"`
	Cost         *float64            `yaml:"cost,omitempty"`
}

// Load reads a distribution file. Files written by the distribute command
// carry inputs and cost next to the mapping; both are ignored.
func Load(path string) (*Distribution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read distribution file: %w", err)
	}
	return Parse(data)
}

// Parse parses a distribution document.
func Parse(data []byte) (*Distribution, error) {
	var m fileModel
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse distribution: %w", err)
	}
	if len(m.Distribution) == 0 {
		return nil, fmt.Errorf("distribution mapping is required")
	}
	return New(m.Distribution)
}

// Marshal renders d as a distribution document.
func Marshal(d *Distribution) ([]byte, error) {
	return yaml.Marshal(fileModel{Distribution: d.Mapping()})
}
