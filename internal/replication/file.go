package replication

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dcop/internal/ir"
)

type fileModel struct {
	Inputs  map[string]any         `yaml:"inputs,omitempty"`
	Replica ir.ReplicaDistribution `yaml:"replica_dist"`
}

// Load reads a replica distribution file.
func Load(path string) (ir.ReplicaDistribution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replica distribution: %w", err)
	}
	var m fileModel
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse replica distribution: %w", err)
	}
	return m.Replica, nil
}

// Marshal renders a replica distribution document.
func Marshal(r ir.ReplicaDistribution) ([]byte, error) {
	return yaml.Marshal(fileModel{Replica: r})
}
