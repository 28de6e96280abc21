package ir

import (
	"fmt"
	"sort"
)

// ReplicaDistribution maps a computation to its ordered backup agents.
// Order matters: on primary loss the first reachable backup promotes.
type ReplicaDistribution map[string][]string

// Backups returns the ordered backups of computation.
func (r ReplicaDistribution) Backups(computation string) []string {
	return r[computation]
}

// ReplicasOn returns the computations agent holds a replica of, sorted.
func (r ReplicaDistribution) ReplicasOn(agent string) []string {
	var out []string
	for comp, backups := range r {
		for _, b := range backups {
			if b == agent {
				out = append(out, comp)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of replicas placed on each agent.
func (r ReplicaDistribution) Count() map[string]int {
	counts := make(map[string]int)
	for _, backups := range r {
		for _, b := range backups {
			counts[b]++
		}
	}
	return counts
}

// Check verifies that no backup set contains the computation's primary nor
// the same agent twice. hostOf returns the primary of a computation.
func (r ReplicaDistribution) Check(hostOf func(string) (string, bool)) error {
	for _, comp := range SortedKeys(r) {
		primary, ok := hostOf(comp)
		if !ok {
			return fmt.Errorf("replica for unknown computation %s", comp)
		}
		seen := make(map[string]bool)
		for _, b := range r[comp] {
			if b == primary {
				return fmt.Errorf("computation %s: backup %s is its primary", comp, b)
			}
			if seen[b] {
				return fmt.Errorf("computation %s: backup %s listed twice", comp, b)
			}
			seen[b] = true
		}
	}
	return nil
}
