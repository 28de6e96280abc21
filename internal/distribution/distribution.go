// Package distribution assigns computations to agents.
//
// A Distribution is immutable once built: every computation is hosted by
// exactly one agent. Placement methods are resolved from a static registry.
package distribution

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
)

// ImpossibleDistributionError reports that no assignment satisfies the
// agents' capacities or the hints.
type ImpossibleDistributionError struct {
	Reason string
}

func (e *ImpossibleDistributionError) Error() string {
	return "impossible distribution: " + e.Reason
}

// IsImpossible reports whether err is an ImpossibleDistributionError.
func IsImpossible(err error) bool {
	var target *ImpossibleDistributionError
	return errors.As(err, &target)
}

// Distribution maps agents to the computations they host.
type Distribution struct {
	mapping map[string][]string
	host    map[string]string
}

// New builds a distribution from an agent to computations mapping. A
// computation listed under two agents is an error. Agents may host nothing.
func New(mapping map[string][]string) (*Distribution, error) {
	d := &Distribution{
		mapping: make(map[string][]string, len(mapping)),
		host:    make(map[string]string),
	}
	for agent, comps := range mapping {
		sorted := append([]string(nil), comps...)
		sort.Strings(sorted)
		for _, c := range sorted {
			if other, dup := d.host[c]; dup {
				return nil, fmt.Errorf("computation %s hosted by both %s and %s", c, other, agent)
			}
			d.host[c] = agent
		}
		d.mapping[agent] = sorted
	}
	return d, nil
}

// Agents returns agent names in lexical order.
func (d *Distribution) Agents() []string { return ir.SortedKeys(d.mapping) }

// Computations returns the computations hosted by agent.
func (d *Distribution) Computations(agent string) []string {
	return append([]string(nil), d.mapping[agent]...)
}

// AllComputations returns every distributed computation, sorted.
func (d *Distribution) AllComputations() []string { return ir.SortedKeys(d.host) }

// Host returns the agent hosting computation.
func (d *Distribution) Host(computation string) (string, bool) {
	a, ok := d.host[computation]
	return a, ok
}

// Mapping returns a copy of the agent to computations mapping.
func (d *Distribution) Mapping() map[string][]string {
	out := make(map[string][]string, len(d.mapping))
	for a, comps := range d.mapping {
		out[a] = append([]string(nil), comps...)
	}
	return out
}

// WithHost returns a copy of d where computation is hosted by agent.
func (d *Distribution) WithHost(computation, agent string) *Distribution {
	m := d.Mapping()
	if old, ok := d.host[computation]; ok {
		kept := m[old][:0]
		for _, c := range m[old] {
			if c != computation {
				kept = append(kept, c)
			}
		}
		m[old] = kept
	}
	m[agent] = append(m[agent], computation)
	nd, _ := New(m)
	return nd
}

// Check verifies that d is a partition of the graph's computations over
// known agents.
func (d *Distribution) Check(g *graph.ComputationGraph, agents []string) error {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a] = true
	}
	for _, a := range d.Agents() {
		if len(agents) > 0 && !known[a] {
			return fmt.Errorf("distribution uses unknown agent %s", a)
		}
	}
	for _, c := range g.Names() {
		if _, ok := d.host[c]; !ok {
			return fmt.Errorf("computation %s is not distributed", c)
		}
	}
	for _, c := range d.AllComputations() {
		if _, ok := g.Node(c); !ok {
			return fmt.Errorf("distribution has unknown computation %s", c)
		}
	}
	return nil
}
