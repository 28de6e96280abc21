// Package graph builds computation graphs from a problem.
//
// Builders are resolved from a static registry keyed by graph kind. An
// algorithm declares the kind it runs on; the CLI checks the pairing before
// anything is deployed.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/problem"
)

// Kind names a graph model.
type Kind string

const (
	ConstraintsGraph Kind = "constraints_graph"
	FactorGraph      Kind = "factor_graph"
)

// ErrUnknownGraph is returned for a graph kind missing from the registry.
var ErrUnknownGraph = errors.New("unknown graph model")

// Link is an undirected communication dependency, with A < B.
type Link struct {
	A string `json:"a"`
	B string `json:"b"`
}

// ComputationGraph is the set of computations of a problem and the links
// along which they exchange messages.
type ComputationGraph struct {
	Kind  Kind
	nodes map[string]ir.ComputationDef
	names []string
}

func newGraph(kind Kind, defs []ir.ComputationDef) *ComputationGraph {
	g := &ComputationGraph{Kind: kind, nodes: make(map[string]ir.ComputationDef, len(defs))}
	for _, d := range defs {
		sort.Strings(d.Neighbors)
		g.nodes[d.Name] = d
		g.names = append(g.names, d.Name)
	}
	sort.Strings(g.names)
	return g
}

// Node returns the definition of a computation.
func (g *ComputationGraph) Node(name string) (ir.ComputationDef, bool) {
	d, ok := g.nodes[name]
	return d, ok
}

// Names returns computation names in lexical order.
func (g *ComputationGraph) Names() []string {
	return append([]string(nil), g.names...)
}

// Nodes returns all computation definitions in name order.
func (g *ComputationGraph) Nodes() []ir.ComputationDef {
	out := make([]ir.ComputationDef, 0, len(g.names))
	for _, n := range g.names {
		out = append(out, g.nodes[n])
	}
	return out
}

// Len returns the number of computations.
func (g *ComputationGraph) Len() int { return len(g.names) }

// Neighbors returns the sorted neighbors of a computation.
func (g *ComputationGraph) Neighbors(name string) []string {
	return append([]string(nil), g.nodes[name].Neighbors...)
}

// Links returns every link once, sorted.
func (g *ComputationGraph) Links() []Link {
	var out []Link
	for _, n := range g.names {
		for _, m := range g.nodes[n].Neighbors {
			if n < m {
				out = append(out, Link{A: n, B: m})
			}
		}
	}
	return out
}

// Builder constructs a computation graph for a problem.
type Builder func(p *problem.Problem) (*ComputationGraph, error)

var registry = map[Kind]Builder{
	ConstraintsGraph: buildConstraintsGraph,
	FactorGraph:      buildFactorGraph,
}

// Kinds lists the registered graph kinds.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a graph kind by name.
func Lookup(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := registry[k]; !ok {
		return "", fmt.Errorf("%w: %q (available: %v)", ErrUnknownGraph, name, Kinds())
	}
	return k, nil
}

// Build constructs the graph of the given kind.
func Build(kind Kind, p *problem.Problem) (*ComputationGraph, error) {
	b, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGraph, kind)
	}
	return b(p)
}

// buildConstraintsGraph creates one computation per variable. Two variables
// are neighbors when some constraint has both in its scope.
func buildConstraintsGraph(p *problem.Problem) (*ComputationGraph, error) {
	defs := make([]ir.ComputationDef, 0, len(p.Variables))
	for _, name := range p.VariableNames() {
		v := p.Variables[name]
		constraints := p.ConstraintsOf(name)

		seen := make(map[string]bool)
		var neighbors []string
		for _, c := range constraints {
			for _, other := range c.Variables {
				if other != name && !seen[other] {
					seen[other] = true
					neighbors = append(neighbors, other)
				}
			}
		}
		defs = append(defs, ir.ComputationDef{
			Name:        name,
			Kind:        ir.KindVariable,
			Variable:    &v,
			Constraints: constraints,
			Neighbors:   neighbors,
		})
	}
	return newGraph(ConstraintsGraph, defs), nil
}

// buildFactorGraph creates one computation per variable and one per
// constraint, linking each factor to the variables in its scope.
func buildFactorGraph(p *problem.Problem) (*ComputationGraph, error) {
	var defs []ir.ComputationDef
	for _, name := range p.VariableNames() {
		v := p.Variables[name]
		var factors []string
		for _, c := range p.ConstraintsOf(name) {
			factors = append(factors, c.Name)
		}
		defs = append(defs, ir.ComputationDef{
			Name:      name,
			Kind:      ir.KindVariable,
			Variable:  &v,
			Neighbors: factors,
		})
	}
	for _, name := range p.ConstraintNames() {
		c := p.Constraints[name]
		defs = append(defs, ir.ComputationDef{
			Name:        name,
			Kind:        ir.KindFactor,
			Constraints: []ir.ConstraintDef{c},
			Neighbors:   append([]string(nil), c.Variables...),
		})
	}
	return newGraph(FactorGraph, defs), nil
}
