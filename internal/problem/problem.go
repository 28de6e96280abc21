// Package problem holds the DCOP model: variables over finite domains,
// constraints, agents and distribution hints, loaded from YAML or CUE files.
package problem

import (
	"fmt"
	"math"

	"github.com/roach88/dcop/internal/ir"
)

// Objectives.
const (
	Minimize = "min"
	Maximize = "max"
)

// DefaultInfinity is the cost treated as a violated hard constraint.
const DefaultInfinity = 10000.0

// Domain is a named finite set of values.
type Domain struct {
	Name   string   `yaml:"-" json:"-"`
	Type   string   `yaml:"type,omitempty" json:"type,omitempty"`
	Values []string `yaml:"values" json:"values"`
}

// Problem is a complete DCOP definition.
type Problem struct {
	Name        string
	Objective   string
	Domains     map[string]Domain
	Variables   map[string]ir.VariableDef
	Constraints map[string]ir.ConstraintDef
	Agents      map[string]ir.AgentDef
	Hints       ir.Hints
}

// New returns an empty minimization problem.
func New(name string) *Problem {
	return &Problem{
		Name:        name,
		Objective:   Minimize,
		Domains:     make(map[string]Domain),
		Variables:   make(map[string]ir.VariableDef),
		Constraints: make(map[string]ir.ConstraintDef),
		Agents:      make(map[string]ir.AgentDef),
	}
}

// VariableNames returns variable names in lexical order.
func (p *Problem) VariableNames() []string { return ir.SortedKeys(p.Variables) }

// ConstraintNames returns constraint names in lexical order.
func (p *Problem) ConstraintNames() []string { return ir.SortedKeys(p.Constraints) }

// AgentNames returns agent names in lexical order.
func (p *Problem) AgentNames() []string { return ir.SortedKeys(p.Agents) }

// AgentList returns agent definitions in name order.
func (p *Problem) AgentList() []ir.AgentDef {
	out := make([]ir.AgentDef, 0, len(p.Agents))
	for _, name := range p.AgentNames() {
		out = append(out, p.Agents[name])
	}
	return out
}

// ConstraintsOf returns the constraints whose scope contains variable,
// in name order.
func (p *Problem) ConstraintsOf(variable string) []ir.ConstraintDef {
	var out []ir.ConstraintDef
	for _, name := range p.ConstraintNames() {
		c := p.Constraints[name]
		if c.InScope(variable) {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks cross references between variables, domains,
// constraints, agents and hints.
func (p *Problem) Validate() error {
	switch p.Objective {
	case Minimize, Maximize:
	default:
		return fmt.Errorf("objective must be %q or %q, got %q", Minimize, Maximize, p.Objective)
	}
	if len(p.Variables) == 0 {
		return fmt.Errorf("problem %s has no variables", p.Name)
	}

	for _, name := range p.VariableNames() {
		v := p.Variables[name]
		if len(v.Domain) == 0 {
			return fmt.Errorf("variable %s: empty domain", name)
		}
		if v.Initial != "" && !v.HasValue(v.Initial) {
			return fmt.Errorf("variable %s: initial value %q not in domain", name, v.Initial)
		}
		for value := range v.Costs {
			if !v.HasValue(value) {
				return fmt.Errorf("variable %s: cost for unknown value %q", name, value)
			}
		}
	}

	for _, name := range p.ConstraintNames() {
		if err := p.validateConstraint(p.Constraints[name]); err != nil {
			return err
		}
	}

	for agent, comps := range p.Hints.MustHost {
		if _, ok := p.Agents[agent]; !ok {
			return fmt.Errorf("distribution_hints: unknown agent %s", agent)
		}
		for _, c := range comps {
			if !p.HasComputation(c) {
				return fmt.Errorf("distribution_hints: unknown computation %s", c)
			}
		}
	}
	return nil
}

func (p *Problem) validateConstraint(c ir.ConstraintDef) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, v := range c.Variables {
		if _, ok := p.Variables[v]; !ok {
			return fmt.Errorf("constraint %s: unknown variable %s", c.Name, v)
		}
	}
	for i, row := range c.Table {
		for j, value := range row.Assignment {
			if !p.Variables[c.Variables[j]].HasValue(value) {
				return fmt.Errorf("constraint %s: values[%d]: %q not in domain of %s",
					c.Name, i, value, c.Variables[j])
			}
		}
	}
	return nil
}

// HasComputation reports whether name is a variable or a constraint.
func (p *Problem) HasComputation(name string) bool {
	if _, ok := p.Variables[name]; ok {
		return true
	}
	_, ok := p.Constraints[name]
	return ok
}

// ReplaceConstraint swaps a constraint definition for a new one with the
// same name and scope.
func (p *Problem) ReplaceConstraint(c ir.ConstraintDef) error {
	old, ok := p.Constraints[c.Name]
	if !ok {
		return fmt.Errorf("unknown constraint %s", c.Name)
	}
	if len(c.Variables) == 0 {
		c.Variables = old.Variables
	}
	if !sameScope(old.Variables, c.Variables) {
		return fmt.Errorf("constraint %s: scope cannot change", c.Name)
	}
	if err := p.validateConstraint(c); err != nil {
		return err
	}
	p.Constraints[c.Name] = c
	return nil
}

func sameScope(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Cost evaluates a full assignment. Constraints whose cost reaches
// infinity count as violations and are excluded from the returned cost.
// Variables missing from the assignment are skipped.
func (p *Problem) Cost(assignment map[string]string, infinity float64) (float64, int) {
	if infinity <= 0 {
		infinity = DefaultInfinity
	}
	cost := 0.0
	violations := 0
	for _, name := range p.ConstraintNames() {
		c, ok := p.Constraints[name].Eval(assignment)
		if !ok {
			continue
		}
		if math.Abs(c) >= infinity {
			violations++
			continue
		}
		cost += c
	}
	for _, name := range p.VariableNames() {
		if value, ok := assignment[name]; ok {
			cost += p.Variables[name].UnaryCost(value)
		}
	}
	return cost, violations
}
