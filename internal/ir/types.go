package ir

import "sort"

// ComputationKind distinguishes computations built from variables from the
// ones built from constraints (factor graphs only).
type ComputationKind string

const (
	KindVariable ComputationKind = "variable"
	KindFactor   ComputationKind = "factor"
)

// VariableDef is a decision variable with a finite domain.
type VariableDef struct {
	Name    string   `yaml:"name" json:"name"`
	Domain  []string `yaml:"domain" json:"domain"`
	Initial string   `yaml:"initial_value,omitempty" json:"initial_value,omitempty"`

	// Costs is an optional unary cost per domain value.
	Costs map[string]float64 `yaml:"costs,omitempty" json:"costs,omitempty"`
}

// HasValue reports whether v belongs to the variable's domain.
func (v VariableDef) HasValue(value string) bool {
	for _, d := range v.Domain {
		if d == value {
			return true
		}
	}
	return false
}

// UnaryCost returns the unary cost of assigning value.
func (v VariableDef) UnaryCost(value string) float64 {
	if v.Costs == nil {
		return 0
	}
	return v.Costs[value]
}

// ComputationDef is everything an agent needs to instantiate a computation.
//
// For variable computations, Constraints lists the constraints whose scope
// contains the variable. For factor computations, Constraints holds exactly
// the factor's own constraint and Variable is nil.
type ComputationDef struct {
	Name        string          `json:"name"`
	Kind        ComputationKind `json:"kind"`
	Variable    *VariableDef    `json:"variable,omitempty"`
	Constraints []ConstraintDef `json:"constraints,omitempty"`
	Neighbors   []string        `json:"neighbors"`
}

// HasNeighbor reports whether name is one of the computation's neighbors.
func (c ComputationDef) HasNeighbor(name string) bool {
	for _, n := range c.Neighbors {
		if n == name {
			return true
		}
	}
	return false
}

// AgentDef describes an agent declared in the problem, with the resource
// hints the distribution and replication planners rely on.
type AgentDef struct {
	Name string `yaml:"name" json:"name"`

	// Capacity is the memory capacity of the agent. Zero means unbounded.
	Capacity float64 `yaml:"capacity,omitempty" json:"capacity,omitempty"`

	DefaultHostingCost float64            `yaml:"default_hosting_cost,omitempty" json:"default_hosting_cost,omitempty"`
	HostingCosts       map[string]float64 `yaml:"hosting_costs,omitempty" json:"hosting_costs,omitempty"`

	DefaultRoute float64            `yaml:"default_route,omitempty" json:"default_route,omitempty"`
	Routes       map[string]float64 `yaml:"routes,omitempty" json:"routes,omitempty"`
}

// HostingCost returns the cost for this agent of hosting computation.
func (a AgentDef) HostingCost(computation string) float64 {
	if c, ok := a.HostingCosts[computation]; ok {
		return c
	}
	return a.DefaultHostingCost
}

// RouteCost returns the cost of the communication route to another agent.
func (a AgentDef) RouteCost(other string) float64 {
	if other == a.Name {
		return 0
	}
	if c, ok := a.Routes[other]; ok {
		return c
	}
	if a.DefaultRoute == 0 {
		return 1
	}
	return a.DefaultRoute
}

// Unbounded reports whether the agent has no memory limit.
func (a AgentDef) Unbounded() bool {
	return a.Capacity <= 0
}

// Hints carries distribution hints declared in the problem.
type Hints struct {
	// MustHost pins computations to an agent.
	MustHost map[string][]string `yaml:"must_host,omitempty" json:"must_host,omitempty"`
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
