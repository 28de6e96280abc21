package ir

import (
	"fmt"
	"math"
)

// Constraint types supported by ConstraintDef.
const (
	ConstraintDifferent   = "different"
	ConstraintEqual       = "equal"
	ConstraintExtensional = "extensional"
)

// TableRow is one entry of an extensional constraint: the cost of the
// assignment listing one value per scope variable, in scope order.
type TableRow struct {
	Assignment []string `yaml:"assignment" json:"assignment"`
	Cost       float64  `yaml:"cost" json:"cost"`
}

// ConstraintDef is a cost function over a scope of variables.
//
//   - different: Weight for each pair of scope variables holding the same value.
//   - equal: Weight for each pair of scope variables holding different values.
//   - extensional: cost from Table, Default for assignments not listed.
type ConstraintDef struct {
	Name      string     `yaml:"name" json:"name"`
	Type      string     `yaml:"type" json:"type"`
	Variables []string   `yaml:"variables" json:"variables"`
	Weight    float64    `yaml:"weight,omitempty" json:"weight,omitempty"`
	Default   float64    `yaml:"default,omitempty" json:"default,omitempty"`
	Table     []TableRow `yaml:"values,omitempty" json:"values,omitempty"`
}

// Validate checks the constraint is well formed.
func (c ConstraintDef) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("constraint name is required")
	}
	if len(c.Variables) == 0 {
		return fmt.Errorf("constraint %s: variables list is required", c.Name)
	}
	switch c.Type {
	case ConstraintDifferent, ConstraintEqual:
		if len(c.Variables) < 2 {
			return fmt.Errorf("constraint %s: %s needs at least two variables", c.Name, c.Type)
		}
	case ConstraintExtensional:
		for i, row := range c.Table {
			if len(row.Assignment) != len(c.Variables) {
				return fmt.Errorf("constraint %s: values[%d] has %d values for %d variables",
					c.Name, i, len(row.Assignment), len(c.Variables))
			}
		}
	default:
		return fmt.Errorf("constraint %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}

// InScope reports whether variable belongs to the constraint's scope.
func (c ConstraintDef) InScope(variable string) bool {
	for _, v := range c.Variables {
		if v == variable {
			return true
		}
	}
	return false
}

// Eval returns the constraint cost under assignment. The second result is
// false when some scope variable is not assigned.
func (c ConstraintDef) Eval(assignment map[string]string) (float64, bool) {
	values := make([]string, len(c.Variables))
	for i, v := range c.Variables {
		val, ok := assignment[v]
		if !ok {
			return 0, false
		}
		values[i] = val
	}

	weight := c.Weight
	if weight == 0 {
		weight = 1
	}

	switch c.Type {
	case ConstraintDifferent:
		cost := 0.0
		for i := 0; i < len(values); i++ {
			for j := i + 1; j < len(values); j++ {
				if values[i] == values[j] {
					cost += weight
				}
			}
		}
		return cost, true
	case ConstraintEqual:
		cost := 0.0
		for i := 0; i < len(values); i++ {
			for j := i + 1; j < len(values); j++ {
				if values[i] != values[j] {
					cost += weight
				}
			}
		}
		return cost, true
	case ConstraintExtensional:
	rows:
		for _, row := range c.Table {
			for i := range values {
				if row.Assignment[i] != values[i] {
					continue rows
				}
			}
			return row.Cost, true
		}
		return c.Default, true
	}
	return math.Inf(1), true
}
