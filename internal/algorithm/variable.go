package algorithm

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/roach88/dcop/internal/ir"
)

// Message kinds.
const (
	KindValue = "value"
	KindGain  = "gain"
)

// variableBase is the state shared by the local-search algorithms: one
// variable, the constraints it takes part in and the last known values of
// its neighbors.
type variableBase struct {
	name        string
	variable    ir.VariableDef
	neighbors   []string
	constraints []ir.ConstraintDef
	objective   string

	cycle     int
	value     string
	finished  bool
	neighborValues map[string]string
}

func newVariableBase(def ir.ComputationDef, objective string) (*variableBase, error) {
	if def.Kind != ir.KindVariable || def.Variable == nil {
		return nil, fmt.Errorf("computation %s is not a variable computation", def.Name)
	}
	if len(def.Variable.Domain) == 0 {
		return nil, fmt.Errorf("variable %s has an empty domain", def.Name)
	}
	return &variableBase{
		name:        def.Name,
		variable:    *def.Variable,
		neighbors:   append([]string(nil), def.Neighbors...),
		constraints: append([]ir.ConstraintDef(nil), def.Constraints...),
		objective:   objective,
		value:       def.Variable.Initial,
		neighborValues:  make(map[string]string),
	}, nil
}

func (b *variableBase) Name() string   { return b.name }
func (b *variableBase) Cycle() int     { return b.cycle }
func (b *variableBase) Value() string  { return b.value }
func (b *variableBase) Finished() bool { return b.finished }

func (b *variableBase) SetValue(value string) error {
	if !b.variable.HasValue(value) {
		return fmt.Errorf("value %q not in domain of %s", value, b.name)
	}
	b.value = value
	return nil
}

func (b *variableBase) UpdateConstraint(c ir.ConstraintDef) error {
	for i := range b.constraints {
		if b.constraints[i].Name == c.Name {
			if len(c.Variables) == 0 {
				c.Variables = b.constraints[i].Variables
			}
			b.constraints[i] = c
			return nil
		}
	}
	return fmt.Errorf("constraint %s does not involve %s", c.Name, b.name)
}

// rng seeds a deterministic source from the computation name so two runs of
// the same problem make the same random choices.
func (b *variableBase) rng(seed int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(b.name))
	return rand.New(rand.NewSource(int64(h.Sum64()) + int64(seed)))
}

// localCost is the cost of value given the neighbor values known so far.
// Constraints with an unknown scope variable are skipped.
func (b *variableBase) localCost(value string) float64 {
	assignment := make(map[string]string, len(b.neighborValues)+1)
	for k, v := range b.neighborValues {
		assignment[k] = v
	}
	assignment[b.name] = value

	cost := b.variable.UnaryCost(value)
	for _, c := range b.constraints {
		if v, ok := c.Eval(assignment); ok {
			cost += v
		}
	}
	return cost
}

// better reports whether cost a is strictly preferable to cost c.
func (b *variableBase) better(a, c float64) bool {
	if b.objective == "max" {
		return a > c
	}
	return a < c
}

// improvement is how much bestCost improves on current, positive when it
// is better.
func (b *variableBase) improvement(current, bestCost float64) float64 {
	if b.objective == "max" {
		return bestCost - current
	}
	return current - bestCost
}

// bestValues returns the values with the best local cost, in domain order.
func (b *variableBase) bestValues() ([]string, float64) {
	var best []string
	var bestCost float64
	for i, v := range b.variable.Domain {
		c := b.localCost(v)
		switch {
		case i == 0 || b.better(c, bestCost):
			best = []string{v}
			bestCost = c
		case c == bestCost:
			best = append(best, v)
		}
	}
	return best, bestCost
}

func (b *variableBase) recordValues(inbound []ir.Message) {
	for _, m := range inbound {
		if m.Kind == KindValue {
			b.neighborValues[m.From] = m.Value
		}
	}
}

func (b *variableBase) valueMessages() []ir.Message {
	out := make([]ir.Message, 0, len(b.neighbors))
	for _, n := range b.neighbors {
		out = append(out, ir.Message{Cycle: b.cycle, From: b.name, To: n, Kind: KindValue, Value: b.value})
	}
	return out
}

// startIsolated settles a computation without neighbors on its best unary
// value.
func (b *variableBase) startIsolated() {
	best, _ := b.bestValues()
	b.value = best[0]
	b.finished = true
}

func (b *variableBase) restoreBase(s ir.ComputationState) error {
	if s.Name != b.name {
		return fmt.Errorf("state for %s restored into %s", s.Name, b.name)
	}
	if !s.Verify() {
		return fmt.Errorf("state digest mismatch for %s", s.Name)
	}
	if s.Value != "" && !b.variable.HasValue(s.Value) {
		return fmt.Errorf("restored value %q not in domain of %s", s.Value, b.name)
	}
	b.cycle = s.Cycle
	b.value = s.Value
	b.neighborValues = make(map[string]string)
	return nil
}
