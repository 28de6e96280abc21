package algorithm

import (
	"math/rand"

	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
)

// dsaAlgorithm is the Distributed Stochastic Algorithm. Each cycle every
// variable looks for a better value given its neighbors' values and
// switches to it with probability p.
//
// Variants:
//   - A: change only on strict improvement
//   - B: also on ties when the current value is in conflict
//   - C: also on any tie
type dsaAlgorithm struct{}

func (dsaAlgorithm) Name() string          { return "dsa" }
func (dsaAlgorithm) GraphKind() graph.Kind { return graph.ConstraintsGraph }

func (dsaAlgorithm) Params() []ParamDef {
	return []ParamDef{
		{Name: "variant", Type: ParamString, Default: "B", Choices: []string{"A", "B", "C"}},
		{Name: "probability", Type: ParamFloat, Default: 0.7},
		{Name: "stop_cycle", Type: ParamInt, Default: 0},
		{Name: "seed", Type: ParamInt, Default: 0},
	}
}

func (dsaAlgorithm) ComputationMemory(def ir.ComputationDef) float64 {
	return UnitSize * float64(len(def.Neighbors))
}

func (dsaAlgorithm) CommunicationLoad(ir.ComputationDef, string) float64 {
	return UnitSize + HeaderSize
}

func (dsaAlgorithm) NewComputation(def ir.ComputationDef, params Params, objective string) (Computation, error) {
	base, err := newVariableBase(def, objective)
	if err != nil {
		return nil, err
	}
	return &dsaComputation{
		variableBase: base,
		variant:      params.String("variant"),
		probability:  params.Float("probability"),
		stopCycle:    params.Int("stop_cycle"),
		rand:         base.rng(params.Int("seed")),
	}, nil
}

type dsaComputation struct {
	*variableBase
	variant     string
	probability float64
	stopCycle   int
	rand        *rand.Rand
}

func (c *dsaComputation) Start() ([]ir.Message, error) {
	if c.value == "" {
		c.value = c.variable.Domain[c.rand.Intn(len(c.variable.Domain))]
	}
	if len(c.neighbors) == 0 {
		c.startIsolated()
		return nil, nil
	}
	return c.valueMessages(), nil
}

func (c *dsaComputation) Step(inbound []ir.Message) ([]ir.Message, error) {
	if c.finished {
		return nil, nil
	}
	c.recordValues(inbound)

	current := c.localCost(c.value)
	best, bestCost := c.bestValues()
	delta := c.improvement(current, bestCost)

	if c.shouldChange(delta, current) && c.rand.Float64() < c.probability {
		c.value = best[c.rand.Intn(len(best))]
	}

	c.cycle++
	if c.stopCycle > 0 && c.cycle >= c.stopCycle {
		c.finished = true
		return nil, nil
	}
	return c.valueMessages(), nil
}

func (c *dsaComputation) shouldChange(delta, current float64) bool {
	switch c.variant {
	case "A":
		return delta > 0
	case "C":
		return delta >= 0
	default:
		return delta > 0 || (delta == 0 && current > 0)
	}
}

func (c *dsaComputation) Outbound() []ir.Message {
	if c.finished {
		return nil
	}
	return c.valueMessages()
}

func (c *dsaComputation) Snapshot() ir.ComputationState {
	s, _ := ir.ComputationState{Name: c.name, Cycle: c.cycle, Value: c.value}.Seal()
	return s
}

func (c *dsaComputation) Restore(s ir.ComputationState) error {
	if err := c.restoreBase(s); err != nil {
		return err
	}
	c.finished = c.stopCycle > 0 && c.cycle >= c.stopCycle
	return nil
}
