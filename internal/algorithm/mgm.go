package algorithm

import (
	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
)

// mgmAlgorithm is Maximum Gain Message. Rounds take two cycles: even
// cycles exchange values, odd cycles exchange the best gain each variable
// could achieve. Only a variable whose gain beats all its neighbors' moves;
// ties go to the lexically smaller name.
type mgmAlgorithm struct{}

func (mgmAlgorithm) Name() string          { return "mgm" }
func (mgmAlgorithm) GraphKind() graph.Kind { return graph.ConstraintsGraph }

func (mgmAlgorithm) Params() []ParamDef {
	return []ParamDef{
		{Name: "stop_cycle", Type: ParamInt, Default: 0},
		{Name: "seed", Type: ParamInt, Default: 0},
	}
}

func (mgmAlgorithm) ComputationMemory(def ir.ComputationDef) float64 {
	// value and gain of every neighbor
	return 2 * UnitSize * float64(len(def.Neighbors))
}

func (mgmAlgorithm) CommunicationLoad(ir.ComputationDef, string) float64 {
	return UnitSize + HeaderSize
}

func (mgmAlgorithm) NewComputation(def ir.ComputationDef, params Params, objective string) (Computation, error) {
	base, err := newVariableBase(def, objective)
	if err != nil {
		return nil, err
	}
	c := &mgmComputation{variableBase: base, stopCycle: params.Int("stop_cycle")}
	if c.value == "" {
		r := base.rng(params.Int("seed"))
		c.value = c.variable.Domain[r.Intn(len(c.variable.Domain))]
	}
	return c, nil
}

type mgmComputation struct {
	*variableBase
	stopCycle int

	gain      float64
	candidate string
}

func (c *mgmComputation) Start() ([]ir.Message, error) {
	if len(c.neighbors) == 0 {
		c.startIsolated()
		return nil, nil
	}
	return c.valueMessages(), nil
}

func (c *mgmComputation) Step(inbound []ir.Message) ([]ir.Message, error) {
	if c.finished {
		return nil, nil
	}

	if c.cycle%2 == 0 {
		c.recordValues(inbound)
		current := c.localCost(c.value)
		best, bestCost := c.bestValues()
		c.gain = c.improvement(current, bestCost)
		c.candidate = c.value
		if c.gain > 0 {
			c.candidate = best[0]
		}
		c.cycle++
		return c.gainMessages(), nil
	}

	win := c.gain > 0
	for _, m := range inbound {
		if m.Kind != KindGain {
			continue
		}
		if m.Gain > c.gain || (m.Gain == c.gain && m.From < c.name) {
			win = false
		}
	}
	if win {
		c.value = c.candidate
	}
	c.cycle++
	if c.stopCycle > 0 && c.cycle >= 2*c.stopCycle {
		c.finished = true
		return nil, nil
	}
	return c.valueMessages(), nil
}

func (c *mgmComputation) gainMessages() []ir.Message {
	out := make([]ir.Message, 0, len(c.neighbors))
	for _, n := range c.neighbors {
		out = append(out, ir.Message{Cycle: c.cycle, From: c.name, To: n, Kind: KindGain, Gain: c.gain})
	}
	return out
}

func (c *mgmComputation) Outbound() []ir.Message {
	if c.finished {
		return nil
	}
	if c.cycle%2 == 1 {
		return c.gainMessages()
	}
	return c.valueMessages()
}

func (c *mgmComputation) Snapshot() ir.ComputationState {
	s := ir.ComputationState{Name: c.name, Cycle: c.cycle, Value: c.value}
	if c.cycle%2 == 1 {
		s.Extra = map[string]float64{"gain": c.gain, "candidate": float64(c.candidateIndex())}
	}
	s, _ = s.Seal()
	return s
}

func (c *mgmComputation) candidateIndex() int {
	for i, v := range c.variable.Domain {
		if v == c.candidate {
			return i
		}
	}
	return -1
}

func (c *mgmComputation) Restore(s ir.ComputationState) error {
	if err := c.restoreBase(s); err != nil {
		return err
	}
	c.gain = 0
	c.candidate = c.value
	if s.Extra != nil {
		c.gain = s.Extra["gain"]
		if i := int(s.Extra["candidate"]); i >= 0 && i < len(c.variable.Domain) {
			c.candidate = c.variable.Domain[i]
		}
	}
	c.finished = c.stopCycle > 0 && c.cycle >= 2*c.stopCycle
	return nil
}
