package distribution

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
)

// ErrUnknownDistribution is returned for a method missing from the registry.
var ErrUnknownDistribution = errors.New("unknown distribution method")

// Input is everything a placement method may use.
type Input struct {
	Graph  *graph.ComputationGraph
	Agents []ir.AgentDef
	Hints  ir.Hints

	// Memory and Load come from the algorithm. When nil every computation
	// weighs one unit and every link carries one unit.
	Memory func(def ir.ComputationDef) float64
	Load   func(def ir.ComputationDef, target string) float64
}

func (in Input) memory(def ir.ComputationDef) float64 {
	if in.Memory == nil {
		return 1
	}
	return in.Memory(def)
}

func (in Input) load(def ir.ComputationDef, target string) float64 {
	if in.Load == nil {
		return 1
	}
	return in.Load(def, target)
}

func (in Input) agent(name string) (ir.AgentDef, bool) {
	for _, a := range in.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return ir.AgentDef{}, false
}

// Method computes a distribution.
type Method func(in Input) (*Distribution, error)

var registry = map[string]Method{
	"oneagent":     oneAgent,
	"heur_comhost": heurComHost,
}

// Methods lists the registered methods.
func Methods() []string {
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a method by name.
func Lookup(name string) (Method, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDistribution, name, Methods())
	}
	return m, nil
}

// Distribute runs the named method.
func Distribute(name string, in Input) (*Distribution, error) {
	m, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return m(in)
}

// placement tracks remaining capacity while a method assigns computations.
type placement struct {
	in      Input
	mapping map[string][]string
	host    map[string]string
	used    map[string]float64
}

func newPlacement(in Input) *placement {
	p := &placement{
		in:      in,
		mapping: make(map[string][]string),
		host:    make(map[string]string),
		used:    make(map[string]float64),
	}
	for _, a := range in.Agents {
		p.mapping[a.Name] = nil
	}
	return p
}

func (p *placement) fits(a ir.AgentDef, footprint float64) bool {
	return a.Unbounded() || p.used[a.Name]+footprint <= a.Capacity
}

func (p *placement) place(comp, agent string, footprint float64) {
	p.mapping[agent] = append(p.mapping[agent], comp)
	p.host[comp] = agent
	p.used[agent] += footprint
}

// applyHints places the must_host computations first.
func (p *placement) applyHints() error {
	for _, agent := range ir.SortedKeys(p.in.Hints.MustHost) {
		a, ok := p.in.agent(agent)
		if !ok {
			return &ImpossibleDistributionError{Reason: fmt.Sprintf("hint for unknown agent %s", agent)}
		}
		for _, comp := range p.in.Hints.MustHost[agent] {
			def, ok := p.in.Graph.Node(comp)
			if !ok {
				// hints may name constraints absent from a constraints graph
				continue
			}
			if h, done := p.host[comp]; done {
				return &ImpossibleDistributionError{
					Reason: fmt.Sprintf("%s must be hosted by both %s and %s", comp, h, agent),
				}
			}
			fp := p.in.memory(def)
			if !p.fits(a, fp) {
				return &ImpossibleDistributionError{
					Reason: fmt.Sprintf("agent %s cannot fit required computation %s", agent, comp),
				}
			}
			p.place(comp, agent, fp)
		}
	}
	return nil
}

func (p *placement) result() (*Distribution, error) {
	return New(p.mapping)
}

// oneAgent hosts each computation on its own agent, preferring the agent
// with the lowest hosting cost.
func oneAgent(in Input) (*Distribution, error) {
	if len(in.Agents) < in.Graph.Len() {
		return nil, &ImpossibleDistributionError{
			Reason: fmt.Sprintf("oneagent needs %d agents, only %d available", in.Graph.Len(), len(in.Agents)),
		}
	}
	p := newPlacement(in)
	if err := p.applyHints(); err != nil {
		return nil, err
	}
	for agent, comps := range p.mapping {
		if len(comps) > 1 {
			return nil, &ImpossibleDistributionError{Reason: fmt.Sprintf("hints place several computations on %s", agent)}
		}
	}

	for _, comp := range in.Graph.Names() {
		if _, done := p.host[comp]; done {
			continue
		}
		def, _ := in.Graph.Node(comp)
		fp := in.memory(def)

		var best *ir.AgentDef
		for i := range in.Agents {
			a := in.Agents[i]
			if len(p.mapping[a.Name]) > 0 || !p.fits(a, fp) {
				continue
			}
			if best == nil || a.HostingCost(comp) < best.HostingCost(comp) {
				best = &in.Agents[i]
			}
		}
		if best == nil {
			return nil, &ImpossibleDistributionError{Reason: fmt.Sprintf("no free agent can host %s", comp)}
		}
		p.place(comp, best.Name, fp)
	}
	return p.result()
}

// heurComHost places the heaviest computations first, each on the agent
// minimizing its hosting cost plus the communication cost towards the
// neighbors already placed.
func heurComHost(in Input) (*Distribution, error) {
	if len(in.Agents) == 0 {
		return nil, &ImpossibleDistributionError{Reason: "no agents"}
	}
	p := newPlacement(in)
	if err := p.applyHints(); err != nil {
		return nil, err
	}

	defs := in.Graph.Nodes()
	sort.SliceStable(defs, func(i, j int) bool {
		return in.memory(defs[i]) > in.memory(defs[j])
	})

	for _, def := range defs {
		if _, done := p.host[def.Name]; done {
			continue
		}
		fp := in.memory(def)

		bestAgent := ""
		bestScore := 0.0
		for _, a := range in.Agents {
			if !p.fits(a, fp) {
				continue
			}
			score := a.HostingCost(def.Name)
			for _, n := range def.Neighbors {
				if h, ok := p.host[n]; ok && h != a.Name {
					score += in.load(def, n) * a.RouteCost(h)
				}
			}
			if bestAgent == "" || score < bestScore {
				bestAgent, bestScore = a.Name, score
			}
		}
		if bestAgent == "" {
			return nil, &ImpossibleDistributionError{
				Reason: fmt.Sprintf("no agent has capacity %.1f left for %s", fp, def.Name),
			}
		}
		p.place(def.Name, bestAgent, fp)
	}
	return p.result()
}

// Cost evaluates a distribution: the hosting cost of every computation on
// its agent plus, for every link crossing agents, the link load times the
// route cost. Both parts are also returned separately.
func Cost(d *Distribution, in Input) (total, hosting, communication float64) {
	for _, comp := range d.AllComputations() {
		agent, _ := d.Host(comp)
		if a, ok := in.agent(agent); ok {
			hosting += a.HostingCost(comp)
		}
	}
	for _, l := range in.Graph.Links() {
		ha, _ := d.Host(l.A)
		hb, _ := d.Host(l.B)
		if ha == hb {
			continue
		}
		def, _ := in.Graph.Node(l.A)
		route := 1.0
		if a, ok := in.agent(ha); ok {
			route = a.RouteCost(hb)
		}
		communication += in.load(def, l.B) * route
	}
	return hosting + communication, hosting, communication
}
