// Package replication plans k-resilient replica placement.
//
// For every computation the planner picks k backup agents other than its
// primary. Placement is greedy on the same cost model the distribution uses
// (hosting cost and route cost from the primary) with penalties that spread
// replicas across agents. Capacity is charged for every replica placed.
package replication

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/dcop/internal/distribution"
	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
)

// MethodHostingCosts is the default replication method.
const MethodHostingCosts = "dist_ucs_hostingcosts"

// ErrUnknownMethod is returned for a replication method missing from the
// registry.
var ErrUnknownMethod = errors.New("unknown replication method")

// ImpossibleReplicationError reports a computation with fewer eligible
// backup agents than requested.
type ImpossibleReplicationError struct {
	Computation string
	Needed      int
	Eligible    int
}

func (e *ImpossibleReplicationError) Error() string {
	return fmt.Sprintf("impossible replication: %s needs %d replicas, %d eligible agents",
		e.Computation, e.Needed, e.Eligible)
}

// IsImpossible reports whether err is an ImpossibleReplicationError.
func IsImpossible(err error) bool {
	var target *ImpossibleReplicationError
	return errors.As(err, &target)
}

// Input is what the planner needs.
type Input struct {
	Distribution *distribution.Distribution
	Graph        *graph.ComputationGraph
	Agents       []ir.AgentDef

	// Memory is the footprint of a replica. Nil means one unit.
	Memory func(def ir.ComputationDef) float64
}

// Planner computes a replica distribution.
type Planner func(in Input, k int) (ir.ReplicaDistribution, error)

var registry = map[string]Planner{
	MethodHostingCosts: planHostingCosts,
}

// Methods lists the registered replication methods.
func Methods() []string {
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Plan runs the named method. On error no replica distribution is returned.
func Plan(method string, in Input, k int) (ir.ReplicaDistribution, error) {
	p, ok := registry[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownMethod, method, Methods())
	}
	if k < 0 {
		return nil, fmt.Errorf("resiliency level must be >= 0, got %d", k)
	}
	return p(in, k)
}

func (in Input) footprint(name string) float64 {
	if in.Memory == nil {
		return 1
	}
	def, ok := in.Graph.Node(name)
	if !ok {
		return 1
	}
	return in.Memory(def)
}

func planHostingCosts(in Input, k int) (ir.ReplicaDistribution, error) {
	replicas := make(ir.ReplicaDistribution)
	if k == 0 {
		return replicas, nil
	}

	// Capacity left once primaries are placed.
	remaining := make(map[string]float64, len(in.Agents))
	for _, a := range in.Agents {
		if a.Unbounded() {
			continue
		}
		used := 0.0
		for _, c := range in.Distribution.Computations(a.Name) {
			used += in.footprint(c)
		}
		remaining[a.Name] = a.Capacity - used
	}
	fits := func(a ir.AgentDef, fp float64) bool {
		return a.Unbounded() || remaining[a.Name] >= fp
	}

	comps := in.Distribution.AllComputations()
	sort.SliceStable(comps, func(i, j int) bool {
		return in.footprint(comps[i]) > in.footprint(comps[j])
	})

	// Fail before placing anything when a computation cannot be covered
	// even with all spare capacity to itself.
	for _, c := range comps {
		primary, _ := in.Distribution.Host(c)
		eligible := 0
		for _, a := range in.Agents {
			if a.Name != primary && fits(a, in.footprint(c)) {
				eligible++
			}
		}
		if eligible < k {
			return nil, &ImpossibleReplicationError{Computation: c, Needed: k, Eligible: eligible}
		}
	}

	load := make(map[string]int)
	perPrimary := make(map[string]map[string]int)

	for _, c := range comps {
		primary, _ := in.Distribution.Host(c)
		fp := in.footprint(c)
		if perPrimary[primary] == nil {
			perPrimary[primary] = make(map[string]int)
		}
		primaryDef := agentDef(in.Agents, primary)

		type candidate struct {
			name  string
			score float64
		}
		var candidates []candidate
		for _, a := range in.Agents {
			if a.Name == primary || !fits(a, fp) {
				continue
			}
			score := a.HostingCost(c) + primaryDef.RouteCost(a.Name) +
				float64(load[a.Name]) + float64(perPrimary[primary][a.Name])
			candidates = append(candidates, candidate{name: a.Name, score: score})
		}
		if len(candidates) < k {
			return nil, &ImpossibleReplicationError{Computation: c, Needed: k, Eligible: len(candidates)}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score < candidates[j].score
			}
			return candidates[i].name < candidates[j].name
		})

		backups := make([]string, 0, k)
		for _, cand := range candidates[:k] {
			backups = append(backups, cand.name)
			load[cand.name]++
			perPrimary[primary][cand.name]++
			if _, bounded := remaining[cand.name]; bounded {
				remaining[cand.name] -= fp
			}
		}
		replicas[c] = backups
	}
	return replicas, nil
}

func agentDef(agents []ir.AgentDef, name string) ir.AgentDef {
	for _, a := range agents {
		if a.Name == name {
			return a
		}
	}
	return ir.AgentDef{Name: name}
}
