package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/distribution"
	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/problem"
)

func joinNames(names []string) string {
	return strings.Join(names, "|")
}

// loadProblem reads and merges the dcop files, in order.
func loadProblem(files []string) (*problem.Problem, error) {
	slog.Info("loading dcop", "files", files)
	p, err := problem.Load(files...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load dcop", err)
	}
	return p, nil
}

// resolveAlgorithm builds the algorithm spec of a run from its name and
// name:value parameters.
func resolveAlgorithm(name string, rawParams []string, objective string) (algorithm.Spec, algorithm.Algorithm, error) {
	params, err := algorithm.SplitParams(rawParams)
	if err != nil {
		return algorithm.Spec{}, nil, WrapExitError(ExitCommandError, "invalid algorithm parameters", err)
	}
	spec := algorithm.Spec{Algorithm: name, Params: params, Objective: objective}
	algo, _, err := spec.Resolve()
	if err != nil {
		return algorithm.Spec{}, nil, WrapExitError(ExitCommandError, "invalid algorithm", err)
	}
	return spec, algo, nil
}

// resolveGraph picks the graph model: the explicit one, which must match
// the algorithm when both are given, or the one the algorithm requires.
func resolveGraph(name string, algo algorithm.Algorithm) (graph.Kind, error) {
	switch {
	case name != "":
		kind, err := graph.Lookup(name)
		if err != nil {
			return "", WrapExitError(ExitCommandError, "invalid graph model", err)
		}
		if algo != nil {
			if err := algorithm.CheckGraph(algo, kind); err != nil {
				return "", WrapExitError(ExitCommandError, "incompatible graph model and algorithm", err)
			}
		}
		return kind, nil
	case algo != nil:
		return algo.GraphKind(), nil
	}
	return "", NewExitError(ExitCommandError, "at least one of --graph or --algo is required")
}

func buildGraph(kind graph.Kind, p *problem.Problem) (*graph.ComputationGraph, error) {
	g, err := graph.Build(kind, p)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build computation graph", err)
	}
	slog.Info("computation graph built", "graph", string(kind), "computations", g.Len())
	return g, nil
}

// distributionInput gathers what placement methods use. Without an
// algorithm every computation and link weighs one unit.
func distributionInput(p *problem.Problem, g *graph.ComputationGraph, algo algorithm.Algorithm) distribution.Input {
	in := distribution.Input{Graph: g, Agents: p.AgentList(), Hints: p.Hints}
	if algo != nil {
		in.Memory = algo.ComputationMemory
		in.Load = algo.CommunicationLoad
	}
	return in
}

// resolveDistribution loads ref when it names an existing file, and
// otherwise computes a distribution with the method called ref.
func resolveDistribution(ref string, in distribution.Input) (*distribution.Distribution, error) {
	if ref == "" {
		return nil, NewExitError(ExitCommandError, "a distribution file or method is required")
	}
	if _, err := os.Stat(ref); err == nil {
		d, err := distribution.Load(ref)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid distribution file", err)
		}
		return d, nil
	}
	d, err := distribution.Distribute(ref, in)
	if err != nil {
		if errors.Is(err, distribution.ErrUnknownDistribution) {
			return nil, WrapExitError(ExitCommandError,
				fmt.Sprintf("%s is neither a distribution file nor a method", ref), err)
		}
		return nil, planningExit("distribution failed", err)
	}
	return d, nil
}
