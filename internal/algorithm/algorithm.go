// Package algorithm defines the contract between the agent runtime and the
// optimization algorithms, and a static registry of implementations.
//
// A Computation is driven in synchronous cycles. Start returns the messages
// of cycle 0. Step is called once the runtime holds one message per
// neighbor for the cycle the computation awaits; it returns the messages of
// the next cycle. Computations stamp their own messages.
package algorithm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
)

var (
	// ErrUnknownAlgorithm is returned for a name missing from the registry.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrIncompatibleGraph is returned when an algorithm cannot run on the
	// requested graph model.
	ErrIncompatibleGraph = errors.New("algorithm incompatible with graph model")

	// ErrUnknownParameter is returned for an algorithm parameter name the
	// algorithm does not declare.
	ErrUnknownParameter = errors.New("unknown algorithm parameter")
)

// Size constants used by the memory and load estimates.
const (
	UnitSize   = 1.0
	HeaderSize = 100.0
)

// Computation is one running instance of an algorithm for a single
// computation of the graph.
type Computation interface {
	Name() string

	// Cycle is the cycle whose inbound messages the computation awaits.
	Cycle() int

	Start() ([]ir.Message, error)
	Step(inbound []ir.Message) ([]ir.Message, error)

	// Outbound rebuilds the messages sent for the current cycle from the
	// current state. Used to re-send after a restore.
	Outbound() []ir.Message

	Value() string
	SetValue(value string) error
	Finished() bool

	Snapshot() ir.ComputationState
	Restore(state ir.ComputationState) error
	UpdateConstraint(c ir.ConstraintDef) error
}

// Algorithm is a registered algorithm module.
type Algorithm interface {
	Name() string
	GraphKind() graph.Kind
	Params() []ParamDef
	ComputationMemory(def ir.ComputationDef) float64
	CommunicationLoad(def ir.ComputationDef, target string) float64
	NewComputation(def ir.ComputationDef, params Params, objective string) (Computation, error)
}

var registry = map[string]Algorithm{
	"dsa": dsaAlgorithm{},
	"mgm": mgmAlgorithm{},
}

// Names lists registered algorithms.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves an algorithm by name.
func Lookup(name string) (Algorithm, error) {
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownAlgorithm, name, Names())
	}
	return a, nil
}

// CheckGraph verifies the algorithm runs on the given graph kind.
func CheckGraph(a Algorithm, kind graph.Kind) error {
	if a.GraphKind() != kind {
		return fmt.Errorf("%w: %s requires %s, got %s", ErrIncompatibleGraph, a.Name(), a.GraphKind(), kind)
	}
	return nil
}

// Spec is the serializable description of the algorithm a run uses. It is
// what gets shipped to agents, which build their computations from it.
type Spec struct {
	Algorithm string            `json:"algorithm"`
	Params    map[string]string `json:"params,omitempty"`
	Objective string            `json:"objective"`
}

// Resolve looks up the algorithm and parses the parameters.
func (s Spec) Resolve() (Algorithm, Params, error) {
	a, err := Lookup(s.Algorithm)
	if err != nil {
		return nil, nil, err
	}
	params, err := ParseParams(a.Params(), s.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", a.Name(), err)
	}
	return a, params, nil
}

// Build instantiates the computation for def.
func (s Spec) Build(def ir.ComputationDef) (Computation, error) {
	a, params, err := s.Resolve()
	if err != nil {
		return nil, err
	}
	return a.NewComputation(def, params, s.Objective)
}
