package problem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dcop/internal/ir"
)

func TestLoad_MergesFiles(t *testing.T) {
	p, err := Load("testdata/coloring.yaml", "testdata/agents.yaml")
	require.NoError(t, err)

	assert.Equal(t, "coloring", p.Name)
	assert.Equal(t, Minimize, p.Objective)
	assert.Equal(t, []string{"v1", "v2", "v3"}, p.VariableNames())
	assert.Equal(t, []string{"c12", "c23"}, p.ConstraintNames())
	assert.Equal(t, []string{"a1", "a2", "a3"}, p.AgentNames())
	assert.Equal(t, []string{"R", "G", "B"}, p.Variables["v2"].Domain)
	assert.Equal(t, 100.0, p.Agents["a2"].Capacity)
	assert.Equal(t, "a2", p.Agents["a2"].Name)
}

func TestLoad_CUE(t *testing.T) {
	p, err := Load("testdata/coloring.cue")
	require.NoError(t, err)

	assert.Equal(t, "coloring_cue", p.Name)
	assert.Equal(t, "G", p.Variables["x2"].Initial)
	assert.Equal(t, 2.0, p.Agents["b1"].DefaultHostingCost)
	assert.Equal(t, []string{"x1"}, p.Hints.MustHost["b1"])

	cost, violations := p.Cost(map[string]string{"x1": "G", "x2": "R"}, 0)
	assert.Equal(t, 1.0, cost)
	assert.Zero(t, violations)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
name: p
domains: {d: {values: [a]}}
variables: {x: {domain: d, initial: a}}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"unknown domain", `
variables: {x: {domain: nope}}`, "unknown domain"},
		{"initial not in domain", `
domains: {d: {values: [a]}}
variables: {x: {domain: d, initial_value: z}}`, "initial value"},
		{"unknown variable in constraint", `
domains: {d: {values: [a, b]}}
variables: {x: {domain: d}}
constraints: {c: {type: different, variables: [x, y]}}`, "unknown variable"},
		{"bad objective", `
objective: best
domains: {d: {values: [a]}}
variables: {x: {domain: d}}`, "objective"},
		{"hint for unknown agent", `
domains: {d: {values: [a]}}
variables: {x: {domain: d}}
distribution_hints: {must_host: {a9: [x]}}`, "unknown agent"},
		{"table value outside domain", `
domains: {d: {values: [a]}}
variables: {x: {domain: d}, y: {domain: d}}
constraints: {c: {type: extensional, variables: [x, y], values: [{assignment: [a, q], cost: 1}]}}`, "not in domain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_DuplicateNames(t *testing.T) {
	_, err := Load("testdata/coloring.yaml", "testdata/coloring.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined twice")
}

func TestProblem_Cost(t *testing.T) {
	p, err := Load("testdata/coloring.yaml", "testdata/agents.yaml")
	require.NoError(t, err)

	cost, violations := p.Cost(map[string]string{"v1": "R", "v2": "R", "v3": "R"}, DefaultInfinity)
	assert.Equal(t, 2.0, cost)
	assert.Zero(t, violations)

	cost, _ = p.Cost(map[string]string{"v1": "R", "v2": "G", "v3": "R"}, DefaultInfinity)
	assert.Equal(t, 0.0, cost)
}

func TestProblem_CostViolations(t *testing.T) {
	p, err := Parse([]byte(`
domains: {d: {values: [a, b]}}
variables: {x: {domain: d}, y: {domain: d}}
constraints: {c: {type: different, variables: [x, y], weight: 10000}}
`))
	require.NoError(t, err)

	cost, violations := p.Cost(map[string]string{"x": "a", "y": "a"}, DefaultInfinity)
	assert.Equal(t, 0.0, cost)
	assert.Equal(t, 1, violations)
}

func TestProblem_ReplaceConstraint(t *testing.T) {
	p, err := Load("testdata/coloring.yaml")
	require.NoError(t, err)

	err = p.ReplaceConstraint(ir.ConstraintDef{Name: "c12", Type: ir.ConstraintEqual})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, p.Constraints["c12"].Variables)
	assert.Equal(t, ir.ConstraintEqual, p.Constraints["c12"].Type)

	err = p.ReplaceConstraint(ir.ConstraintDef{Name: "c12", Type: ir.ConstraintEqual, Variables: []string{"v1", "v3"}})
	assert.Error(t, err)
	err = p.ReplaceConstraint(ir.ConstraintDef{Name: "zz", Type: ir.ConstraintEqual})
	assert.Error(t, err)
}

func TestProblem_ConstraintsOf(t *testing.T) {
	p, err := Load("testdata/coloring.yaml")
	require.NoError(t, err)

	got := p.ConstraintsOf("v2")
	require.Len(t, got, 2)
	assert.Equal(t, "c12", got[0].Name)
	assert.Equal(t, "c23", got[1].Name)
	assert.Len(t, p.ConstraintsOf("v1"), 1)
}
