package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDistribute_GoldenJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "distribute",
		"--dist", "oneagent", "--graph", "constraints_graph",
		"testdata/coloring.yaml", "testdata/agents3.yaml")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "distribute_oneagent", []byte(out))
}

func TestDistribute_TextWithAlgorithm(t *testing.T) {
	out, err := execute(t, "distribute", "-d", "heur_comhost", "-a", "mgm",
		"testdata/coloring.yaml", "testdata/agents3.yaml")
	require.NoError(t, err)

	var got DistributeResult
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Cost)
	hosted := 0
	for _, comps := range got.Distribution {
		hosted += len(comps)
	}
	assert.Equal(t, 3, hosted)
	assert.Equal(t, "mgm", got.Inputs["algo"])
	assert.Nil(t, got.Inputs["graph"])
}

func TestDistribute_ImpossibleExitsTwo(t *testing.T) {
	out, err := execute(t, "--format", "json", "distribute", "-d", "oneagent", "-a", "dsa",
		"testdata/coloring.yaml", "testdata/agents2.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitImpossible, GetExitCode(err))

	var got Failure
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "FAIL", got.Status)
	assert.Contains(t, got.Error, "oneagent needs 3 agents")
}

func TestDistribute_CommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{
			name: "incompatible graph and algorithm",
			args: []string{"-d", "oneagent", "-g", "factor_graph", "-a", "mgm"},
			msg:  "incompatible graph model",
		},
		{
			name: "neither graph nor algorithm",
			args: []string{"-d", "oneagent"},
			msg:  "--graph or --algo",
		},
		{
			name: "unknown method",
			args: []string{"-d", "round_robin", "-a", "mgm"},
			msg:  "invalid distribution method",
		},
		{
			name: "unknown graph",
			args: []string{"-d", "oneagent", "-g", "hypergraph"},
			msg:  "invalid graph model",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"distribute"}, tt.args...)
			args = append(args, "testdata/coloring.yaml", "testdata/agents3.yaml")
			out, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.msg)
			assert.Empty(t, out)
		})
	}
}

func TestDistribute_MissingFile(t *testing.T) {
	_, err := execute(t, "distribute", "-d", "oneagent", "-a", "mgm", "testdata/missing.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
