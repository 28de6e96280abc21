package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dcop/internal/distribution"
	"github.com/roach88/dcop/internal/replication"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"b": 2, "a": 1}))
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": 2\n}\n", buf.String())
}

func TestOutputFormatter_TextIsYAML(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(DistributeResult{
		Distribution: map[string][]string{"a1": {"v1"}},
		Inputs:       map[string]any{"dist_algo": "oneagent"},
	}))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Nil(t, got["cost"])
	assert.Equal(t, map[string]any{"a1": []any{"v1"}}, got["distribution"])
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Fail(errors.New("no room")))

	var got Failure
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, Failure{Status: "FAIL", Error: "no room"}, got)
}

func TestOutputFormatter_WritesOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Output: path}

	require.NoError(t, formatter.Success(map[string]string{"k": "v"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(data))
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}

	formatter.VerboseLog("hidden")
	assert.Empty(t, errOut.String())

	formatter.Verbose = true
	formatter.VerboseLog("planned %d replicas", 3)
	assert.Equal(t, "planned 3 replicas\n", errOut.String())
	assert.Empty(t, out.String(), "diagnostics never corrupt the result")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitImpossible, "replication failed", errors.New("k too high")))
	assert.Equal(t, ExitImpossible, GetExitCode(wrapped))
	assert.Equal(t, "outer: replication failed: k too high", wrapped.Error())
}

func TestPlanningExit(t *testing.T) {
	assert.Equal(t, ExitImpossible, planningExit("x", &distribution.ImpossibleDistributionError{Reason: "full"}).Code)
	assert.Equal(t, ExitImpossible, planningExit("x", &replication.ImpossibleReplicationError{Computation: "v1", Needed: 2}).Code)
	assert.Equal(t, ExitCommandError, planningExit("x", replication.ErrUnknownMethod).Code)
}
