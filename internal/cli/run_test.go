package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/metrics"
	"github.com/roach88/dcop/internal/orchestrator"
	"github.com/roach88/dcop/internal/store"
)

var problemFiles = []string{"testdata/coloring.yaml", "testdata/agents3.yaml"}

// runCommand executes the run command with fast agents and a fixed run id.
func runCommand(t *testing.T, ctx context.Context, args ...string) (ir.RunReport, string, error) {
	t.Helper()
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "json"},
		IDGenerator: orchestrator.NewFixedGenerator("run-1"),
		Extra: []orchestrator.Option{orchestrator.WithAgentOptions(
			agent.WithHeartbeat(10*time.Millisecond, 2),
			agent.WithDelivery(2, 2*time.Millisecond),
			agent.WithMaxStaleness(-1),
		)},
	}
	cmd := newRunCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, problemFiles...))
	err := cmd.ExecuteContext(ctx)

	var rep ir.RunReport
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &rep), out.String())
	}
	return rep, out.String(), err
}

func TestRun_ToCompletion(t *testing.T) {
	dir := t.TempDir()
	runCSV := filepath.Join(dir, "run.csv")
	endCSV := filepath.Join(dir, "end.csv")
	db := filepath.Join(dir, "runs.db")

	rep, _, err := runCommand(t, context.Background(),
		"-a", "mgm", "-p", "stop_cycle:2", "-d", "testdata/dist.yaml", "-k", "1",
		"--run_metrics", runCSV, "--end_metrics", endCSV, "--db", db)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, ir.StatusRunning, rep.Status)
	assert.Equal(t, map[string]string{"v1": "R", "v2": "G", "v3": "R"}, rep.Assignment)
	assert.Zero(t, rep.Cost)
	assert.Equal(t, map[string][]string{"a1": {"v1"}, "a2": {"v2"}, "a3": {"v3"}}, rep.Distribution)

	runRows := readCSV(t, runCSV)
	assert.Equal(t, metrics.CSVColumns, runRows[0])
	assert.Len(t, runRows, int(rep.Snapshots)+1)

	endRows := readCSV(t, endCSV)
	require.Len(t, endRows, 2)
	assert.Equal(t, "RUNNING", endRows[1][6])
	assert.Equal(t, "end", endRows[1][7])
	assert.Equal(t, "v1=R;v2=G;v3=R", endRows[1][8])

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	run, stored, err := st.ReadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRunning, run.Status)
	assert.Equal(t, "mgm", run.Algorithm)
	assert.Equal(t, "testdata/dist.yaml", run.Inputs["distribution"])
	require.NotNil(t, stored)
	assert.Equal(t, rep.Assignment, stored.Assignment)
}

func TestRun_EndMetricsAppend(t *testing.T) {
	endCSV := filepath.Join(t.TempDir(), "end.csv")
	for i := 0; i < 2; i++ {
		_, _, err := runCommandFresh(t, "-a", "dsa", "-p", "stop_cycle:3", "-d", "oneagent", "--end_metrics", endCSV)
		require.NoError(t, err)
	}
	assert.Len(t, readCSV(t, endCSV), 3, "one header, one row per run")
}

// runCommandFresh is runCommand with a run id generated per run.
func runCommandFresh(t *testing.T, args ...string) (ir.RunReport, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(append([]string{"--format", "json", "run"}, args...), problemFiles...))
	err := cmd.Execute()
	var rep ir.RunReport
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &rep), out.String())
	}
	return rep, out.String(), err
}

func TestRun_Timeout(t *testing.T) {
	rep, _, err := runCommand(t, context.Background(),
		"-a", "mgm", "-d", "testdata/dist.yaml", "--timeout", "300ms")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusTimeout, rep.Status)
	assert.Len(t, rep.Assignment, 3)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	rep, _, err := runCommand(t, ctx, "-a", "mgm", "-d", "testdata/dist.yaml")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusStopped, rep.Status)
}

func TestRun_Scenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
events:
  - delay: 5
  - actions:
      - type: remove_agent
        agent: a3
  - delay: 20
`), 0o644))

	rep, _, err := runCommand(t, context.Background(),
		"-a", "mgm", "-d", "testdata/dist.yaml", "-k", "1", "-s", path,
		"--time_unit", "10ms", "--timeout", "2s")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusTimeout, rep.Status)
	require.NotEmpty(t, rep.Promotions)
	assert.Equal(t, "a3", rep.Promotions[0].From)
	assert.Equal(t, "v3", rep.Promotions[0].Computation)
}

func TestRun_ImpossibleReplicationExitsTwo(t *testing.T) {
	rep, _, err := runCommand(t, context.Background(), "-a", "mgm", "-d", "testdata/dist.yaml", "-k", "3")
	require.Error(t, err)
	assert.Equal(t, ExitImpossible, GetExitCode(err))
	assert.Equal(t, ir.StatusError, rep.Status)
}

func TestRun_CommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"period without period mode", []string{"--period", "2"}, "--period is only allowed"},
		{"bad collect mode", []string{"-c", "sometimes"}, "invalid --collect_on"},
		{"bad mode", []string{"-m", "cluster"}, "invalid --mode"},
		{"bad algorithm parameter", []string{"-p", "stop_cycle"}, "invalid algorithm parameters"},
		{"unknown algorithm parameter", []string{"-p", "speed:3"}, "invalid algorithm"},
		{"missing scenario", []string{"-s", "testdata/none.yaml"}, "invalid scenario"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-a", "mgm", "-d", "testdata/dist.yaml"}, tt.args...)
			_, out, err := runCommand(t, context.Background(), args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.msg)
			assert.Empty(t, out)
		})
	}
}

func TestRun_PeriodMode(t *testing.T) {
	runCSV := filepath.Join(t.TempDir(), "run.csv")
	rep, _, err := runCommand(t, context.Background(),
		"-a", "mgm", "-d", "testdata/dist.yaml", "-c", "period", "--period", "1",
		"--time_unit", "10ms", "--timeout", "300ms", "--run_metrics", runCSV)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusTimeout, rep.Status)

	rows := readCSV(t, runCSV)
	require.Greater(t, len(rows), 3)
	for _, row := range rows[1:] {
		assert.Equal(t, "period", row[7])
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}
