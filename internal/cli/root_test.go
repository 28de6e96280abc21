package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dcop", cmd.Use)
	assert.Contains(t, cmd.Long, "resiliency level k")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"distribute", "replicate", "run", "agent"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	outputFlag := cmd.PersistentFlags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for flag, short := range map[string]string{
		"algo": "a", "algo_params": "p", "distribution": "d", "replication_method": "r",
		"ktarget": "k", "scenario": "s", "mode": "m", "collect_on": "c", "infinity": "i",
	} {
		f := runCmd.Flags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, short, f.Shorthand, flag)
	}
	assert.Equal(t, "thread", runCmd.Flags().Lookup("mode").DefValue)
	assert.Equal(t, "value_change", runCmd.Flags().Lookup("collect_on").DefValue)
	assert.Equal(t, "dist_ucs_hostingcosts", runCmd.Flags().Lookup("replication_method").DefValue)
	assert.Equal(t, "1s", runCmd.Flags().Lookup("time_unit").DefValue)
	for _, flag := range []string{"period", "run_metrics", "end_metrics", "db", "timeout", "metrics_addr"} {
		assert.NotNil(t, runCmd.Flags().Lookup(flag), flag)
	}
}

func TestAgentCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	agentCmd, _, err := cmd.Find([]string{"agent"})
	require.NoError(t, err)

	assert.NotNil(t, agentCmd.Flags().Lookup("name"))
	assert.Equal(t, "127.0.0.1:0", agentCmd.Flags().Lookup("listen").DefValue)
	assert.NotNil(t, agentCmd.Flags().Lookup("orchestrator"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--format", "xml", "distribute", "-d", "oneagent", "-a", "mgm", "testdata/coloring.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}
