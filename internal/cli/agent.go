package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/dcop/internal/orchestrator"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	Name         string
	Listen       string
	Orchestrator string
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve one agent of a run over HTTP",
		Long: `Serve one agent runtime over HTTP, for runs in process mode.

The run command starts these nodes itself. Once listening, the node prints
"listening on <url>" on its first line of standard output. It reports
metrics to the orchestrator at --orchestrator and exits when the agent is
stopped or killed, or on SIGINT or SIGTERM.

Example:
  dcop agent --name a1 --listen 127.0.0.1:0 --orchestrator http://127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name (required)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:0", "address to serve on")
	cmd.Flags().StringVar(&opts.Orchestrator, "orchestrator", "", "orchestrator collection endpoint")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runAgent(cmd *cobra.Command, opts *AgentOptions) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := orchestrator.StartNode(ctx, orchestrator.NodeConfig{
		Name:      opts.Name,
		Listen:    opts.Listen,
		Collector: opts.Orchestrator,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start agent", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), orchestrator.ListeningPrefix+node.Addr)
	slog.Info("agent node listening", "agent", opts.Name, "addr", node.Addr)

	select {
	case <-node.Done():
	case <-ctx.Done():
		slog.Info("agent node interrupted", "agent", opts.Name)
		_ = node.Kill()
		<-node.Done()
	}
	return nil
}
