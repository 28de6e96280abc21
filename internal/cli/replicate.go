package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/replication"
)

// ReplicateOptions holds flags for the replicate command.
type ReplicateOptions struct {
	*RootOptions
	Distribution string
	Method       string
	K            int
	Graph        string
	Algo         string
}

// ReplicateResult is the document printed by the replicate command.
type ReplicateResult struct {
	Inputs      map[string]any      `json:"inputs" yaml:"inputs"`
	ReplicaDist map[string][]string `json:"replica_dist" yaml:"replica_dist"`
}

// NewReplicateCommand creates the replicate command.
func NewReplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplicateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replicate <dcop-file>...",
		Short: "Plan k replicas for every computation of a distribution",
		Long: `Compute the replica distribution of a dcop for a resiliency level k.

Each computation gets k backup agents, never its primary, within the
capacity left on agents once primaries are placed. When some computation
cannot get k replicas the result has status FAIL and the exit code is 2.

Example:
  dcop replicate -a mgm -d dist.yaml -k 2 coloring.yaml
  dcop replicate -a dsa -d oneagent -k 1 --format json coloring.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicate(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Distribution, "distribution", "d", "", "distribution file or method")
	cmd.Flags().StringVarP(&opts.Method, "replication_method", "r", replication.MethodHostingCosts, "replication method")
	cmd.Flags().IntVarP(&opts.K, "ktarget", "k", 1, "requested resiliency level")
	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "computation graph model")
	cmd.Flags().StringVarP(&opts.Algo, "algo", "a", "", "algorithm ("+joinNames(algorithm.Names())+")")
	_ = cmd.MarkFlagRequired("distribution")

	return cmd
}

func runReplicate(cmd *cobra.Command, opts *ReplicateOptions, files []string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.K < 0 {
		return NewExitError(ExitCommandError, "--ktarget must not be negative")
	}

	p, err := loadProblem(files)
	if err != nil {
		return err
	}
	var algo algorithm.Algorithm
	if opts.Algo != "" {
		if _, algo, err = resolveAlgorithm(opts.Algo, nil, p.Objective); err != nil {
			return err
		}
	}
	kind, err := resolveGraph(opts.Graph, algo)
	if err != nil {
		return err
	}
	g, err := buildGraph(kind, p)
	if err != nil {
		return err
	}
	in := distributionInput(p, g, algo)
	d, err := resolveDistribution(opts.Distribution, in)
	if err != nil {
		return failIfImpossible(out, err)
	}
	if err := d.Check(g, p.AgentNames()); err != nil {
		return WrapExitError(ExitCommandError, "invalid distribution", err)
	}

	replicas, err := replication.Plan(opts.Method, replication.Input{
		Distribution: d,
		Graph:        g,
		Agents:       p.AgentList(),
		Memory:       in.Memory,
	}, opts.K)
	if err != nil {
		slog.Warn("replication failed", "method", opts.Method, "k", opts.K, "error", err)
		return failIfImpossible(out, planningExit("replication failed", err))
	}
	out.VerboseLog("planned %d replicas", len(replicas)*opts.K)

	return out.Success(ReplicateResult{
		Inputs: map[string]any{
			"algo":               nullable(opts.Algo),
			"dcop":               files,
			"distribution":       opts.Distribution,
			"ktarget":            opts.K,
			"replication_method": opts.Method,
		},
		ReplicaDist: replicas,
	})
}

// failIfImpossible prints the FAIL document for an impossible plan and
// returns err unchanged.
func failIfImpossible(out *OutputFormatter, err error) error {
	if GetExitCode(err) == ExitImpossible {
		if ferr := out.Fail(err); ferr != nil {
			return ferr
		}
	}
	return err
}
