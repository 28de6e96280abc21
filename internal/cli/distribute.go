package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/distribution"
)

// DistributeOptions holds flags for the distribute command.
type DistributeOptions struct {
	*RootOptions
	Method string
	Graph  string
	Algo   string
}

// DistributeResult is the document printed by the distribute command.
type DistributeResult struct {
	Cost         *float64            `json:"cost" yaml:"cost"`
	Distribution map[string][]string `json:"distribution" yaml:"distribution"`
	Inputs       map[string]any      `json:"inputs" yaml:"inputs"`
}

// NewDistributeCommand creates the distribute command.
func NewDistributeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DistributeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "distribute <dcop-file>...",
		Short: "Distribute the computations of a dcop on its agents",
		Long: `Compute a distribution of the computation graph of a dcop on its agents.

The graph model is given with --graph or deduced from --algo; when both
are given they must be compatible. With --algo, the algorithm's memory
footprint and communication load weigh the placement.

The distribution is printed with its inputs and cost and can be given to
the run command with --distribution. When no distribution exists the
result has status FAIL and the exit code is 2.

Example:
  dcop distribute --dist oneagent --graph constraints_graph coloring.yaml
  dcop distribute -d heur_comhost -a mgm --format json coloring.yaml agents.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDistribute(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Method, "dist", "d", "", "distribution method ("+joinNames(distribution.Methods())+")")
	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "computation graph model")
	cmd.Flags().StringVarP(&opts.Algo, "algo", "a", "", "algorithm ("+joinNames(algorithm.Names())+")")
	_ = cmd.MarkFlagRequired("dist")

	return cmd
}

func runDistribute(cmd *cobra.Command, opts *DistributeOptions, files []string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

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
	if _, err := distribution.Lookup(opts.Method); err != nil {
		return WrapExitError(ExitCommandError, "invalid distribution method", err)
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
	d, err := distribution.Distribute(opts.Method, in)
	if err != nil {
		slog.Warn("distribution failed", "method", opts.Method, "error", err)
		return failIfImpossible(out, planningExit("distribution failed", err))
	}
	cost, _, _ := distribution.Cost(d, in)
	out.VerboseLog("distributed %d computations on %d agents, cost %g", g.Len(), len(d.Agents()), cost)

	return out.Success(DistributeResult{
		Cost:         &cost,
		Distribution: d.Mapping(),
		Inputs: map[string]any{
			"algo":      nullable(opts.Algo),
			"dcop":      files,
			"dist_algo": opts.Method,
			"graph":     nullable(opts.Graph),
		},
	})
}

// nullable renders an unset flag as null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
