package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/metrics"
	"github.com/roach88/dcop/internal/orchestrator"
	"github.com/roach88/dcop/internal/replication"
	"github.com/roach88/dcop/internal/scenario"
	"github.com/roach88/dcop/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Algo              string
	AlgoParams        []string
	Distribution      string
	ReplicationMethod string
	K                 int
	Scenario          string
	Mode              string
	CollectOn         string
	Period            float64
	TimeUnit          time.Duration
	RunMetrics        string
	EndMetrics        string
	Database          string
	Timeout           time.Duration
	Infinity          float64
	MetricsAddr       string

	// IDGenerator allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator orchestrator.IDGenerator

	// Extra holds additional orchestrator options (for testing).
	Extra []orchestrator.Option
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	return newRunCommand(opts)
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <dcop-file>...",
		Short: "Run a dcop on agents under a scenario",
		Long: `Deploy the computations of a dcop on its agents, replicate them to the
resiliency level k, then run the algorithm while replaying the scenario.

Agents run as goroutines of this process (--mode thread) or as separate
dcop agent processes talking HTTP (--mode process). The final report is
printed when the run ends: after the scenario once every agent is idle
(status RUNNING), on --timeout (TIMEOUT), on SIGINT or SIGTERM (STOPPED),
or on an agent error (ERROR).

Example:
  dcop run -a mgm -p stop_cycle:20 -d oneagent -k 1 -s scenario.yaml coloring.yaml
  dcop run -a dsa -d dist.yaml -c period --period 0.5 --run_metrics run.csv coloring.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDCOP(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Algo, "algo", "a", "", "algorithm ("+joinNames(algorithm.Names())+")")
	cmd.Flags().StringSliceVarP(&opts.AlgoParams, "algo_params", "p", nil, "algorithm parameters, as name:value")
	cmd.Flags().StringVarP(&opts.Distribution, "distribution", "d", "", "distribution file or method")
	cmd.Flags().StringVarP(&opts.ReplicationMethod, "replication_method", "r", replication.MethodHostingCosts, "replication method")
	cmd.Flags().IntVarP(&opts.K, "ktarget", "k", 0, "requested resiliency level")
	cmd.Flags().StringVarP(&opts.Scenario, "scenario", "s", "", "scenario file")
	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", orchestrator.ModeThread, "run agents as threads or processes (thread|process)")
	cmd.Flags().StringVarP(&opts.CollectOn, "collect_on", "c", string(ir.TriggerValueChange), "when metrics are collected (value_change|cycle_change|period)")
	cmd.Flags().Float64Var(&opts.Period, "period", 1, "collection period in time units, only with --collect_on period")
	cmd.Flags().DurationVar(&opts.TimeUnit, "time_unit", orchestrator.DefaultTimeUnit, "duration of one scenario delay or period unit")
	cmd.Flags().StringVar(&opts.RunMetrics, "run_metrics", "", "csv file receiving every snapshot")
	cmd.Flags().StringVar(&opts.EndMetrics, "end_metrics", "", "csv file the end metrics are appended to")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database recording the run")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "end the run with status TIMEOUT after this duration")
	cmd.Flags().Float64VarP(&opts.Infinity, "infinity", "i", 0, "cost of a violated hard constraint")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics_addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("algo")
	_ = cmd.MarkFlagRequired("distribution")

	return cmd
}

func runDCOP(cmd *cobra.Command, opts *RunOptions, files []string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	collectOn, err := metrics.ParseMode(opts.CollectOn)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --collect_on", err)
	}
	if cmd.Flags().Changed("period") && collectOn != ir.TriggerPeriod {
		return NewExitError(ExitCommandError, "--period is only allowed with --collect_on period")
	}
	if opts.Period <= 0 {
		return NewExitError(ExitCommandError, "--period must be positive")
	}
	if opts.Mode != orchestrator.ModeThread && opts.Mode != orchestrator.ModeProcess {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --mode %q (thread|process)", opts.Mode))
	}
	if opts.K < 0 {
		return NewExitError(ExitCommandError, "--ktarget must not be negative")
	}

	p, err := loadProblem(files)
	if err != nil {
		return err
	}
	spec, algo, err := resolveAlgorithm(opts.Algo, opts.AlgoParams, p.Objective)
	if err != nil {
		return err
	}
	g, err := buildGraph(algo.GraphKind(), p)
	if err != nil {
		return err
	}
	dist, err := resolveDistribution(opts.Distribution, distributionInput(p, g, algo))
	if err != nil {
		return failIfImpossible(out, err)
	}

	var sc *scenario.Scenario
	if opts.Scenario != "" {
		if sc, err = scenario.Load(opts.Scenario); err != nil {
			return WrapExitError(ExitCommandError, "invalid scenario", err)
		}
	}

	orchOpts := []orchestrator.Option{orchestrator.WithRunInputs(opts.inputs(files))}
	orchOpts = append(orchOpts, opts.Extra...)
	if opts.IDGenerator != nil {
		orchOpts = append(orchOpts, orchestrator.WithIDGenerator(opts.IDGenerator))
	}
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		orchOpts = append(orchOpts, orchestrator.WithStore(st))
	}
	if opts.RunMetrics != "" {
		sink, err := metrics.OpenCSV(opts.RunMetrics)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open run metrics file", err)
		}
		defer func() {
			if closeErr := sink.Close(); closeErr != nil {
				slog.Error("error closing run metrics", "error", closeErr)
			}
		}()
		orchOpts = append(orchOpts, orchestrator.WithSink(sink))
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Mode = opts.Mode
	cfg.ReplicationMethod = opts.ReplicationMethod
	cfg.CollectOn = collectOn
	cfg.Period = opts.Period
	cfg.TimeUnit = opts.TimeUnit
	cfg.Infinity = opts.Infinity
	cfg.MetricsAddr = opts.MetricsAddr

	o, err := orchestrator.New(cfg, p, g, dist, spec, orchOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid run", err)
	}
	out.VerboseLog("run %s: %d computations, k=%d, mode %s", o.RunID(), g.Len(), opts.K, opts.Mode)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := orchestrator.NewRunContext(o, opts.Timeout).Execute(ctx, sc, opts.K)

	if opts.EndMetrics != "" {
		if err := metrics.AppendCSV(opts.EndMetrics, metrics.EndSnapshot(report)); err != nil {
			slog.Error("writing end metrics failed", "path", opts.EndMetrics, "error", err)
		}
	}
	if err := out.Success(report); err != nil {
		return err
	}

	switch {
	case runErr != nil && replication.IsImpossible(runErr):
		return WrapExitError(ExitImpossible, "replication failed", runErr)
	case runErr != nil:
		return WrapExitError(ExitFailure, "run failed", runErr)
	case report.Status == ir.StatusError:
		return NewExitError(ExitFailure, "run ended in error")
	}
	return nil
}

// inputs echoes the parameters of the run in its stored record.
func (opts *RunOptions) inputs(files []string) map[string]any {
	return map[string]any{
		"algo":               opts.Algo,
		"algo_params":        opts.AlgoParams,
		"collect_on":         opts.CollectOn,
		"dcop":               files,
		"distribution":       opts.Distribution,
		"ktarget":            opts.K,
		"mode":               opts.Mode,
		"replication_method": opts.ReplicationMethod,
		"scenario":           opts.Scenario,
	}
}
