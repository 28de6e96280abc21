package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/scenario"
)

// RunContext owns one run from deployment to the final report. The
// timeout, forced exit and agent error paths all end in the same
// shutdown sequence, which runs exactly once whichever fires first.
type RunContext struct {
	o       *Orchestrator
	timeout time.Duration

	finishing atomic.Bool
	once      sync.Once
	done      chan struct{}
	report    ir.RunReport
}

// NewRunContext creates the controller of o. A positive timeout ends the
// run with status TIMEOUT once elapsed.
func NewRunContext(o *Orchestrator, timeout time.Duration) *RunContext {
	return &RunContext{o: o, timeout: timeout, done: make(chan struct{})}
}

// Orchestrator returns the controlled orchestrator.
func (rc *RunContext) Orchestrator() *Orchestrator { return rc.o }

// Execute runs every phase in order with resiliency level k and replays
// sc, then shuts down and returns the final report. Cancelling ctx is a
// forced exit: the run ends with status STOPPED. The error is set when a
// phase failed; the report is valid in every case.
func (rc *RunContext) Execute(ctx context.Context, sc *scenario.Scenario, k int) (ir.RunReport, error) {
	if rc.timeout > 0 {
		t := time.AfterFunc(rc.timeout, rc.OnTimeout)
		defer t.Stop()
	}
	stopWatch := context.AfterFunc(ctx, rc.OnForceExit)
	defer stopWatch()

	rc.o.SetErrorHandler(rc.OnError)

	err := rc.drive(sc, k)
	switch {
	case err != nil && !rc.finishing.Load():
		rc.finish(ir.StatusError, ErrorStopTimeout)
		<-rc.done
		return rc.report, err
	case err == nil:
		rc.finish(ir.StatusRunning, CompleteStopTimeout)
	}
	<-rc.done
	return rc.report, nil
}

func (rc *RunContext) drive(sc *scenario.Scenario, k int) error {
	ctx := context.Background()
	o := rc.o
	if err := o.DeployComputations(ctx); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	if err := o.StartReplication(ctx, k); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	ready, err := o.WaitReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		if rc.finishing.Load() {
			return nil
		}
		return ErrNotReady
	}
	if err := o.Run(ctx, sc); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// OnTimeout ends the run with status TIMEOUT.
func (rc *RunContext) OnTimeout() {
	slog.Warn("run timeout", "agent", "orchestrator", "phase", string(rc.o.Phase()), "timeout", rc.timeout)
	rc.finish(ir.StatusTimeout, TimeoutStopTimeout)
}

// OnForceExit ends the run with status STOPPED.
func (rc *RunContext) OnForceExit() {
	slog.Warn("forced exit", "agent", "orchestrator", "phase", string(rc.o.Phase()))
	rc.finish(ir.StatusStopped, ForceExitStopTimeout)
}

// OnError ends the run with status ERROR. It is the orchestrator error
// handler during a run.
func (rc *RunContext) OnError(err error) {
	slog.Error("run error", "agent", "orchestrator", "phase", string(rc.o.Phase()), "error", err)
	rc.finish(ir.StatusError, ErrorStopTimeout)
}

// Done is closed once the final report is available.
func (rc *RunContext) Done() <-chan struct{} { return rc.done }

// Report returns the final report. It blocks until the run has finished.
func (rc *RunContext) Report() ir.RunReport {
	<-rc.done
	return rc.report
}

func (rc *RunContext) finish(status ir.RunStatus, stopTimeout time.Duration) {
	rc.finishing.Store(true)
	rc.once.Do(func() {
		rc.o.Abort(status)
		rc.o.StopAgents(stopTimeout)
		rc.o.Stop()
		rc.report = rc.o.EndMetrics()
		slog.Info("run finished", "agent", "orchestrator", "phase", string(rc.report.Status),
			"cost", rc.report.Cost, "cycle", rc.report.Cycle)
		close(rc.done)
	})
}
