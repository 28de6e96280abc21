// Package orchestrator drives a run: it deploys computations on agents,
// installs replicas, waits for readiness, replays the scenario while the
// agents run, and shuts everything down into a final report.
//
// Phases move forward only:
//
//	INIT -> DEPLOYED -> REPLICATING -> READY -> RUNNING
//
// and any phase may end in STOPPED, TIMEOUT or ERROR through Abort,
// StopAgents and Stop. Every phase transition is a barrier over all
// agents, bounded by a phase timeout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/distribution"
	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/metrics"
	"github.com/roach88/dcop/internal/problem"
	"github.com/roach88/dcop/internal/replication"
	"github.com/roach88/dcop/internal/scenario"
	"github.com/roach88/dcop/internal/store"
	"github.com/roach88/dcop/internal/transport"
)

// Orchestrator is the single coordinating authority of a run.
type Orchestrator struct {
	cfg     Config
	problem *problem.Problem
	graph   *graph.ComputationGraph
	spec    algorithm.Spec
	algo    algorithm.Algorithm

	agentOpts []agent.Option
	launcher  Launcher
	store     *store.Store
	runID     string
	ids       IDGenerator
	inputs    map[string]any
	sinks     []metrics.Sink

	prom      *metrics.Prometheus
	collector *metrics.Collector
	topo      topology

	endpointCancel context.CancelFunc
	endpointDone   chan struct{}
	collectorURL   string

	// problemMu guards constraints replaced while the cost function reads
	// them.
	problemMu sync.RWMutex

	mu        sync.Mutex
	phase     ir.RunStatus
	final     ir.RunStatus
	names     []string
	dist      *distribution.Distribution
	replicas  ir.ReplicaDistribution
	agents    map[string]agent.Agent
	removed   map[string]bool
	runCancel context.CancelFunc
	aborted   chan struct{}

	errHandler func(error)
	errOnce    sync.Once
	stopOnce   sync.Once
}

// New creates an orchestrator for a problem, its computation graph and a
// distribution of the graph over the problem's agents.
func New(cfg Config, p *problem.Problem, g *graph.ComputationGraph, dist *distribution.Distribution, spec algorithm.Spec, opts ...Option) (*Orchestrator, error) {
	algo, _, err := spec.Resolve()
	if err != nil {
		return nil, err
	}
	if err := algorithm.CheckGraph(algo, g.Kind); err != nil {
		return nil, err
	}
	if err := dist.Check(g, p.AgentNames()); err != nil {
		return nil, fmt.Errorf("invalid distribution: %w", err)
	}
	if cfg.TimeUnit <= 0 {
		cfg.TimeUnit = DefaultTimeUnit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	o := &Orchestrator{
		cfg:     cfg,
		problem: p,
		graph:   g,
		spec:    spec,
		algo:    algo,
		ids:     UUIDv7Generator{},
		phase:   ir.StatusInit,
		dist:    dist,
		removed: make(map[string]bool),
		aborted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = o.ids.Generate()
	}
	o.topo, err = newTopology(cfg.Mode, o.launcher, o.agentOpts)
	if err != nil {
		return nil, err
	}

	names := map[string]bool{}
	for _, a := range p.AgentNames() {
		names[a] = true
	}
	for _, a := range dist.Agents() {
		names[a] = true
	}
	o.names = ir.SortedKeys(names)

	o.prom = metrics.NewPrometheus()
	mopts := []metrics.Option{
		metrics.WithCost(o.cost),
		metrics.WithPrometheus(o.prom),
		metrics.OnPromotion(o.onPromotion),
		metrics.OnError(o.onAgentError),
	}
	for _, s := range o.sinks {
		mopts = append(mopts, metrics.WithSink(s))
	}
	if o.store != nil {
		mopts = append(mopts, metrics.WithSink(metrics.NewStoreSink(o.store, o.runID)))
	}
	o.collector, err = metrics.New(metrics.Config{
		CollectOn: cfg.CollectOn,
		Period:    time.Duration(cfg.Period * float64(cfg.TimeUnit)),
	}, mopts...)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string { return o.runID }

// Prometheus returns the run metrics.
func (o *Orchestrator) Prometheus() *metrics.Prometheus { return o.prom }

// Phase returns the current phase, or the terminal status once the run
// was aborted.
func (o *Orchestrator) Phase() ir.RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status()
}

func (o *Orchestrator) status() ir.RunStatus {
	if o.final != "" {
		return o.final
	}
	return o.phase
}

// Distribution returns the live distribution, which follows promotions.
func (o *Orchestrator) Distribution() *distribution.Distribution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dist
}

// Replicas returns the replica distribution pushed to the agents.
func (o *Orchestrator) Replicas() ir.ReplicaDistribution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replicas
}

// SetErrorHandler registers the callback invoked, at most once, for the
// first error an agent reports while running.
func (o *Orchestrator) SetErrorHandler(fn func(error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errHandler = fn
}

func (o *Orchestrator) enter(op string, want ...ir.RunStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.final == "" {
		for _, w := range want {
			if o.phase == w {
				return nil
			}
		}
	}
	return &PhaseError{Op: op, Phase: o.status(), Want: want}
}

func (o *Orchestrator) setPhase(s ir.RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.final != "" {
		return
	}
	slog.Info("orchestrator phase", "agent", "orchestrator", "phase", string(s), "from", string(o.phase))
	o.phase = s
	o.collector.SetStatus(s)
}

// DeployComputations starts the agents and deploys on each of them its
// primary computations. It fails with a DeploymentError naming the agents
// that did not acknowledge in time.
func (o *Orchestrator) DeployComputations(ctx context.Context) error {
	if err := o.enter("deploy", ir.StatusInit); err != nil {
		return err
	}
	if o.store != nil {
		err := o.store.CreateRun(ctx, store.Run{
			ID:        o.runID,
			Algorithm: o.spec.Algorithm,
			Mode:      o.cfg.Mode,
			Inputs:    o.inputs,
			StartedAt: time.Now(),
		})
		if err != nil {
			return err
		}
	}
	if o.cfg.Mode == ModeProcess || o.cfg.MetricsAddr != "" {
		if err := o.serveEndpoint(); err != nil {
			return err
		}
	}

	ctx, cancelAbort := o.abortable(ctx)
	defer cancelAbort()
	launchCtx, cancel := context.WithTimeout(ctx, o.cfg.DeployTimeout)
	agents, peers, err := o.topo.start(launchCtx, o.names, o.collector, o.collectorURL)
	cancel()
	if err != nil {
		if o.isAborted() {
			return o.deployAborted()
		}
		return err
	}
	o.mu.Lock()
	if o.final != "" {
		// Aborted while launching: nothing else will stop these agents.
		o.mu.Unlock()
		o.topo.close()
		return o.deployAborted()
	}
	o.agents = agents
	dist := o.dist
	o.mu.Unlock()

	hosts := make(map[string]string)
	for _, a := range dist.Agents() {
		for _, c := range dist.Computations(a) {
			hosts[c] = a
		}
	}
	err = o.barrier(ctx, "deploy", o.cfg.DeployTimeout, func(ctx context.Context, name string, a agent.Agent) error {
		return a.Deploy(ctx, agent.DeployRequest{
			Algorithm:    o.spec,
			Computations: o.defs(dist.Computations(name)),
			Hosts:        hosts,
			Peers:        peers,
		})
	})
	if err != nil {
		return err
	}
	o.setPhase(ir.StatusDeployed)
	return nil
}

// StartReplication plans k replicas per computation and installs them.
// When k cannot be met the ImpossibleReplicationError is returned and no
// replica is installed.
func (o *Orchestrator) StartReplication(ctx context.Context, k int) error {
	if err := o.enter("start_replication", ir.StatusDeployed); err != nil {
		return err
	}
	o.mu.Lock()
	dist := o.dist
	o.mu.Unlock()

	replicas, err := replication.Plan(o.cfg.ReplicationMethod, replication.Input{
		Distribution: dist,
		Graph:        o.graph,
		Agents:       o.agentDefs(),
		Memory:       o.algo.ComputationMemory,
	}, k)
	if err != nil {
		slog.Error("replication planning failed", "agent", "orchestrator", "phase", string(ir.StatusDeployed), "k", k, "error", err)
		return err
	}

	err = o.barrier(ctx, "replicate", o.cfg.ReplicationTimeout, func(ctx context.Context, name string, a agent.Agent) error {
		return a.Replicate(ctx, agent.ReplicateRequest{
			Replicas: replicas,
			Defs:     o.defs(replicas.ReplicasOn(name)),
		})
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.replicas = replicas
	o.mu.Unlock()
	o.setPhase(ir.StatusReplicating)
	return nil
}

// WaitReady polls the agents until all of them are ready. It returns false
// when the readiness timeout elapses first; the error is only set for a
// call out of order.
func (o *Orchestrator) WaitReady(ctx context.Context) (bool, error) {
	if err := o.enter("wait_ready", ir.StatusReplicating); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if o.allReady(ctx) {
			o.setPhase(ir.StatusReady)
			return true, nil
		}
		select {
		case <-ctx.Done():
			slog.Warn("agents not ready", "agent", "orchestrator", "phase", string(ir.StatusReplicating),
				"timeout", o.cfg.ReadyTimeout)
			return false, nil
		case <-o.aborted:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) allReady(ctx context.Context) bool {
	for name, a := range o.liveAgents() {
		ok, err := a.Ready(ctx)
		if err != nil {
			slog.Debug("readiness check failed", "agent", name, "phase", string(ir.StatusReplicating), "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Run starts the agents and the metrics collector, then replays sc. It
// returns once the scenario is exhausted and every agent is idle, or when
// the run is aborted. Cancelling ctx also ends the run, with ctx's error.
func (o *Orchestrator) Run(ctx context.Context, sc *scenario.Scenario) error {
	if err := o.enter("run", ir.StatusReady); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.runCancel = cancel
	o.mu.Unlock()
	if o.isAborted() {
		return nil
	}

	o.collector.Start(context.Background())
	o.setPhase(ir.StatusRunning)

	if err := o.barrier(runCtx, "start", o.cfg.DeployTimeout, func(ctx context.Context, _ string, a agent.Agent) error {
		return a.Start(ctx)
	}); err != nil {
		if o.isAborted() {
			return nil
		}
		return err
	}

	player := scenario.NewPlayer(o, scenario.WithTimeUnit(o.cfg.TimeUnit))
	if err := player.Play(runCtx, sc); err != nil {
		return o.runEnded(ctx)
	}
	slog.Info("scenario exhausted", "agent", "orchestrator", "phase", string(ir.StatusRunning),
		"actions", len(player.Applied()))

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if o.allIdle(runCtx) {
			slog.Info("all agents idle", "agent", "orchestrator", "phase", string(ir.StatusRunning))
			return nil
		}
		select {
		case <-runCtx.Done():
			return o.runEnded(ctx)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) runEnded(ctx context.Context) error {
	if o.isAborted() {
		return nil
	}
	return ctx.Err()
}

func (o *Orchestrator) allIdle(ctx context.Context) bool {
	o.mu.Lock()
	dist := o.dist
	o.mu.Unlock()
	for name, a := range o.liveAgents() {
		hb, err := a.Heartbeat(ctx)
		if errors.Is(err, agent.ErrStopped) && len(dist.Computations(name)) == 0 {
			continue
		}
		if err != nil || !hb.Idle {
			return false
		}
	}
	return true
}

// RemoveAgent kills an agent, as if it had crashed. Its computations move
// to their replicas through promotion.
func (o *Orchestrator) RemoveAgent(_ context.Context, name string) error {
	o.mu.Lock()
	a, ok := o.agents[name]
	switch {
	case !ok:
		o.mu.Unlock()
		return fmt.Errorf("unknown agent %s", name)
	case o.removed[name]:
		o.mu.Unlock()
		return fmt.Errorf("agent %s already removed", name)
	}
	o.removed[name] = true
	phase := o.status()
	o.mu.Unlock()

	slog.Info("removing agent", "agent", name, "phase", string(phase))
	return a.Kill()
}

// SetValue injects a value into a computation on its current host.
func (o *Orchestrator) SetValue(ctx context.Context, computation, value string) error {
	o.mu.Lock()
	host, ok := o.dist.Host(computation)
	a := o.agents[host]
	gone := o.removed[host]
	o.mu.Unlock()
	if !ok || a == nil {
		return fmt.Errorf("unknown computation %s", computation)
	}
	if gone {
		return fmt.Errorf("computation %s: host %s was removed", computation, host)
	}
	return a.SetValue(ctx, computation, value)
}

// ChangeConstraint replaces a constraint of the problem and on every live
// agent hosting a computation that uses it.
func (o *Orchestrator) ChangeConstraint(ctx context.Context, c ir.ConstraintDef) error {
	o.problemMu.Lock()
	err := o.problem.ReplaceConstraint(c)
	if err == nil {
		c = o.problem.Constraints[c.Name]
	}
	o.problemMu.Unlock()
	if err != nil {
		return err
	}

	o.mu.Lock()
	targets := map[string]agent.Agent{}
	for _, def := range o.graph.Nodes() {
		if !usesConstraint(def, c.Name) {
			continue
		}
		host, _ := o.dist.Host(def.Name)
		if a, ok := o.agents[host]; ok && !o.removed[host] {
			targets[host] = a
		}
	}
	o.mu.Unlock()

	var errs []error
	for _, name := range ir.SortedKeys(targets) {
		if err := targets[name].ChangeConstraint(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func usesConstraint(def ir.ComputationDef, name string) bool {
	for _, c := range def.Constraints {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Abort records the terminal status of the run and ends Run. The first
// status wins. It does not stop the agents.
func (o *Orchestrator) Abort(status ir.RunStatus) {
	o.mu.Lock()
	if o.final == "" {
		o.final = status
		o.collector.SetStatus(status)
		close(o.aborted)
		slog.Info("run aborted", "agent", "orchestrator", "phase", string(o.phase), "status", string(status))
	}
	cancel := o.runCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// deployAborted is the error of a deployment cut short by Abort.
func (o *Orchestrator) deployAborted() error {
	return &PhaseError{Op: "deploy", Phase: o.Phase(), Want: []ir.RunStatus{ir.StatusInit}}
}

// abortable returns a context cancelled when the run is aborted.
func (o *Orchestrator) abortable(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-o.aborted:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (o *Orchestrator) isAborted() bool {
	select {
	case <-o.aborted:
		return true
	default:
		return false
	}
}

// StopAgents asks every agent to stop and kills the ones that did not stop
// within timeout. It always returns, within about timeout plus the kill
// bound. The run status becomes STOPPED unless a terminal status was
// already recorded.
func (o *Orchestrator) StopAgents(timeout time.Duration) {
	o.Abort(ir.StatusStopped)

	var wg sync.WaitGroup
	for name, a := range o.liveAgents() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := a.Stop(ctx); err != nil {
				slog.Warn("agent did not stop, killing", "agent", name, "phase", string(o.Phase()), "error", err)
				if err := a.Kill(); err != nil {
					slog.Error("agent kill failed", "agent", name, "phase", string(o.Phase()), "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// Stop releases the metrics pipeline, the agents and the collection
// endpoint, and records the final report in the store. Safe to call more
// than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.Abort(ir.StatusStopped)
		o.collector.Close()
		o.topo.close()
		o.mu.Lock()
		cancel, done := o.endpointCancel, o.endpointDone
		o.endpointCancel = nil
		o.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		if o.store != nil {
			o.mu.Lock()
			deployed := o.agents != nil
			o.mu.Unlock()
			if deployed {
				if err := o.store.FinishRun(context.Background(), o.runID, o.EndMetrics()); err != nil {
					slog.Error("recording run report failed", "agent", "orchestrator", "phase", string(o.Phase()), "error", err)
				}
			}
		}
	})
}

// EndMetrics reduces the metrics collected so far into a run report.
func (o *Orchestrator) EndMetrics() ir.RunReport {
	r := o.collector.Report()
	o.mu.Lock()
	defer o.mu.Unlock()
	r.RunID = o.runID
	r.Distribution = o.dist.Mapping()
	r.Status = o.status()
	return r
}

func (o *Orchestrator) onPromotion(p ir.Promotion) {
	o.mu.Lock()
	o.dist = o.dist.WithHost(p.Computation, p.To)
	phase := o.status()
	o.mu.Unlock()
	slog.Info("computation promoted", "agent", p.To, "phase", string(phase),
		"computation", p.Computation, "from", p.From, "staleness", p.Staleness)
	if o.store != nil {
		if err := o.store.WritePromotion(context.Background(), o.runID, p); err != nil {
			slog.Warn("recording promotion failed", "agent", p.To, "phase", string(phase), "error", err)
		}
	}
}

func (o *Orchestrator) onAgentError(name string, err error) {
	o.mu.Lock()
	handler := o.errHandler
	running := o.phase == ir.StatusRunning && o.final == ""
	o.mu.Unlock()
	slog.Error("agent error", "agent", name, "phase", string(o.Phase()), "error", err)
	if handler == nil || !running {
		return
	}
	o.errOnce.Do(func() { go handler(fmt.Errorf("agent %s: %w", name, err)) })
}

func (o *Orchestrator) cost(assignment map[string]string) (float64, int) {
	o.problemMu.RLock()
	defer o.problemMu.RUnlock()
	return o.problem.Cost(assignment, o.cfg.Infinity)
}

// barrier runs fn on every live agent concurrently and waits for all of
// them, for at most timeout.
func (o *Orchestrator) barrier(ctx context.Context, phase string, timeout time.Duration, fn func(context.Context, string, agent.Agent) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failed = map[string]error{}
		g      errgroup.Group
	)
	for name, a := range o.liveAgents() {
		g.Go(func() error {
			err := fn(ctx, name, a)
			if err != nil {
				slog.Warn("agent failed phase", "agent", name, "phase", phase, "error", err)
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	names := ir.SortedKeys(failed)
	cause := failed[names[0]]
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %w", &TimeoutError{Phase: phase, Timeout: timeout}, cause)
	}
	return &DeploymentError{Phase: phase, Agents: names, Err: cause}
}

func (o *Orchestrator) liveAgents() map[string]agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]agent.Agent, len(o.agents))
	for name, a := range o.agents {
		if !o.removed[name] {
			out[name] = a
		}
	}
	return out
}

func (o *Orchestrator) defs(names []string) []ir.ComputationDef {
	out := make([]ir.ComputationDef, 0, len(names))
	for _, n := range names {
		if def, ok := o.graph.Node(n); ok {
			out = append(out, def)
		}
	}
	return out
}

func (o *Orchestrator) agentDefs() []ir.AgentDef {
	out := make([]ir.AgentDef, 0, len(o.names))
	for _, name := range o.names {
		def, ok := o.problem.Agents[name]
		if !ok {
			def = ir.AgentDef{Name: name}
		}
		out = append(out, def)
	}
	return out
}

// serveEndpoint serves the collection endpoint and /metrics.
func (o *Orchestrator) serveEndpoint() error {
	addr := o.cfg.MetricsAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("collector endpoint: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.mu.Lock()
	if o.final != "" {
		o.mu.Unlock()
		cancel()
		_ = ln.Close()
		return o.deployAborted()
	}
	o.endpointCancel = cancel
	o.endpointDone = done
	o.mu.Unlock()
	o.collectorURL = "http://" + ln.Addr().String()
	handler := transport.NewCollector(o.collector, o.prom.Handler()).Handler()
	go func() {
		defer close(done)
		if err := transport.Serve(ctx, ln, handler, serverGrace); err != nil {
			slog.Error("collector endpoint failed", "agent", "orchestrator", "error", err)
		}
	}()
	slog.Info("collector endpoint listening", "agent", "orchestrator", "addr", o.collectorURL)
	return nil
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
