package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/ir"
)

type eventKind int

const (
	evMessage eventKind = iota + 1
	evSync
	evAnnounce
	evCommand
	evUndelivered
	evHeartbeat
	evTick
)

type event struct {
	kind eventKind

	msg   ir.Message
	state ir.ComputationState

	// announce: computation and its new host; heartbeat and undelivered:
	// the remote agent in agent.
	computation string
	host        string
	agent       string
	hb          ir.Heartbeat
	err         error

	fn    func() error
	reply chan error
}

// hosted is a computation this agent runs as primary.
type hosted struct {
	def     ir.ComputationDef
	comp    algorithm.Computation
	backups []string

	// buffer holds inbound messages by cycle then message ID. A second copy
	// of a message overwrites the first.
	buffer map[int]map[string]ir.Message

	// sent keeps the outbound messages of the last ReplayWindow cycles.
	sent map[int][]ir.Message

	msgCount int
	msgSize  int
}

func newHosted(def ir.ComputationDef, comp algorithm.Computation) *hosted {
	return &hosted{
		def:    def,
		comp:   comp,
		buffer: make(map[int]map[string]ir.Message),
		sent:   make(map[int][]ir.Message),
	}
}

// Runtime is a co-located agent and the engine behind agent processes.
type Runtime struct {
	name     string
	cfg      Config
	network  Network
	reporter Reporter

	inbox  *queue[event]
	state  atomic.Int32
	killed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	statusMu sync.RWMutex
	status   ir.Heartbeat

	// Owned by the Run goroutine.
	spec      algorithm.Spec
	hosts     map[string]string
	hosted    map[string]*hosted
	shadows   map[string]*shadow
	early     map[string]ir.ComputationState
	pending   []ir.Message
	parked    map[string][]ir.Message
	parkedN   int
	senders   map[string]*sender
	started   time.Time
	monitorWG sync.WaitGroup
}

// New creates an agent runtime. Run must be called to process events.
func New(name string, network Network, reporter Reporter, opts ...Option) *Runtime {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		name:     name,
		cfg:      cfg,
		network:  network,
		reporter: reporter,
		inbox:    newQueue[event](),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		hosts:    make(map[string]string),
		hosted:   make(map[string]*hosted),
		shadows:  make(map[string]*shadow),
		early:    make(map[string]ir.ComputationState),
		parked:   make(map[string][]ir.Message),
		senders:  make(map[string]*sender),
	}
	r.status = ir.Heartbeat{Agent: name, State: Created.String(), Cycles: map[string]int{}}
	return r
}

// Name implements Peer.
func (r *Runtime) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

func (r *Runtime) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		slog.Debug("agent state change", "agent", r.name, "phase", s.String(), "from", old.String())
	}
}

// Done is closed once Run has returned.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Run is the single-writer event loop. It returns when the agent is
// stopped or killed, or when ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.shutdown()
	slog.Info("agent starting", "agent", r.name, "phase", r.State().String())

	handled := 0
	for {
		ev, ok := r.inbox.TryDequeue()
		if ok {
			r.handle(ev)
			if r.State() == Stopped {
				return nil
			}
			handled++
			if handled%32 == 0 {
				r.publish()
			}
			continue
		}

		r.publish()
		select {
		case <-ctx.Done():
			slog.Info("agent stopping: context cancelled", "agent", r.name, "phase", r.State().String())
			return ctx.Err()
		case <-r.ctx.Done():
			return nil
		case <-r.inbox.Wait():
			if r.inbox.Drained() {
				return nil
			}
		}
	}
}

func (r *Runtime) shutdown() {
	r.setState(Stopped)
	r.cancel()
	r.inbox.Close()
	for _, s := range r.senders {
		s.q.Close()
	}
	r.monitorWG.Wait()
	r.statusMu.Lock()
	r.status.State = Stopped.String()
	r.statusMu.Unlock()
	close(r.done)
	slog.Info("agent stopped", "agent", r.name, "phase", Stopped.String())
}

func (r *Runtime) handle(ev event) {
	switch ev.kind {
	case evMessage:
		r.handleMessage(ev.msg)
	case evSync:
		r.handleSync(ev.state)
	case evAnnounce:
		r.handleAnnounce(ev.computation, ev.host)
	case evUndelivered:
		r.handleUndelivered(ev.agent, ev.msg)
	case evHeartbeat:
		r.handleHeartbeat(ev.agent, ev.hb, ev.err)
	case evTick:
		r.pingPrimaries()
	case evCommand:
		err := ev.fn()
		if ev.reply != nil {
			ev.reply <- err
		}
	}
}

// publish refreshes the heartbeat answered to other agents.
func (r *Runtime) publish() {
	hb := ir.Heartbeat{
		Agent:  r.name,
		State:  r.State().String(),
		Cycles: make(map[string]int, len(r.hosted)),
		Idle:   r.State() == Active && len(r.pending) == 0,
	}
	for name, h := range r.hosted {
		hb.Cycles[name] = h.comp.Cycle()
		if !h.comp.Finished() {
			hb.Idle = false
		}
	}
	r.statusMu.Lock()
	r.status = hb
	r.statusMu.Unlock()
}

// call runs fn on the loop goroutine and waits for its result.
func (r *Runtime) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if r.killed.Load() || !r.inbox.Enqueue(event{kind: evCommand, fn: fn, reply: reply}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (r *Runtime) enqueue(ev event) error {
	if r.killed.Load() || !r.inbox.Enqueue(ev) {
		return ErrStopped
	}
	return nil
}

func (r *Runtime) expect(command string, allowed ...State) error {
	s := r.State()
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}
	return &StateError{Agent: r.name, Command: command, State: s}
}

// DeliverMessage implements Peer. Delivery is asynchronous.
func (r *Runtime) DeliverMessage(_ context.Context, msg ir.Message) error {
	return r.enqueue(event{kind: evMessage, msg: msg})
}

// SyncReplica implements Peer.
func (r *Runtime) SyncReplica(_ context.Context, state ir.ComputationState) error {
	return r.enqueue(event{kind: evSync, state: state})
}

// Announce implements Peer.
func (r *Runtime) Announce(_ context.Context, computation, host string) error {
	return r.enqueue(event{kind: evAnnounce, computation: computation, host: host})
}

// Heartbeat implements Peer. It answers from the last published status
// without going through the event loop.
func (r *Runtime) Heartbeat(_ context.Context) (ir.Heartbeat, error) {
	if r.killed.Load() {
		return ir.Heartbeat{}, ErrStopped
	}
	r.statusMu.RLock()
	hb := r.status
	r.statusMu.RUnlock()
	hb.State = r.State().String()
	return hb, nil
}

// Deploy installs the agent's primary computations.
func (r *Runtime) Deploy(ctx context.Context, req DeployRequest) error {
	return r.call(ctx, func() error {
		if err := r.expect("deploy", Created); err != nil {
			return err
		}
		for _, def := range req.Computations {
			comp, err := req.Algorithm.Build(def)
			if err != nil {
				return fmt.Errorf("deploy %s: %w", def.Name, err)
			}
			r.hosted[def.Name] = newHosted(def, comp)
		}
		r.spec = req.Algorithm
		for c, a := range req.Hosts {
			r.hosts[c] = a
		}
		for _, def := range req.Computations {
			r.hosts[def.Name] = r.name
		}
		r.setState(Deployed)
		slog.Info("computations deployed", "agent", r.name, "phase", Deployed.String(),
			"computations", len(req.Computations))
		r.flushPending()
		r.publish()
		return nil
	})
}

// Replicate installs replica shadows and records the backups of the
// agent's own computations.
func (r *Runtime) Replicate(ctx context.Context, req ReplicateRequest) error {
	return r.call(ctx, func() error {
		if err := r.expect("replicate", Deployed); err != nil {
			return err
		}
		defs := make(map[string]ir.ComputationDef, len(req.Defs))
		for _, d := range req.Defs {
			defs[d.Name] = d
		}
		for _, comp := range ir.SortedKeys(req.Replicas) {
			backups := req.Replicas[comp]
			if h, ok := r.hosted[comp]; ok {
				h.backups = append([]string(nil), backups...)
				continue
			}
			for rank, b := range backups {
				if b != r.name {
					continue
				}
				def, ok := defs[comp]
				if !ok {
					return fmt.Errorf("replicate: missing definition of %s", comp)
				}
				r.installShadow(def, backups, rank)
			}
		}
		r.setState(Replicating)
		slog.Info("replicas installed", "agent", r.name, "phase", Replicating.String(),
			"shadows", len(r.shadows))
		r.publish()
		return nil
	})
}

// Ready reports whether the agent is deployed, replicated and knows the
// host of every neighbor of its computations.
func (r *Runtime) Ready(ctx context.Context) (bool, error) {
	ready := false
	err := r.call(ctx, func() error {
		if r.State() != Replicating {
			return nil
		}
		for _, h := range r.hosted {
			for _, n := range h.def.Neighbors {
				if _, ok := r.hosts[n]; !ok {
					return nil
				}
			}
		}
		for name := range r.shadows {
			if _, ok := r.hosts[name]; !ok {
				return nil
			}
		}
		ready = true
		return nil
	})
	return ready, err
}

// Start begins message passing.
func (r *Runtime) Start(ctx context.Context) error {
	return r.call(ctx, func() error {
		if err := r.expect("start", Replicating); err != nil {
			return err
		}
		r.setState(Active)
		r.started = time.Now()
		slog.Info("agent running", "agent", r.name, "phase", Active.String())

		for _, name := range ir.SortedKeys(r.hosted) {
			h := r.hosted[name]
			out, err := h.comp.Start()
			if err != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			r.emit(h, out)
			r.record(h, true)
			r.syncBackups(h)
		}
		for _, name := range ir.SortedKeys(r.hosted) {
			r.tryStep(r.hosted[name])
		}
		if len(r.shadows) > 0 {
			r.startMonitor()
		}
		r.publish()
		return nil
	})
}

// SetValue forces the value of a hosted computation.
func (r *Runtime) SetValue(ctx context.Context, computation, value string) error {
	return r.call(ctx, func() error {
		if err := r.expect("set_value", Deployed, Replicating, Active); err != nil {
			return err
		}
		h, ok := r.hosted[computation]
		if !ok {
			return fmt.Errorf("agent %s does not host %s", r.name, computation)
		}
		if err := h.comp.SetValue(value); err != nil {
			return err
		}
		slog.Info("value injected", "agent", r.name, "phase", r.State().String(),
			"computation", computation, "value", value)
		if r.State() == Active {
			r.record(h, true)
			r.syncBackups(h)
		}
		return nil
	})
}

// ChangeConstraint replaces a constraint in every hosted computation and
// replica shadow whose scope it is part of.
func (r *Runtime) ChangeConstraint(ctx context.Context, c ir.ConstraintDef) error {
	return r.call(ctx, func() error {
		if err := r.expect("change_constraint", Deployed, Replicating, Active); err != nil {
			return err
		}
		changed := 0
		for _, name := range ir.SortedKeys(r.hosted) {
			h := r.hosted[name]
			if !hasConstraint(h.def, c.Name) {
				continue
			}
			if err := h.comp.UpdateConstraint(c); err != nil {
				return err
			}
			h.def = replaceConstraint(h.def, c)
			changed++
		}
		for _, sh := range r.shadows {
			if hasConstraint(sh.def, c.Name) {
				sh.def = replaceConstraint(sh.def, c)
			}
		}
		if changed == 0 {
			return fmt.Errorf("agent %s hosts no computation using constraint %s", r.name, c.Name)
		}
		slog.Info("constraint changed", "agent", r.name, "phase", r.State().String(), "constraint", c.Name)
		return nil
	})
}

func hasConstraint(def ir.ComputationDef, name string) bool {
	for _, c := range def.Constraints {
		if c.Name == name {
			return true
		}
	}
	return false
}

func replaceConstraint(def ir.ComputationDef, c ir.ConstraintDef) ir.ComputationDef {
	out := make([]ir.ConstraintDef, len(def.Constraints))
	for i, old := range def.Constraints {
		if old.Name == c.Name {
			if len(c.Variables) == 0 {
				c.Variables = old.Variables
			}
			out[i] = c
			continue
		}
		out[i] = old
	}
	def.Constraints = out
	return def
}

// Stop asks the agent to stop and waits until its loop has exited or ctx
// expires.
func (r *Runtime) Stop(ctx context.Context) error {
	err := r.call(ctx, func() error {
		r.setState(Stopping)
		slog.Info("agent stopping", "agent", r.name, "phase", Stopping.String())
		for _, s := range r.senders {
			s.q.Close()
		}
		r.setState(Stopped)
		return nil
	})
	if err != nil && err != ErrStopped {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill abandons the agent: its loop exits at the next event and every
// later call fails with ErrStopped.
func (r *Runtime) Kill() error {
	if r.killed.Swap(true) {
		return nil
	}
	slog.Warn("agent killed", "agent", r.name, "phase", r.State().String())
	r.setState(Stopped)
	r.cancel()
	r.inbox.Close()
	return nil
}

func sortedMessages(buf map[string]ir.Message) []ir.Message {
	out := make([]ir.Message, 0, len(buf))
	for _, m := range buf {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}
