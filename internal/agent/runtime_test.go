package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/graph"
	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/problem"
	"github.com/roach88/dcop/internal/testutil"
)

const chainProblem = `
domains: {colors: {values: [R, G, B]}}
variables:
  v1: {domain: colors, initial_value: R}
  v2: {domain: colors, initial_value: R}
  v3: {domain: colors, initial_value: R}
constraints:
  c12: {type: different, variables: [v1, v2]}
  c23: {type: different, variables: [v2, v3]}
`

var chainHosts = map[string]string{"v1": "a1", "v2": "a2", "v3": "a3"}

func chainGraph(t require.TestingT) *graph.ComputationGraph {
	p, err := problem.Parse([]byte(chainProblem))
	require.NoError(t, err)
	g, err := graph.Build(graph.ConstraintsGraph, p)
	require.NoError(t, err)
	return g
}

func mgmSpec(stopCycle string) algorithm.Spec {
	params := map[string]string{}
	if stopCycle != "" {
		params["stop_cycle"] = stopCycle
	}
	return algorithm.Spec{Algorithm: "mgm", Params: params, Objective: "min"}
}

// capturePeer stands in for a remote agent and records what it is sent.
type capturePeer struct {
	name string
	down bool

	mu        sync.Mutex
	msgs      []ir.Message
	syncs     []ir.ComputationState
	announced map[string]string
}

func newCapturePeer(name string) *capturePeer {
	return &capturePeer{name: name, announced: make(map[string]string)}
}

func (p *capturePeer) Name() string { return p.name }

func (p *capturePeer) DeliverMessage(_ context.Context, msg ir.Message) error {
	if p.down {
		return ErrStopped
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturePeer) SyncReplica(_ context.Context, s ir.ComputationState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncs = append(p.syncs, s)
	return nil
}

func (p *capturePeer) Announce(_ context.Context, computation, host string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced[computation] = host
	return nil
}

func (p *capturePeer) Heartbeat(context.Context) (ir.Heartbeat, error) {
	if p.down {
		return ir.Heartbeat{}, ErrStopped
	}
	return ir.Heartbeat{Agent: p.name, State: Active.String()}, nil
}

func (p *capturePeer) messagesTo(computation string) []ir.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ir.Message
	for _, m := range p.msgs {
		if m.To == computation {
			out = append(out, m)
		}
	}
	return out
}

func startRuntime(t *testing.T, r *Runtime) {
	t.Helper()
	go func() { _ = r.Run(context.Background()) }()
	t.Cleanup(func() { _ = r.Kill() })
}

// inspect runs fn on the agent's loop, after every event queued so far.
func inspect(t require.TestingT, r *Runtime, fn func()) {
	err := r.call(context.Background(), func() error {
		fn()
		return nil
	})
	require.NoError(t, err)
}

// deployV2 runs v2 alone on a2, with a1 and a3 played by capture peers.
func deployV2(t *testing.T, rec Reporter, opts ...Option) (*Runtime, *capturePeer, *capturePeer, *LocalNetwork) {
	t.Helper()
	g := chainGraph(t)
	net := NewLocalNetwork()
	a1, a3 := newCapturePeer("a1"), newCapturePeer("a3")
	net.Register(a1)
	net.Register(a3)

	r := New("a2", net, rec, opts...)
	net.Register(r)
	startRuntime(t, r)

	def, _ := g.Node("v2")
	ctx := context.Background()
	require.NoError(t, r.Deploy(ctx, DeployRequest{
		Algorithm:    mgmSpec(""),
		Computations: []ir.ComputationDef{def},
		Hosts:        chainHosts,
	}))
	require.NoError(t, r.Replicate(ctx, ReplicateRequest{}))
	return r, a1, a3, net
}

func valueMsg(from, to string, cycle int) ir.Message {
	return ir.Message{Cycle: cycle, From: from, To: to, Kind: algorithm.KindValue, Value: "R"}
}

func TestRuntime_CommandsFollowLifecycle(t *testing.T) {
	g := chainGraph(t)
	net := NewLocalNetwork()
	r := New("a1", net, nil)
	net.Register(r)
	startRuntime(t, r)
	ctx := context.Background()

	var stateErr *StateError
	err := r.Start(ctx)
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "start", stateErr.Command)
	assert.Equal(t, Created, stateErr.State)

	require.ErrorAs(t, r.Replicate(ctx, ReplicateRequest{}), &stateErr)

	def, _ := g.Node("v1")
	req := DeployRequest{Algorithm: mgmSpec("1"), Computations: []ir.ComputationDef{def}, Hosts: chainHosts}
	require.NoError(t, r.Deploy(ctx, req))
	assert.Equal(t, Deployed, r.State())
	require.ErrorAs(t, r.Deploy(ctx, req), &stateErr)

	ready, err := r.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ready, "not ready before replication")

	require.NoError(t, r.Replicate(ctx, ReplicateRequest{}))
	ready, err = r.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, Active, r.State())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	<-r.Done()

	hb, err := r.Heartbeat(ctx)
	require.NoError(t, err, "a stopped agent still answers heartbeats")
	assert.Equal(t, Stopped.String(), hb.State)
	assert.ErrorIs(t, r.Deploy(ctx, req), ErrStopped)
	assert.NoError(t, r.Stop(stopCtx), "stop is idempotent")
}

func TestRuntime_DeployRejectsUnknownAlgorithm(t *testing.T) {
	g := chainGraph(t)
	r := New("a1", NewLocalNetwork(), nil)
	startRuntime(t, r)

	def, _ := g.Node("v1")
	err := r.Deploy(context.Background(), DeployRequest{
		Algorithm:    algorithm.Spec{Algorithm: "nope", Objective: "min"},
		Computations: []ir.ComputationDef{def},
	})
	require.ErrorIs(t, err, algorithm.ErrUnknownAlgorithm)
	assert.Equal(t, Created, r.State())
}

func TestRuntime_ChainConverges(t *testing.T) {
	g := chainGraph(t)
	net := NewLocalNetwork()
	rec := testutil.NewRecorder()
	ctx := context.Background()

	var agents []*Runtime
	for _, name := range []string{"a1", "a2", "a3"} {
		r := New(name, net, rec)
		net.Register(r)
		startRuntime(t, r)
		agents = append(agents, r)
	}
	for i, r := range agents {
		def, _ := g.Node(g.Names()[i])
		require.NoError(t, r.Deploy(ctx, DeployRequest{
			Algorithm:    mgmSpec("1"),
			Computations: []ir.ComputationDef{def},
			Hosts:        chainHosts,
		}))
	}
	for _, r := range agents {
		require.NoError(t, r.Replicate(ctx, ReplicateRequest{}))
	}
	for _, r := range agents {
		require.NoError(t, r.Start(ctx))
	}

	require.Eventually(t, func() bool {
		for _, r := range agents {
			hb, err := r.Heartbeat(ctx)
			if err != nil || !hb.Idle {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	last := rec.Last()
	got := map[string]string{}
	for name, rec := range last {
		got[name] = rec.Value
		assert.True(t, rec.Finished, name)
		assert.Equal(t, 2, rec.Cycle, name)
	}
	assert.Equal(t, map[string]string{"v1": "R", "v2": "G", "v3": "R"}, got)
	assert.Empty(t, rec.Errors())

	hb, err := agents[1].Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"v2": 2}, hb.Cycles)
}

func TestRuntime_PendingMessagesFlushedOnDeploy(t *testing.T) {
	g := chainGraph(t)
	net := NewLocalNetwork()
	net.Register(newCapturePeer("a1"))
	net.Register(newCapturePeer("a3"))
	r := New("a2", net, nil)
	startRuntime(t, r)
	ctx := context.Background()

	require.NoError(t, r.DeliverMessage(ctx, valueMsg("v1", "v2", 0)))
	inspect(t, r, func() { assert.Len(t, r.pending, 1) })

	def, _ := g.Node("v2")
	require.NoError(t, r.Deploy(ctx, DeployRequest{
		Algorithm:    mgmSpec(""),
		Computations: []ir.ComputationDef{def},
		Hosts:        chainHosts,
	}))
	require.NoError(t, r.Replicate(ctx, ReplicateRequest{}))
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.DeliverMessage(ctx, valueMsg("v3", "v2", 0)))

	inspect(t, r, func() {
		assert.Empty(t, r.pending)
		assert.Equal(t, 1, r.hosted["v2"].comp.Cycle(), "queued message counted for cycle 0")
	})
}

func TestRuntime_OverloadWhenPendingFull(t *testing.T) {
	rec := testutil.NewRecorder()
	r := New("a2", NewLocalNetwork(), rec, WithPendingLimit(2))
	startRuntime(t, r)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.DeliverMessage(ctx, valueMsg("v1", "v2", i)))
	}
	inspect(t, r, func() { assert.Len(t, r.pending, 2) })

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.True(t, IsOverload(errs[0]))
	var oe *OverloadError
	require.ErrorAs(t, errs[0], &oe)
	assert.Equal(t, "a2", oe.Agent)
	assert.Equal(t, "v2", oe.Computation)
	assert.Equal(t, 2, oe.Limit)
}

func TestRuntime_MessageFromNonNeighborDropped(t *testing.T) {
	r, _, _, _ := deployV2(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.DeliverMessage(ctx, valueMsg("v9", "v2", 0)))
	inspect(t, r, func() {
		assert.Empty(t, r.hosted["v2"].buffer[0])
	})
}

func TestRuntime_DuplicateDeliveryIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		copies1 := rapid.IntRange(1, 3).Draw(rt, "copies_v1")
		copies3 := rapid.IntRange(1, 3).Draw(rt, "copies_v3")
		v3First := rapid.Bool().Draw(rt, "v3_first")
		lateCopies := rapid.IntRange(0, 2).Draw(rt, "late_copies")

		r, _, _, _ := deployV2(t, nil)
		ctx := context.Background()
		require.NoError(rt, r.Start(ctx))

		deliver := func(from string, n int) {
			for i := 0; i < n; i++ {
				require.NoError(rt, r.DeliverMessage(ctx, valueMsg(from, "v2", 0)))
			}
		}
		if v3First {
			deliver("v3", copies3)
			deliver("v1", copies1)
		} else {
			deliver("v1", copies1)
			deliver("v3", copies3)
		}
		deliver("v1", lateCopies)

		inspect(rt, r, func() {
			h := r.hosted["v2"]
			assert.Equal(rt, 1, h.comp.Cycle(), "exactly one step for cycle 0")
			assert.Equal(rt, 4, h.msgCount, "start messages plus one round of gains")
			assert.Empty(rt, h.buffer)
		})
		_ = r.Kill()
	})
}

func TestRuntime_BufferKeyedByMessageID(t *testing.T) {
	r, _, _, _ := deployV2(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	m := valueMsg("v1", "v2", 0)
	require.NoError(t, r.DeliverMessage(ctx, m))
	require.NoError(t, r.DeliverMessage(ctx, m))

	inspect(t, r, func() {
		buf := r.hosted["v2"].buffer[0]
		require.Len(t, buf, 1)
		assert.Contains(t, buf, ir.MessageID(m))
	})
	_ = r.Kill()
}

func TestRuntime_SetValueAndChangeConstraint(t *testing.T) {
	rec := testutil.NewRecorder()
	r, _, _, _ := deployV2(t, rec)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.Error(t, r.SetValue(ctx, "v1", "G"), "v1 is not hosted here")
	require.Error(t, r.SetValue(ctx, "v2", "X"), "value outside the domain")
	require.NoError(t, r.SetValue(ctx, "v2", "B"))

	last := rec.Last()["v2"]
	assert.Equal(t, "B", last.Value)
	assert.Equal(t, ir.TriggerValueChange, last.Trigger)

	c := ir.ConstraintDef{Name: "c12", Type: ir.ConstraintEqual}
	require.NoError(t, r.ChangeConstraint(ctx, c))
	inspect(t, r, func() {
		got := r.hosted["v2"].def.Constraints[0]
		assert.Equal(t, ir.ConstraintEqual, got.Type)
		assert.Equal(t, []string{"v1", "v2"}, got.Variables, "scope kept from the replaced constraint")
	})
	require.Error(t, r.ChangeConstraint(ctx, ir.ConstraintDef{Name: "c99", Type: ir.ConstraintEqual}))
}

func TestRuntime_UndeliveredMessagesParkedUntilAnnounce(t *testing.T) {
	r, a1, _, net := deployV2(t, nil, WithDelivery(0, time.Millisecond))
	a1.down = true
	moved := newCapturePeer("a9")
	net.Register(moved)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		n := 0
		inspect(t, r, func() { n = len(r.parked["v1"]) })
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Announce(ctx, "v1", "a9"))
	require.Eventually(t, func() bool {
		return len(moved.messagesTo("v1")) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	inspect(t, r, func() {
		assert.Empty(t, r.parked)
		assert.Zero(t, r.parkedN)
		assert.Equal(t, "a9", r.hosts["v1"])
	})
	assert.Empty(t, a1.messagesTo("v1"))
}

func TestRuntime_AnnounceReplaysRecentMessages(t *testing.T) {
	r, a1, _, net := deployV2(t, nil)
	moved := newCapturePeer("a9")
	net.Register(moved)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		return len(a1.messagesTo("v1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Announce(ctx, "v1", "a9"))
	require.Eventually(t, func() bool {
		msgs := moved.messagesTo("v1")
		return len(msgs) == 1 && msgs[0].Cycle == 0 && msgs[0].From == "v2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRuntime_ConflictingAnnounceIgnored(t *testing.T) {
	r, _, _, _ := deployV2(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Announce(ctx, "v2", "a9"))
	inspect(t, r, func() {
		assert.Equal(t, "a2", r.hosts["v2"])
		assert.Contains(t, r.hosted, "v2")
	})
}

func TestRuntime_SyncKeepsNewestVerifiedState(t *testing.T) {
	g := chainGraph(t)
	r := New("a3", NewLocalNetwork(), nil)
	startRuntime(t, r)
	ctx := context.Background()

	def2, _ := g.Node("v2")
	def3, _ := g.Node("v3")
	require.NoError(t, r.Deploy(ctx, DeployRequest{
		Algorithm: mgmSpec(""), Computations: []ir.ComputationDef{def3}, Hosts: chainHosts,
	}))

	early, err := ir.ComputationState{Name: "v2", Cycle: 1, Value: "G"}.Seal()
	require.NoError(t, err)
	require.NoError(t, r.SyncReplica(ctx, early))

	require.NoError(t, r.Replicate(ctx, ReplicateRequest{
		Replicas: ir.ReplicaDistribution{"v2": {"a3"}},
		Defs:     []ir.ComputationDef{def2},
	}))
	inspect(t, r, func() {
		sh := r.shadows["v2"]
		require.NotNil(t, sh)
		assert.True(t, sh.has, "sync received before replication is kept")
		assert.Equal(t, "a2", sh.primary)
	})

	older, err := ir.ComputationState{Name: "v2", Cycle: 0, Value: "R"}.Seal()
	require.NoError(t, err)
	tampered := ir.ComputationState{Name: "v2", Cycle: 5, Value: "B", Digest: early.Digest}
	require.NoError(t, r.SyncReplica(ctx, older))
	require.NoError(t, r.SyncReplica(ctx, tampered))

	inspect(t, r, func() {
		sh := r.shadows["v2"]
		assert.Equal(t, 1, sh.state.Cycle)
		assert.Equal(t, "G", sh.state.Value)
	})
}

func TestRuntime_EarlySyncIsVerified(t *testing.T) {
	g := chainGraph(t)
	r := New("a3", NewLocalNetwork(), nil)
	startRuntime(t, r)
	ctx := context.Background()

	def2, _ := g.Node("v2")
	def3, _ := g.Node("v3")
	require.NoError(t, r.Deploy(ctx, DeployRequest{
		Algorithm: mgmSpec(""), Computations: []ir.ComputationDef{def3}, Hosts: chainHosts,
	}))

	good, err := ir.ComputationState{Name: "v2", Cycle: 1, Value: "G"}.Seal()
	require.NoError(t, err)
	tampered := ir.ComputationState{Name: "v2", Cycle: 4, Value: "B", Digest: good.Digest}
	require.NoError(t, r.SyncReplica(ctx, good))
	require.NoError(t, r.SyncReplica(ctx, tampered))

	require.NoError(t, r.Replicate(ctx, ReplicateRequest{
		Replicas: ir.ReplicaDistribution{"v2": {"a3"}},
		Defs:     []ir.ComputationDef{def2},
	}))
	inspect(t, r, func() {
		sh := r.shadows["v2"]
		require.NotNil(t, sh)
		require.True(t, sh.has)
		assert.Equal(t, 1, sh.state.Cycle)
		assert.Equal(t, "G", sh.state.Value)
	})
}

// newShadowHost builds a runtime that backs up v2 without running its
// loop, so the failure detector can be driven directly.
func newShadowHost(t *testing.T, rec Reporter, opts ...Option) (*Runtime, *shadow) {
	t.Helper()
	g := chainGraph(t)
	r := New("a3", NewLocalNetwork(), rec, opts...)
	t.Cleanup(func() { _ = r.Kill() })

	def, _ := g.Node("v2")
	r.spec = mgmSpec("")
	r.hosts["v2"] = "a2"
	r.installShadow(def, []string{"a4", "a3"}, 1)
	r.setState(Active)

	comp, err := r.spec.Build(def)
	require.NoError(t, err)
	_, err = comp.Start()
	require.NoError(t, err)
	sh := r.shadows["v2"]
	sh.state, sh.has = comp.Snapshot(), true
	return r, sh
}

func TestRuntime_PromotionWaitsForRank(t *testing.T) {
	rec := testutil.NewRecorder()
	r, _ := newShadowHost(t, rec, WithHeartbeat(time.Millisecond, 2))

	for i := 0; i < 3; i++ {
		r.handleHeartbeat("a2", ir.Heartbeat{}, ErrStopped)
	}
	assert.Contains(t, r.shadows, "v2", "rank 1 waits twice the threshold")
	assert.Empty(t, rec.Promotions())

	r.handleHeartbeat("a2", ir.Heartbeat{}, ErrStopped)
	assert.NotContains(t, r.shadows, "v2")
	require.Contains(t, r.hosted, "v2")
	assert.Equal(t, "a3", r.hosts["v2"])
	assert.Equal(t, []string{"a4"}, r.hosted["v2"].backups, "self and old primary dropped")

	promos := rec.Promotions()
	require.Len(t, promos, 1)
	assert.Equal(t, ir.Promotion{Computation: "v2", From: "a2", To: "a3", Staleness: 0}, promos[0])
}

func TestRuntime_HeartbeatResetsMissedCount(t *testing.T) {
	r, sh := newShadowHost(t, nil, WithHeartbeat(time.Millisecond, 1))

	r.handleHeartbeat("a2", ir.Heartbeat{}, ErrStopped)
	r.handleHeartbeat("a2", ir.Heartbeat{Agent: "a2", Cycles: map[string]int{"v2": 3}}, nil)
	assert.Zero(t, sh.missed)
	assert.Equal(t, 3, sh.lastCycle)
	r.handleHeartbeat("a2", ir.Heartbeat{}, ErrStopped)
	assert.Contains(t, r.shadows, "v2")
}

func TestRuntime_StaleReplicaNotPromoted(t *testing.T) {
	rec := testutil.NewRecorder()
	r, sh := newShadowHost(t, rec, WithMaxStaleness(2))
	sh.lastCycle, sh.seen = 10, true

	r.promote("v2", sh)

	assert.NotContains(t, r.hosted, "v2")
	assert.NotContains(t, r.shadows, "v2")
	assert.Empty(t, rec.Promotions())
	errs := rec.Errors()
	require.Len(t, errs, 1)
	var stale *StaleReplicaError
	require.True(t, errors.As(errs[0], &stale))
	assert.Equal(t, 10, stale.Staleness)
	assert.Equal(t, 2, stale.Max)
}

func TestRuntime_UnboundedStalenessPromotes(t *testing.T) {
	rec := testutil.NewRecorder()
	r, sh := newShadowHost(t, rec, WithMaxStaleness(-1))
	sh.lastCycle, sh.seen = 50, true

	r.promote("v2", sh)

	require.Contains(t, r.hosted, "v2")
	require.Len(t, rec.Promotions(), 1)
	assert.Equal(t, 50, rec.Promotions()[0].Staleness)
}

func TestRuntime_ReplicaTakesOverKilledPrimary(t *testing.T) {
	g := chainGraph(t)
	net := NewLocalNetwork()
	rec := testutil.NewRecorder()
	ctx := context.Background()
	opts := []Option{WithHeartbeat(10*time.Millisecond, 2), WithDelivery(1, 2*time.Millisecond), WithMaxStaleness(-1)}

	agents := map[string]*Runtime{}
	for _, name := range []string{"a1", "a2", "a3"} {
		r := New(name, net, rec, opts...)
		net.Register(r)
		startRuntime(t, r)
		agents[name] = r
	}
	replicas := ir.ReplicaDistribution{"v2": {"a3"}}
	def2, _ := g.Node("v2")
	for comp, name := range chainHosts {
		def, _ := g.Node(comp)
		require.NoError(t, agents[name].Deploy(ctx, DeployRequest{
			Algorithm:    mgmSpec(""),
			Computations: []ir.ComputationDef{def},
			Hosts:        chainHosts,
		}))
	}
	for name, r := range agents {
		req := ReplicateRequest{Replicas: replicas}
		if name == "a3" {
			req.Defs = []ir.ComputationDef{def2}
		}
		require.NoError(t, r.Replicate(ctx, req))
	}
	for _, r := range agents {
		require.NoError(t, r.Start(ctx))
	}

	a3 := agents["a3"]
	require.Eventually(t, func() bool {
		has := false
		inspect(t, a3, func() { has = a3.shadows["v2"] != nil && a3.shadows["v2"].has })
		return has
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, agents["a2"].Kill())

	require.Eventually(t, func() bool {
		return len(rec.Promotions()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	p := rec.Promotions()[0]
	assert.Equal(t, "v2", p.Computation)
	assert.Equal(t, "a2", p.From)
	assert.Equal(t, "a3", p.To)

	hb, err := a3.Heartbeat(ctx)
	require.NoError(t, err)
	start := hb.Cycles["v2"]
	require.Eventually(t, func() bool {
		hb, err := a3.Heartbeat(ctx)
		return err == nil && hb.Cycles["v2"] > start+4
	}, 5*time.Second, 10*time.Millisecond, "promoted v2 keeps cycling with its neighbors")

	a1 := agents["a1"]
	inspect(t, a1, func() { assert.Equal(t, "a3", a1.hosts["v2"]) })
}

func TestRuntime_KillRejectsFurtherCalls(t *testing.T) {
	r := New("a1", NewLocalNetwork(), nil)
	startRuntime(t, r)
	ctx := context.Background()

	require.NoError(t, r.Kill())
	require.NoError(t, r.Kill())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after kill")
	}
	_, err := r.Heartbeat(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, r.DeliverMessage(ctx, valueMsg("v2", "v1", 0)), ErrStopped)
	assert.ErrorIs(t, r.Start(ctx), ErrStopped)
	assert.Equal(t, Stopped, r.State())
}

func TestState_RoundTrip(t *testing.T) {
	for s := Created; s <= Stopped; s++ {
		assert.Equal(t, s, ParseState(s.String()))
	}
	assert.Equal(t, Stopped, ParseState("bogus"))
}
