// Package agent implements the agent runtime: a host for primary
// computations and replica shadows that steps algorithms as messages
// arrive, keeps its backups in sync, promotes replicas when a primary is
// lost and reports metrics.
//
// Each Runtime is a single-writer event loop. Messages, replica syncs,
// announcements and control commands are all queued and applied by the
// Run goroutine, so no runtime state is shared between goroutines except
// the published heartbeat.
package agent

import (
	"context"
	"sync"

	"github.com/roach88/dcop/internal/algorithm"
	"github.com/roach88/dcop/internal/ir"
)

// Peer is the surface agents use to reach each other.
type Peer interface {
	Name() string
	DeliverMessage(ctx context.Context, msg ir.Message) error
	SyncReplica(ctx context.Context, state ir.ComputationState) error
	Announce(ctx context.Context, computation, host string) error
	Heartbeat(ctx context.Context) (ir.Heartbeat, error)
}

// Agent is the control surface the orchestrator drives. It is implemented
// by Runtime for co-located agents and by an HTTP client for agents
// running in their own process.
type Agent interface {
	Peer
	Deploy(ctx context.Context, req DeployRequest) error
	Replicate(ctx context.Context, req ReplicateRequest) error
	Ready(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	SetValue(ctx context.Context, computation, value string) error
	ChangeConstraint(ctx context.Context, c ir.ConstraintDef) error
	Stop(ctx context.Context) error

	// Kill terminates the agent without waiting for it: a co-located
	// agent is abandoned, a process is killed.
	Kill() error
}

// DeployRequest carries an agent's primary computations.
type DeployRequest struct {
	Algorithm    algorithm.Spec      `json:"algorithm"`
	Computations []ir.ComputationDef `json:"computations"`

	// Hosts maps every computation of the run to its agent.
	Hosts map[string]string `json:"hosts"`

	// Peers maps agent names to addresses for agents reached over a
	// network. Empty for co-located agents.
	Peers map[string]string `json:"peers,omitempty"`
}

// ReplicateRequest carries the replica distribution of the run and the
// definitions of the computations this agent backs up.
type ReplicateRequest struct {
	Replicas ir.ReplicaDistribution `json:"replicas"`
	Defs     []ir.ComputationDef    `json:"defs,omitempty"`
}

// Network resolves agent names to peers.
type Network interface {
	Peer(agent string) (Peer, bool)
}

// Reporter receives what an agent reports upward. Record must not block.
type Reporter interface {
	Record(rec ir.MetricRecord)
	Promoted(p ir.Promotion)
	Error(agent string, err error)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Record(ir.MetricRecord) {}
func (NopReporter) Promoted(ir.Promotion)  {}
func (NopReporter) Error(string, error)    {}

// LocalNetwork connects co-located agents through direct calls.
type LocalNetwork struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{peers: make(map[string]Peer)}
}

// Register adds or replaces a peer.
func (n *LocalNetwork) Register(p Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[p.Name()] = p
}

// Peer implements Network.
func (n *LocalNetwork) Peer(agent string) (Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[agent]
	return p, ok
}
