package orchestrator

import (
	"time"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/ir"
	"github.com/roach88/dcop/internal/metrics"
	"github.com/roach88/dcop/internal/problem"
	"github.com/roach88/dcop/internal/replication"
	"github.com/roach88/dcop/internal/store"
)

// Execution topologies.
const (
	ModeThread  = "thread"
	ModeProcess = "process"
)

// Defaults for Config.
const (
	DefaultDeployTimeout      = 10 * time.Second
	DefaultReplicationTimeout = 10 * time.Second
	DefaultReadyTimeout       = 10 * time.Second
	DefaultPollInterval       = 20 * time.Millisecond
	DefaultTimeUnit           = time.Second

	// Shutdown bounds used by the run controller.
	TimeoutStopTimeout   = 20 * time.Second
	ForceExitStopTimeout = 5 * time.Second
	ErrorStopTimeout     = 5 * time.Second
	CompleteStopTimeout  = 5 * time.Second
)

// Config holds the orchestrator knobs.
type Config struct {
	Mode string

	DeployTimeout      time.Duration
	ReplicationTimeout time.Duration
	ReadyTimeout       time.Duration
	PollInterval       time.Duration

	ReplicationMethod string

	// CollectOn and Period select when metric snapshots are taken. Period
	// is expressed in time units.
	CollectOn ir.Trigger
	Period    float64

	// TimeUnit is the duration of one scenario delay or period unit.
	TimeUnit time.Duration

	// Infinity is the cost at which a constraint counts as violated.
	Infinity float64

	// MetricsAddr, when set, serves the collection endpoint and
	// /metrics on that address.
	MetricsAddr string
}

// DefaultConfig returns a thread topology configuration.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeThread,
		DeployTimeout:      DefaultDeployTimeout,
		ReplicationTimeout: DefaultReplicationTimeout,
		ReadyTimeout:       DefaultReadyTimeout,
		PollInterval:       DefaultPollInterval,
		ReplicationMethod:  replication.MethodHostingCosts,
		CollectOn:          ir.TriggerValueChange,
		TimeUnit:           DefaultTimeUnit,
		Infinity:           problem.DefaultInfinity,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAgentOptions sets the options of every co-located agent runtime and
// of in-process nodes.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(o *Orchestrator) { o.agentOpts = append(o.agentOpts, opts...) }
}

// WithLauncher sets how process topology agents are started.
func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// WithStore records the run, its snapshots and promotions in s.
func WithStore(s *store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithRunID sets the run identifier. A UUIDv7 is generated otherwise.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithIDGenerator sets how the run id is generated when none is given.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithRunInputs records the command inputs of the run in the store.
func WithRunInputs(inputs map[string]any) Option {
	return func(o *Orchestrator) { o.inputs = inputs }
}

// WithSink adds a metrics snapshot sink.
func WithSink(s metrics.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}
