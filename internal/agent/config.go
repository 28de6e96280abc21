package agent

import "time"

// Defaults for Config.
const (
	DefaultPendingLimit      = 1000
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultMissedHeartbeats  = 3
	DefaultMaxStaleness      = 8
	DefaultReplayWindow      = DefaultMaxStaleness + 2
	DefaultDeliveryRetries   = 3
	DefaultRetryDelay        = 20 * time.Millisecond
	DefaultDeliveryTimeout   = 2 * time.Second
)

// Config holds the runtime knobs of an agent.
type Config struct {
	// PendingLimit bounds both the queue of messages for computations not
	// deployed yet and the messages parked after failed delivery.
	PendingLimit int

	HeartbeatInterval time.Duration
	MissedHeartbeats  int

	// MaxStaleness is how many cycles a replica may lag the last cycle its
	// primary reported and still be promoted. Negative means no bound.
	MaxStaleness int

	// ReplayWindow is how many past cycles of outbound messages are kept
	// for re-sending after a computation moves to another agent.
	ReplayWindow int

	DeliveryRetries int
	RetryDelay      time.Duration
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		PendingLimit:      DefaultPendingLimit,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MissedHeartbeats:  DefaultMissedHeartbeats,
		MaxStaleness:      DefaultMaxStaleness,
		ReplayWindow:      DefaultReplayWindow,
		DeliveryRetries:   DefaultDeliveryRetries,
		RetryDelay:        DefaultRetryDelay,
		DeliveryTimeout:   DefaultDeliveryTimeout,
	}
}

// Option configures an agent runtime.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithPendingLimit sets the pending and parked message bound.
func WithPendingLimit(n int) Option {
	return func(c *Config) { c.PendingLimit = n }
}

// WithHeartbeat sets the failure detector period and threshold.
func WithHeartbeat(interval time.Duration, missed int) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.MissedHeartbeats = missed
	}
}

// WithMaxStaleness sets the promotion staleness bound.
func WithMaxStaleness(cycles int) Option {
	return func(c *Config) { c.MaxStaleness = cycles }
}

// WithReplayWindow sets how many cycles of outbound messages are kept.
func WithReplayWindow(cycles int) Option {
	return func(c *Config) { c.ReplayWindow = cycles }
}

// WithDelivery sets the retry policy of message delivery.
func WithDelivery(retries int, delay time.Duration) Option {
	return func(c *Config) {
		c.DeliveryRetries = retries
		c.RetryDelay = delay
	}
}
