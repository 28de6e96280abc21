package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by operations on a stopped or killed agent.
	ErrStopped = errors.New("agent stopped")

	// ErrUnknownPeer is returned when no route to an agent is known.
	ErrUnknownPeer = errors.New("unknown peer")
)

// OverloadError reports that an agent had to refuse work: its queue of
// messages for undeployed computations, or of undeliverable messages, is
// full.
type OverloadError struct {
	Agent       string
	Computation string
	Limit       int
	Reason      string
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("agent %s overloaded (%s, limit %d) on message for %s",
		e.Agent, e.Reason, e.Limit, e.Computation)
}

// IsOverload reports whether err is an OverloadError.
func IsOverload(err error) bool {
	var target *OverloadError
	return errors.As(err, &target)
}

// StateError is returned for a command the agent cannot accept in its
// current state.
type StateError struct {
	Agent   string
	Command string
	State   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("agent %s: %s not allowed in state %s", e.Agent, e.Command, e.State)
}

// StaleReplicaError reports a promotion refused because the replica lags
// its primary by more cycles than allowed.
type StaleReplicaError struct {
	Agent       string
	Computation string
	Staleness   int
	Max         int
}

func (e *StaleReplicaError) Error() string {
	return fmt.Sprintf("agent %s: replica of %s is %d cycles stale (max %d), promotion refused",
		e.Agent, e.Computation, e.Staleness, e.Max)
}
