package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

var (
	// ErrInvalidPhase is wrapped by PhaseError.
	ErrInvalidPhase = errors.New("operation not allowed in current phase")

	// ErrNotReady is returned by Execute when agents did not become ready
	// before the readiness timeout.
	ErrNotReady = errors.New("agents not ready")

	// ErrTopologyClosed is returned when agents are launched after the
	// topology or launcher was closed.
	ErrTopologyClosed = errors.New("agent topology closed")
)

// PhaseError reports an orchestrator operation called out of order.
type PhaseError struct {
	Op    string
	Phase ir.RunStatus
	Want  []ir.RunStatus
}

func (e *PhaseError) Error() string {
	want := make([]string, len(e.Want))
	for i, w := range e.Want {
		want[i] = string(w)
	}
	return fmt.Sprintf("%s in phase %s (want %s): %v", e.Op, e.Phase, strings.Join(want, " or "), ErrInvalidPhase)
}

func (e *PhaseError) Unwrap() error { return ErrInvalidPhase }

// DeploymentError names the agents that did not acknowledge a phase
// barrier.
type DeploymentError struct {
	Phase  string
	Agents []string
	Err    error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("%s failed on agents %s: %v", e.Phase, strings.Join(e.Agents, ", "), e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// TimeoutError reports a phase barrier that did not complete in time.
type TimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Phase, e.Timeout)
}
