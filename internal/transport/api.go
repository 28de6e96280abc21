// Package transport carries agent traffic between processes.
//
// An agent process serves its runtime with a gin Node; other agents and the
// orchestrator reach it through Client, which implements agent.Agent over
// JSON/HTTP. Agents report metrics, promotions and errors back to the
// orchestrator's Collector through a RemoteReporter.
//
// Co-located agents do not use this package: they talk through
// agent.LocalNetwork.
package transport

import (
	"errors"
	"net/http"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/algorithm"
)

// Route prefixes.
const (
	AgentPrefix   = "/v1/agent"
	CollectPrefix = "/v1/collect"
)

// Error codes carried in ErrorResponse.
const (
	CodeBadRequest   = "bad_request"
	CodeInvalidState = "invalid_state"
	CodeStopped      = "stopped"
	CodeInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Command string `json:"command,omitempty"`
	State   string `json:"state,omitempty"`
}

// AnnounceRequest tells an agent where a computation now runs.
type AnnounceRequest struct {
	Computation string `json:"computation" binding:"required"`
	Host        string `json:"host" binding:"required"`
}

// ValueRequest forces the value of a computation.
type ValueRequest struct {
	Computation string `json:"computation" binding:"required"`
	Value       string `json:"value" binding:"required"`
}

// ReadyResponse answers the readiness probe.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}

// Error kinds carried in ErrorReport.
const (
	ErrorKindOverload     = "overload"
	ErrorKindStaleReplica = "stale_replica"
	ErrorKindOther        = "other"
)

// ErrorReport is an agent error sent to the collector. Typed agent errors
// keep their fields so the orchestrator can tell them apart.
type ErrorReport struct {
	Agent       string `json:"agent"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Computation string `json:"computation,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Staleness   int    `json:"staleness,omitempty"`
	Max         int    `json:"max,omitempty"`
}

// NewErrorReport encodes err for the wire.
func NewErrorReport(agentName string, err error) ErrorReport {
	rep := ErrorReport{Agent: agentName, Kind: ErrorKindOther, Message: err.Error()}
	var oe *agent.OverloadError
	var se *agent.StaleReplicaError
	switch {
	case errors.As(err, &oe):
		rep.Kind = ErrorKindOverload
		rep.Computation, rep.Limit, rep.Reason = oe.Computation, oe.Limit, oe.Reason
	case errors.As(err, &se):
		rep.Kind = ErrorKindStaleReplica
		rep.Computation, rep.Staleness, rep.Max = se.Computation, se.Staleness, se.Max
	}
	return rep
}

// Err rebuilds the error an ErrorReport was made from.
func (r ErrorReport) Err() error {
	switch r.Kind {
	case ErrorKindOverload:
		return &agent.OverloadError{Agent: r.Agent, Computation: r.Computation, Limit: r.Limit, Reason: r.Reason}
	case ErrorKindStaleReplica:
		return &agent.StaleReplicaError{Agent: r.Agent, Computation: r.Computation, Staleness: r.Staleness, Max: r.Max}
	default:
		return errors.New(r.Message)
	}
}

// statusOf maps an agent error to an HTTP status and error code.
func statusOf(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Code: CodeInternal}
	var se *agent.StateError
	switch {
	case errors.As(err, &se):
		resp.Code, resp.Command, resp.State = CodeInvalidState, se.Command, se.State.String()
		return http.StatusConflict, resp
	case errors.Is(err, agent.ErrStopped):
		resp.Code = CodeStopped
		return http.StatusGone, resp
	case errors.Is(err, algorithm.ErrUnknownAlgorithm),
		errors.Is(err, algorithm.ErrUnknownParameter),
		errors.Is(err, algorithm.ErrIncompatibleGraph):
		resp.Code = CodeBadRequest
		return http.StatusBadRequest, resp
	}
	return http.StatusInternalServerError, resp
}

var _ agent.Agent = (*Client)(nil)
var _ agent.Reporter = (*RemoteReporter)(nil)
var _ agent.Network = (*HTTPNetwork)(nil)
