package ir

// Message is an algorithm message exchanged between two computations.
//
// Cycle is stamped by the sending agent runtime. A receiver discards
// messages for cycles its computation already advanced past, and overwrites
// a buffered message with the same (cycle, from, kind), which makes replay
// idempotent.
type Message struct {
	Cycle int     `json:"cycle"`
	From  string  `json:"from"`
	To    string  `json:"to"`
	Kind  string  `json:"kind"`
	Value string  `json:"value,omitempty"`
	Gain  float64 `json:"gain,omitempty"`
}

// Size is the advisory size of the message used for msg_size metrics.
func (m Message) Size() int {
	return 1 + len(m.Value)
}

// ComputationState is the replicable state of a computation.
//
// Cycle is the cycle the computation is waiting for: the primary has sent
// its messages for Cycle and has not yet processed the inbound ones.
type ComputationState struct {
	Name   string             `json:"name"`
	Cycle  int                `json:"cycle"`
	Value  string             `json:"value"`
	Extra  map[string]float64 `json:"extra,omitempty"`
	Digest string             `json:"digest,omitempty"`
}

// Heartbeat is an agent's liveness answer, carrying the current cycle of
// each computation it hosts as primary.
type Heartbeat struct {
	Agent  string         `json:"agent"`
	State  string         `json:"state"`
	Cycles map[string]int `json:"cycles"`
	Idle   bool           `json:"idle"`
}
