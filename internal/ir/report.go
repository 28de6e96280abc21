package ir

// RunStatus is the lifecycle state of an orchestrated run. The terminal
// values double as the status of the final run report.
type RunStatus string

const (
	StatusInit        RunStatus = "INIT"
	StatusDeployed    RunStatus = "DEPLOYED"
	StatusReplicating RunStatus = "REPLICATING"
	StatusReady       RunStatus = "READY"
	StatusRunning     RunStatus = "RUNNING"
	StatusStopped     RunStatus = "STOPPED"
	StatusTimeout     RunStatus = "TIMEOUT"
	StatusError       RunStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == StatusStopped || s == StatusTimeout || s == StatusError
}

// Trigger identifies what caused a metric record or snapshot.
type Trigger string

const (
	TriggerValueChange Trigger = "value_change"
	TriggerCycleChange Trigger = "cycle_change"
	TriggerPeriod      Trigger = "period"
	TriggerEnd         Trigger = "end"
)

// MetricRecord is a point-in-time measurement emitted by an agent for one
// of its computations. Counters are cumulative for the computation.
type MetricRecord struct {
	Trigger      Trigger `json:"trigger"`
	Agent        string  `json:"agent"`
	Computation  string  `json:"computation"`
	Value        string  `json:"value"`
	Cycle        int     `json:"cycle"`
	MsgCount     int     `json:"msg_count"`
	MsgSize      int     `json:"msg_size"`
	ValueChanged bool    `json:"value_changed"`
	Finished     bool    `json:"finished"`
	ElapsedSec   float64 `json:"elapsed"`
}

// Snapshot is the reduction of the latest metric records at one instant.
type Snapshot struct {
	Seq        int64             `json:"seq"`
	Trigger    Trigger           `json:"trigger"`
	Time       float64           `json:"time"`
	Cycle      int               `json:"cycle"`
	Cost       float64           `json:"cost"`
	Violation  int               `json:"violation"`
	MsgCount   int               `json:"msg_count"`
	MsgSize    int               `json:"msg_size"`
	Assignment map[string]string `json:"assignment"`
	Status     RunStatus         `json:"status"`
}

// Promotion records a replica promoted to primary after its host was lost.
type Promotion struct {
	Computation string `json:"computation"`
	From        string `json:"from"`
	To          string `json:"to"`
	Staleness   int    `json:"staleness"`
}

// RunReport is the terminal report of a run. Fields are declared in
// lexical JSON key order so the printed report has sorted keys.
type RunReport struct {
	Assignment     map[string]string   `json:"assignment"`
	Cost           float64             `json:"cost"`
	Cycle          int                 `json:"cycle"`
	Distribution   map[string][]string `json:"distribution,omitempty"`
	DroppedRecords int64               `json:"dropped_records"`
	Errors         []string            `json:"errors,omitempty"`
	MsgCount       int                 `json:"msg_count"`
	MsgSize        int                 `json:"msg_size"`
	Promotions     []Promotion         `json:"promotions,omitempty"`
	RunID          string              `json:"run_id"`
	Snapshots      int64               `json:"snapshots"`
	Status         RunStatus           `json:"status"`
	Time           float64             `json:"time"`
	ValueChanges   int                 `json:"value_changes"`
	Violation      int                 `json:"violation"`
}
