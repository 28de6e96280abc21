package agent

// State is the lifecycle state of an agent.
type State int32

const (
	Created State = iota
	Deployed
	Replicating
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Deployed:
		return "DEPLOYED"
	case Replicating:
		return "REPLICATING"
	case Active:
		return "ACTIVE"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ParseState maps a state name back to a State.
func ParseState(s string) State {
	for st := Created; st <= Stopped; st++ {
		if st.String() == s {
			return st
		}
	}
	return Stopped
}
