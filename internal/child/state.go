package child

import "fmt"

// State is a child context's lifecycle state. States only move forward.
type State int

const (
	Unbuilt State = iota
	HandlesAcquired
	QuotaTransferred
	ThreadBound
	Startable
	Running
	Terminated
)

var stateNames = [...]string{
	Unbuilt:          "unbuilt",
	HandlesAcquired:  "handles_acquired",
	QuotaTransferred: "quota_transferred",
	ThreadBound:      "thread_bound",
	Startable:        "startable",
	Running:          "running",
	Terminated:       "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Unbuilt, fmt.Errorf("unknown child state %q", name)
}
