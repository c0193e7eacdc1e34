package sequencer

// State is the sequencer's lifecycle position.
type State int32

const (
	Stopped State = iota
	Recovering
	Running
	Draining
	// Final is Stopped after a run; a sequencer is never restarted in place.
	Final
)

var allStates = []string{"stopped", "recovering", "running", "draining", "final"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(allStates) {
		return allStates[s]
	}
	return "unknown"
}
