package capture

// State is the lifecycle position of one producer.
type State int32

const (
	StateIdle State = iota
	StateDetecting
	StateStreaming
	StateReconfiguring
	StateShuttingDown
	StateStopped
)

var stateNames = [...]string{"idle", "detecting", "streaming", "reconfiguring", "shutting-down", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var transitions = map[State][]State{
	StateIdle:          {StateDetecting, StateShuttingDown},
	StateDetecting:     {StateStreaming, StateReconfiguring, StateShuttingDown},
	StateStreaming:     {StateReconfiguring, StateShuttingDown},
	StateReconfiguring: {StateDetecting, StateStreaming, StateShuttingDown},
	StateShuttingDown:  {StateStopped},
}

func (s State) canTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
