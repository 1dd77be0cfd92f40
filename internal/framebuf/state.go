package framebuf

// State is the lifecycle stage of one Buffer.
type State int32

// Buffer states. A buffer only ever moves forward through this list.
const (
	// StateProbing buffers frames for a detector; frames handed out by
	// Read are retained for replay.
	StateProbing State = iota
	// StateReady delivers frames to the steady-state consumer.
	StateReady
	// StateEOF accepts no more frames; readers drain what is left.
	StateEOF
	// StateFlushed is fully drained and may be dropped from its Epochs.
	StateFlushed
)

var stateNames = [...]string{"probing", "ready", "eof", "flushed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists every legal state change. An end of stream requested
// while probing is recorded separately and applied on promotion, so
// StateProbing never jumps straight to StateEOF.
var transitions = map[State][]State{
	StateProbing: {StateReady, StateFlushed},
	StateReady:   {StateEOF, StateFlushed},
	StateEOF:     {StateFlushed},
	StateFlushed: nil,
}

func (s State) canTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
