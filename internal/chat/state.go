package chat

// State is the lifecycle state of the streaming session controller.
type State int

const (
	// StateIdle accepts a new send.
	StateIdle State = iota
	// StateSending has subscribed and issued (or is about to issue) the backend command.
	StateSending
	// StateStreaming has received at least one chunk.
	StateStreaming
	// StateCompleted is the transient terminal state after a done event.
	StateCompleted
	// StateFailed is the transient terminal state after any failure.
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateSending:   "sending",
	StateStreaming: "streaming",
	StateCompleted: "completed",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateIdle:      {StateSending},
	StateSending:   {StateStreaming, StateCompleted, StateFailed},
	StateStreaming: {StateCompleted, StateFailed},
	StateCompleted: {StateIdle},
	StateFailed:    {StateIdle},
}

// Transition returns the target state if moving from s to next is allowed, otherwise it returns s and a
// *TransitionError.
func (s State) Transition(next State) (State, error) {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return next, nil
		}
	}
	return s, &TransitionError{From: s, To: next}
}
