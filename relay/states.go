package relay

// State is the phase of the connection, or of one remote client.
type State int

// The order matters: Disconnected through Play are the handshake phases in the order they are
// reached, which is used to cap resumes at the highest phase reached.
const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateInit
	StateSetup
	StatePlay
	StateSuspended
	// Only used for remote clients which were denied during the hello exchange.
	StateRejected
)

var stateNames = map[State]string{
	StateDisconnected: "Disconnected",
	StateJoining:      "Joining",
	StateJoined:       "Joined",
	StateInit:         "Init",
	StateSetup:        "Setup",
	StatePlay:         "Play",
	StateSuspended:    "Suspended",
	StateRejected:     "Rejected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// ParseState is the inverse of String.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateDisconnected, false
}

// Allowed global transitions. Every connected state can fall back to Joining on a transport error,
// to Disconnected on a terminal close or an explicit disconnect, and to Joined when the last remote
// client is lost. Joining may jump forward on RESUME, but never past the highest phase reached.
var transitions = map[State][]State{
	StateDisconnected: {StateJoining},
	StateJoining:      {StateJoined, StateInit, StateSetup, StatePlay, StateDisconnected},
	StateJoined:       {StateInit, StateJoining, StateDisconnected},
	StateInit:         {StateSetup, StateJoined, StateJoining, StateDisconnected},
	StateSetup:        {StatePlay, StateJoined, StateJoining, StateDisconnected},
	StatePlay:         {StateSuspended, StateJoined, StateJoining, StateDisconnected},
	StateSuspended:    {StatePlay, StateJoined, StateJoining, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// connected reports whether the connection has an open transport which completed the join.
func (s State) connected() bool {
	return s >= StateJoined && s <= StateSuspended
}
