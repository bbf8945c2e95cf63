package session

import "fmt"

// State is a call session's position in its lifecycle
type State int

const (
	StateConnecting State = iota
	StateGreeting
	StateAwaitingTurn
	StateAdvancingStep
	StateTransferRequested
	StateEndRequested
	StatePeerDisconnected
	StateDisconnecting
	StateCleaningUp
	StateTerminated
)

var stateNames = map[State]string{
	StateConnecting:        "CONNECTING",
	StateGreeting:          "GREETING",
	StateAwaitingTurn:      "AWAITING_TURN",
	StateAdvancingStep:     "ADVANCING_STEP",
	StateTransferRequested: "TRANSFER_REQUESTED",
	StateEndRequested:      "END_REQUESTED",
	StatePeerDisconnected:  "PEER_DISCONNECTED",
	StateDisconnecting:     "DISCONNECTING",
	StateCleaningUp:        "CLEANING_UP",
	StateTerminated:        "TERMINATED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the allowed moves. Every state may also jump to
// TERMINATED (superseded by a newer connection) and every live state may
// move to CLEANING_UP (shutdown).
var transitions = map[State][]State{
	StateConnecting:        {StateGreeting, StateAwaitingTurn},
	StateGreeting:          {StateAwaitingTurn},
	StateAwaitingTurn:      {StateAdvancingStep, StateTransferRequested, StateEndRequested, StatePeerDisconnected},
	StateAdvancingStep:     {StateAwaitingTurn},
	StateTransferRequested: {StateAwaitingTurn, StateDisconnecting},
	StateEndRequested:      {StateDisconnecting},
	StatePeerDisconnected:  {StateCleaningUp},
	StateDisconnecting:     {StateCleaningUp},
	StateCleaningUp:        {StateTerminated},
}

// canTransition reports whether from -> to is a legal move
func canTransition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	if to == StateTerminated {
		return true
	}
	if to == StateCleaningUp && from != StateCleaningUp {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
