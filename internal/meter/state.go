package meter

import "fmt"

// State is the protocol state of a Meter.
type State int

const (
	StateUninitialized State = iota
	StateSelfTesting
	StateInitialized
	StateConfiguring
	StateRunning
	StateDraining
	StateDecoded
	StateError
)

var stateNames = [...]string{
	StateUninitialized: "Uninitialized",
	StateSelfTesting:   "SelfTesting",
	StateInitialized:   "Initialized",
	StateConfiguring:   "Configuring",
	StateRunning:       "Running",
	StateDraining:      "Draining",
	StateDecoded:       "Decoded",
	StateError:         "Error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}
