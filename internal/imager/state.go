package imager

import "fmt"

// State is the power and capture state of the imager.
type State int

const (
	// Virgin is the state after construction; the sensor may be in any state.
	Virgin State = iota
	PowerDown
	PowerUp
	Ready
	Capturing
)

var stateNames = [...]string{"Virgin", "PowerDown", "PowerUp", "Ready", "Capturing"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}
