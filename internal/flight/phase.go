package flight

// Phase is the stage of the flight lifecycle. Phases only move forward; Landing is terminal
// and can be entered from any phase.
type Phase int32

const (
	Uninitialized Phase = iota
	Ascending
	Ready
	Tracking
	Landing
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "Uninitialized"
	case Ascending:
		return "Ascending"
	case Ready:
		return "Ready"
	case Tracking:
		return "Tracking"
	case Landing:
		return "Landing"
	}
	return "Unknown"
}

// LostTargetPolicy decides what the drone does when the detector reports no target.
type LostTargetPolicy string

const (
	// LostTargetHover stops the drone and resets the controllers, so a target reacquired later
	// does not inherit the integral and derivative history of the one that was lost.
	LostTargetHover LostTargetPolicy = "hover"

	// LostTargetHold repeats the last command and leaves the controllers untouched.
	LostTargetHold LostTargetPolicy = "hold"
)

func (p LostTargetPolicy) String() string {
	return string(p)
}

// Valid reports whether p is a known policy
func (p LostTargetPolicy) Valid() bool {
	return p == LostTargetHover || p == LostTargetHold
}
