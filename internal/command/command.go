package command

import "fmt"

// Velocity is a body-frame velocity command sent to the drone.
// Lateral is always zero: the camera drone never strafes.
type Velocity struct {
	Forward  float64 `json:"forward"`  // forward (+) / backward (-) velocity
	Lateral  float64 `json:"lateral"`  // always 0
	Vertical float64 `json:"vertical"` // up (+) / down (-) velocity
	YawRate  float64 `json:"yawRate"`  // angular velocity around the vertical axis
}

// Trigger is the empty payload of one-shot commands such as takeoff, land and flat trim.
type Trigger struct{}

// Hover returns a zero-velocity command.
func Hover() Velocity {
	return Velocity{}
}

// Climb returns a constant vertical climb command with no forward or yaw component.
func Climb(rate float64) Velocity {
	return Velocity{Vertical: rate}
}

// Move returns a command with the lateral component pinned to zero.
func Move(forward, vertical, yawRate float64) Velocity {
	return Velocity{Forward: forward, Vertical: vertical, YawRate: yawRate}
}

// IsZero reports whether the command stops the drone.
func (v Velocity) IsZero() bool {
	return v == Velocity{}
}

func (v Velocity) String() string {
	return fmt.Sprintf("forward=%0.3f vertical=%0.3f yaw=%0.3f", v.Forward, v.Vertical, v.YawRate)
}
