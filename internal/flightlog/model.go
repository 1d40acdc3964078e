package flightlog

import (
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/vision"
)

// Session represents a single flight. Each session captures metadata about when and with which
// tuning the flight was performed.
type Session struct {
	ID        int64     `json:"ID"`                      // Unique identifier for the session
	FlightID  uuid.UUID `json:"flightID"`                // Globally unique flight identifier, safe to share across recorders
	StartTime time.Time `json:"startTime"`               // When the flight began
	DroneID   string    `json:"droneID"`                 // Identifier of the airframe
	Config    *string   `json:"config,string,omitempty"` // Optional flight configuration in JSON format
}

// Cycle is one pass of the tracking loop: the measurement that drove it and the command that
// came out of it. A cycle whose sample was rejected, or whose command the failsafe blocked,
// carries the reason and a zero command.
type Cycle struct {
	Timestamp time.Time          `json:"timestamp"`
	Signal    vision.ErrorSignal `json:"signal"`
	Command   command.Velocity   `json:"command"`
	Fault     string             `json:"fault,omitempty"`
}

// Faulted reports whether the cycle produced no command
func (c Cycle) Faulted() bool {
	return c.Fault != ""
}

// Event is a notable point in the flight: a phase transition, a failsafe trigger, an ascent
// failure.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
}

