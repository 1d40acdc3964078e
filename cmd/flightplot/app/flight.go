package app

import (
	"math"
	"time"

	"github.com/roman-kulish/flight-core/internal/flightlog"
)

// Point is a single sample of a series
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Series is one plotted line
type Series struct {
	Name     string
	Unit     string
	Points   []Point
	Min, Max float64
}

func newSeries(name, unit string) *Series {
	return &Series{Name: name, Unit: unit, Min: math.Inf(1), Max: math.Inf(-1)}
}

func (s *Series) add(ts time.Time, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.Points = append(s.Points, Point{Timestamp: ts, Value: v})
	s.Min = min(s.Min, v)
	s.Max = max(s.Max, v)
}

// Empty reports whether the series has no points
func (s *Series) Empty() bool {
	return len(s.Points) == 0
}

// FlightData accumulates the recorded cycles of a flight into plottable series
type FlightData struct {
	Session *flightlog.Session

	TimestampStart, TimestampEnd time.Time

	Cycles int
	Faults []time.Time
	Lost   []time.Time
	Events []flightlog.Event

	Forward  *Series
	Vertical *Series
	YawRate  *Series
	Distance *Series
}

func NewFlightData(session *flightlog.Session) *FlightData {
	return &FlightData{
		Session:  session,
		Forward:  newSeries("forward", ""),
		Vertical: newSeries("vertical", ""),
		YawRate:  newSeries("yaw", ""),
		Distance: newSeries("distance", "cm"),
	}
}

// Update adds a cycle. Rejected and lost samples are marked on the time scale instead of being
// plotted.
func (f *FlightData) Update(c *flightlog.Cycle) {
	f.Cycles++

	if f.TimestampStart.IsZero() || f.TimestampStart.After(c.Timestamp) {
		f.TimestampStart = c.Timestamp
	}
	if f.TimestampEnd.IsZero() || f.TimestampEnd.Before(c.Timestamp) {
		f.TimestampEnd = c.Timestamp
	}

	switch {
	case c.Faulted():
		f.Faults = append(f.Faults, c.Timestamp)
		return
	case c.Signal.Lost:
		f.Lost = append(f.Lost, c.Timestamp)
	default:
		f.Distance.add(c.Timestamp, c.Signal.Distance)
	}

	f.Forward.add(c.Timestamp, c.Command.Forward)
	f.Vertical.add(c.Timestamp, c.Command.Vertical)
	f.YawRate.add(c.Timestamp, c.Command.YawRate)
}

// AddEvents keeps the events that fall within the plotted time range
func (f *FlightData) AddEvents(events []flightlog.Event) {
	for _, e := range events {
		if e.Timestamp.Before(f.TimestampStart) || e.Timestamp.After(f.TimestampEnd) {
			continue
		}
		f.Events = append(f.Events, e)
	}
}

// Commands returns the velocity command series
func (f *FlightData) Commands() []*Series {
	return []*Series{f.Forward, f.Vertical, f.YawRate}
}

// Duration returns the time span of the plotted cycles
func (f *FlightData) Duration() time.Duration {
	return f.TimestampEnd.Sub(f.TimestampStart)
}
