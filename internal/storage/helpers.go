package storage

import (
	"database/sql"
	"errors"

	"github.com/roman-kulish/flight-core/internal/flightlog"
	"github.com/roman-kulish/flight-core/internal/telemetry"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// rollbackWithError is a no-op after a successful commit
func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toTelemetryData(sessionID int64, t *telemetry.Navdata) *telemetryData {
	return &telemetryData{
		SessionID: sessionID,
		Timestamp: t.Timestamp.UTC(),
		Altitude:  t.Altitude,
		Battery: sql.NullFloat64{
			Float64: toSQLNullType[float64](t.Battery),
			Valid:   t.Battery != nil,
		},
	}
}

func toCycleData(sessionID int64, c *flightlog.Cycle) *cycleData {
	return &cycleData{
		SessionID:        sessionID,
		Timestamp:        c.Timestamp.UTC(),
		Distance:         c.Signal.Distance,
		HorizontalOffset: c.Signal.HorizontalOffset,
		VerticalOffset:   c.Signal.VerticalOffset,
		Lost:             c.Signal.Lost,
		Forward:          c.Command.Forward,
		Vertical:         c.Command.Vertical,
		YawRate:          c.Command.YawRate,
		Fault: sql.NullString{
			String: c.Fault,
			Valid:  c.Fault != "",
		},
	}
}

func fromCycleData(d *cycleData) flightlog.Cycle {
	c := flightlog.Cycle{Timestamp: d.Timestamp}

	c.Signal.Timestamp = d.Timestamp
	c.Signal.Distance = d.Distance
	c.Signal.HorizontalOffset = d.HorizontalOffset
	c.Signal.VerticalOffset = d.VerticalOffset
	c.Signal.Lost = d.Lost

	c.Command.Forward = d.Forward
	c.Command.Vertical = d.Vertical
	c.Command.YawRate = d.YawRate

	if d.Fault.Valid {
		c.Fault = d.Fault.String
	}
	return c
}

func toSQLNullType[T float64 | int64, Y float64 | int | int64](f *Y) T {
	if f == nil {
		return 0
	}
	return T(*f)
}
