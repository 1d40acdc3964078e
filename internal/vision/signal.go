package vision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LostMarker is the detector output line reporting that no target is in view
const LostMarker = "lost"

// ErrMalformedLine is returned for detector output that is neither a measurement nor LostMarker
var ErrMalformedLine = errors.New("malformed detector line")

// ErrorSignal is the tracked target's position relative to the desired framing, as measured
// by the vision collaborator. Signals arrive asynchronously and at irregular intervals.
type ErrorSignal struct {
	Timestamp        time.Time `json:"timestamp,omitempty"`
	Distance         float64   `json:"distance"`          // distance to the target in centimetres
	HorizontalOffset int       `json:"horizontal_offset"` // pixels from image centre, right is positive
	VerticalOffset   float64   `json:"vertical_offset"`   // offset from image centre, up is positive
	Lost             bool      `json:"lost,omitempty"`    // no target detected in this frame
}

// Lost returns a signal reporting that the target left the frame
func Lost(ts time.Time) ErrorSignal {
	return ErrorSignal{Timestamp: ts, Lost: true}
}

// ParseLine parses one line of detector output: either "distance,horizontal,vertical"
// or LostMarker.
func ParseLine(line string, ts time.Time) (ErrorSignal, error) {
	line = strings.TrimSpace(line)
	if strings.EqualFold(line, LostMarker) {
		return Lost(ts), nil
	}

	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return ErrorSignal{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedLine, len(fields))
	}

	distance, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return ErrorSignal{}, fmt.Errorf("%w: invalid distance: %w", ErrMalformedLine, err)
	}

	horizontal, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return ErrorSignal{}, fmt.Errorf("%w: invalid horizontal offset: %w", ErrMalformedLine, err)
	}

	vertical, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return ErrorSignal{}, fmt.Errorf("%w: invalid vertical offset: %w", ErrMalformedLine, err)
	}

	return ErrorSignal{
		Timestamp:        ts,
		Distance:         distance,
		HorizontalOffset: horizontal,
		VerticalOffset:   vertical,
	}, nil
}
