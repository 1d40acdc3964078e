package ascent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/fault"
	"github.com/roman-kulish/flight-core/internal/telemetry"
)

const (
	// DefaultClimbRate is the vertical velocity command used while climbing
	DefaultClimbRate = 0.6

	// DefaultStallTimeout is how long the sequencer waits for a telemetry update before aborting
	DefaultStallTimeout = 10 * time.Second

	telemetryBuffer = 16
)

var (
	// ErrTelemetryStalled is returned when no telemetry arrives within the stall timeout
	ErrTelemetryStalled = errors.New("telemetry stalled")

	// ErrTelemetryClosed is returned when the telemetry source goes away mid-ascent
	ErrTelemetryClosed = errors.New("telemetry subscription closed")
)

// WithClimbRate sets the constant vertical velocity command used while climbing
func WithClimbRate(rate float64) func(*Sequencer) {
	return func(s *Sequencer) {
		s.climbRate = rate
	}
}

// WithStallTimeout bounds the wait between two telemetry updates. Zero disables the bound.
func WithStallTimeout(d time.Duration) func(*Sequencer) {
	return func(s *Sequencer) {
		s.stallTimeout = d
	}
}

// WithLogger sets the logger for the sequencer
func WithLogger(logger *slog.Logger) func(*Sequencer) {
	return func(s *Sequencer) {
		s.logger = logger.With(slog.String("component", "ascent"))
	}
}

// Sequencer climbs the drone to a target altitude using telemetry feedback. It only talks to
// the outbound velocity channel and the inbound telemetry channel.
type Sequencer struct {
	velocity  bus.Publisher[command.Velocity]
	telemetry bus.Source[telemetry.Navdata]

	climbRate    float64
	stallTimeout time.Duration
	logger       *slog.Logger
}

// NewSequencer creates a new Sequencer with a discard logger
func NewSequencer(velocity bus.Publisher[command.Velocity], nav bus.Source[telemetry.Navdata], options ...func(*Sequencer)) *Sequencer {
	s := Sequencer{
		velocity:     velocity,
		telemetry:    nav,
		climbRate:    DefaultClimbRate,
		stallTimeout: DefaultStallTimeout,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Run climbs to target (cm) and blocks until it is reached. Every telemetry update below the
// target produces one climb command; the first update at or above it produces exactly one
// stop command, after which the telemetry subscription is released.
func (s *Sequencer) Run(ctx context.Context, target int) error {
	sub := s.telemetry.Subscribe(telemetryBuffer)
	defer sub.Unsubscribe()

	var stalled <-chan time.Time
	var stall *time.Timer
	if s.stallTimeout > 0 {
		stall = time.NewTimer(s.stallTimeout)
		defer stall.Stop()
		stalled = stall.C
	}

	s.logger.Info(fmt.Sprintf("increasing altitude to %dcm...", target))

	var current int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stalled:
			s.velocity.Publish(command.Hover())
			return fault.NewAvailabilityError(
				fmt.Sprintf("ascent: no telemetry for %s at %dcm", s.stallTimeout, current), ErrTelemetryStalled)

		case nav, ok := <-sub.C:
			if !ok {
				s.velocity.Publish(command.Hover())
				return fault.NewAvailabilityError(fmt.Sprintf("ascent: aborted at %dcm", current), ErrTelemetryClosed)
			}

			current = nav.Altitude
			if current >= target {
				s.velocity.Publish(command.Hover())
				s.logger.Info(fmt.Sprintf("altitude is now %dcm", current))
				return nil
			}

			s.velocity.Publish(command.Climb(s.climbRate))
			if stall != nil {
				stall.Reset(s.stallTimeout)
			}
		}
	}
}
