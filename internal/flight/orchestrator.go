package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/flight-core/internal/ascent"
	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/fault"
	"github.com/roman-kulish/flight-core/internal/flightlog"
	"github.com/roman-kulish/flight-core/internal/pid"
	"github.com/roman-kulish/flight-core/internal/telemetry"
	"github.com/roman-kulish/flight-core/internal/vision"
)

const (
	// DefaultCruiseAltitude is the tracking altitude in centimetres
	DefaultCruiseAltitude = 1300

	// DefaultSettleDelay is how long the drone is given to complete the take-off manoeuvre
	DefaultSettleDelay = 3 * time.Second

	// DefaultFaultThreshold defines the number of consecutive rejected samples allowed
	DefaultFaultThreshold = 5

	signalBuffer = 100

	blockedFault = "velocity command blocked: landing"
)

var (
	// ErrWrongPhase is returned when an operation is called out of lifecycle order
	ErrWrongPhase = errors.New("operation not allowed in current phase")

	// ErrLanding is returned when the flight was forced into landing while an operation was running
	ErrLanding = errors.New("flight is landing")

	// ErrTooManyFaults is returned when the number of consecutive rejected samples reaches the threshold
	ErrTooManyFaults = errors.New("too many consecutive rejected samples")
)

// Recorder receives every control cycle and flight event. Implementations must not block.
type Recorder interface {
	RecordCycle(c flightlog.Cycle)
	RecordEvent(e flightlog.Event)
}

// gate is a velocity path that can refuse commands, such as the failsafe interlock
type gate interface {
	TryPublish(v command.Velocity) bool
}

// Links are the channels the orchestrator talks to the drone and the detector through.
type Links struct {
	Velocity bus.Publisher[command.Velocity]
	Takeoff  bus.Publisher[command.Trigger]
	FlatTrim bus.Publisher[command.Trigger]
	Ready    bus.Publisher[bool]

	Telemetry bus.Source[telemetry.Navdata]
	Signals   bus.Source[vision.ErrorSignal]
}

// WithLogger sets the logger for the orchestrator and the ascent it runs
func WithLogger(logger *slog.Logger) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.logger = logger.With(slog.String("component", "flight"))
		o.ascentOptions = append(o.ascentOptions, ascent.WithLogger(logger))
	}
}

// WithCruiseAltitude sets the altitude (cm) the drone climbs to before tracking
func WithCruiseAltitude(cm int) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.cruiseAltitude = cm
	}
}

// WithSettleDelay sets the pause between the take-off command and the climb
func WithSettleDelay(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.settleDelay = d
	}
}

// WithClimbRate sets the vertical velocity command used while climbing
func WithClimbRate(rate float64) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.ascentOptions = append(o.ascentOptions, ascent.WithClimbRate(rate))
	}
}

// WithStallTimeout bounds the wait for telemetry during the climb
func WithStallTimeout(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.ascentOptions = append(o.ascentOptions, ascent.WithStallTimeout(d))
	}
}

// WithLostTargetPolicy sets the reaction to a lost target
func WithLostTargetPolicy(p LostTargetPolicy) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.lostTarget = p
	}
}

// WithRecorder sets the flight recorder
func WithRecorder(r Recorder) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithFaultThreshold sets the number of consecutive rejected samples that ends tracking
func WithFaultThreshold(threshold uint8) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.faultThreshold = threshold
	}
}

// WithClock replaces the clock used by the controllers and for cycle timestamps
func WithClock(clock func() time.Time) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.now = clock
	}
}

// Orchestrator flies the drone through its lifecycle: take-off, climb to the cruise altitude,
// signal readiness to the detector, then turn every ErrorSignal into one velocity command.
// The tracking loop is single-threaded; ForceLanding is the only method meant to be called
// concurrently with it.
type Orchestrator struct {
	links Links

	vertical *pid.Controller
	forward  *pid.Controller
	yaw      *pid.Controller
	ascent   *ascent.Sequencer

	phase       atomic.Int32
	landing     chan struct{}
	landingOnce sync.Once

	lastCommand command.Velocity
	faults      uint8

	cruiseAltitude int
	settleDelay    time.Duration
	lostTarget     LostTargetPolicy
	faultThreshold uint8
	ascentOptions  []func(*ascent.Sequencer)
	recorder       Recorder
	now            func() time.Time
	logger         *slog.Logger
}

// NewOrchestrator validates the tuning of all three axes before building any controller.
func NewOrchestrator(links Links, tuning Tuning, options ...func(*Orchestrator)) (*Orchestrator, error) {
	if err := tuning.Validate(); err != nil {
		return nil, err
	}

	o := Orchestrator{
		links:          links,
		landing:        make(chan struct{}),
		cruiseAltitude: DefaultCruiseAltitude,
		settleDelay:    DefaultSettleDelay,
		lostTarget:     LostTargetHover,
		faultThreshold: DefaultFaultThreshold,
		now:            time.Now,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&o)
	}

	if !o.lostTarget.Valid() {
		return nil, fault.NewConfigError(fmt.Sprintf("flight: unknown lost target policy '%s'", o.lostTarget))
	}
	if o.cruiseAltitude <= 0 {
		return nil, fault.NewConfigError(fmt.Sprintf("flight: cruise altitude must be positive: %d given", o.cruiseAltitude))
	}
	if o.faultThreshold == 0 {
		return nil, fault.NewConfigError("flight: fault threshold must be positive")
	}

	var err error
	if o.vertical, err = pid.New(tuning.Vertical, pid.WithClock(o.now)); err != nil {
		return nil, fmt.Errorf("creating vertical controller: %w", err)
	}
	if o.forward, err = pid.New(tuning.Forward, pid.WithClock(o.now)); err != nil {
		return nil, fmt.Errorf("creating forward controller: %w", err)
	}
	if o.yaw, err = pid.New(tuning.Yaw, pid.WithClock(o.now)); err != nil {
		return nil, fmt.Errorf("creating yaw controller: %w", err)
	}

	o.ascent = ascent.NewSequencer(links.Velocity, links.Telemetry, o.ascentOptions...)

	return &o, nil
}

// Phase returns the current lifecycle phase
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// Initialize flat-trims, takes off and climbs to the cruise altitude. On an ascent failure the
// phase stays Ascending and the caller is expected to land.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if !o.transition(Uninitialized, Ascending) {
		return fmt.Errorf("initialize in phase %s: %w", o.Phase(), ErrWrongPhase)
	}

	o.logger.Info("flat trimming, ensure the drone is on a flat surface")
	o.links.FlatTrim.Publish(command.Trigger{})

	o.logger.Info("taking off")
	o.links.Takeoff.Publish(command.Trigger{})

	if err := o.sleep(ctx, o.settleDelay); err != nil {
		return err
	}
	o.links.Velocity.Publish(command.Hover())

	if err := o.ascent.Run(ctx, o.cruiseAltitude); err != nil {
		o.event(fmt.Sprintf("ascent failed: %s", err))
		return fmt.Errorf("ascending to %dcm: %w", o.cruiseAltitude, err)
	}

	if !o.transition(Ascending, Ready) {
		return ErrLanding
	}
	return nil
}

// Ready tells the detector that the drone is in position and tracking can begin.
func (o *Orchestrator) Ready() error {
	if phase := o.Phase(); phase != Ready {
		return fmt.Errorf("ready in phase %s: %w", phase, ErrWrongPhase)
	}

	o.links.Ready.Publish(true)
	o.logger.Info("ready signal sent", slog.Float64("distance", o.forward.Setpoint()))
	return nil
}

// Track processes ErrorSignals until ctx is done, the flight is forced into landing, or too
// many consecutive samples are rejected. Each signal is processed to completion before the
// next one is read.
func (o *Orchestrator) Track(ctx context.Context) error {
	if phase := o.Phase(); phase != Ready && phase != Tracking {
		return fmt.Errorf("track in phase %s: %w", phase, ErrWrongPhase)
	}

	sub := o.links.Signals.Subscribe(signalBuffer)
	defer sub.Unsubscribe()

	o.logger.Info("tracking started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-o.landing:
			return nil

		case signal, ok := <-sub.C:
			if !ok {
				return fault.NewAvailabilityError("tracking: error signal source closed", nil)
			}
			if err := o.process(signal); err != nil {
				return err
			}
		}
	}
}

// ForceLanding moves the flight into its terminal phase and stops the tracking loop. It only
// writes the phase; the landing command itself belongs to the failsafe.
func (o *Orchestrator) ForceLanding() {
	o.landingOnce.Do(func() {
		prev := Phase(o.phase.Swap(int32(Landing)))
		close(o.landing)

		o.logger.Info("landing", slog.String("previous", prev.String()))
		o.event(fmt.Sprintf("landing forced in phase %s", prev))
	})
}

func (o *Orchestrator) process(signal vision.ErrorSignal) error {
	if o.Phase() == Landing {
		return nil
	}
	if o.transition(Ready, Tracking) {
		o.logger.Info("target acquired")
	}

	cycle := flightlog.Cycle{Timestamp: o.now(), Signal: signal}

	if signal.Lost {
		o.send(&cycle, o.handleLostTarget())
		return nil
	}

	cmd, err := o.compute(signal)
	if err != nil {
		var numErr *fault.NumericError
		if !errors.As(err, &numErr) {
			return err
		}

		o.faults++
		cycle.Fault = err.Error()
		o.record(cycle)
		o.logger.Warn("sample rejected", slog.Any("error", err), slog.Int("consecutive", int(o.faults)))

		if o.faults >= o.faultThreshold {
			return fmt.Errorf("%w: %w", ErrTooManyFaults, err)
		}
		return nil
	}

	o.faults = 0
	o.lastCommand = cmd
	o.send(&cycle, cmd)

	o.logger.Debug("cycle",
		slog.Float64("distance", signal.Distance),
		slog.Int("horizontal", signal.HorizontalOffset),
		slog.Float64("vertical", signal.VerticalOffset),
		slog.String("command", cmd.String()),
	)
	return nil
}

// send publishes cmd and records the cycle. A command refused by the velocity path is recorded
// as blocked with a zero command.
func (o *Orchestrator) send(cycle *flightlog.Cycle, cmd command.Velocity) {
	sent := true
	if g, ok := o.links.Velocity.(gate); ok {
		sent = g.TryPublish(cmd)
	} else {
		o.links.Velocity.Publish(cmd)
	}

	if sent {
		cycle.Command = cmd
	} else {
		cycle.Fault = blockedFault
	}
	o.record(*cycle)
}

// compute runs the three controllers. Either every axis accepts the sample or none of them
// keeps it: a rejection on a later axis rolls back the ones already updated.
func (o *Orchestrator) compute(signal vision.ErrorSignal) (command.Velocity, error) {
	if math.IsNaN(signal.Distance) || math.IsInf(signal.Distance, 0) ||
		math.IsNaN(signal.VerticalOffset) || math.IsInf(signal.VerticalOffset, 0) {
		return command.Velocity{}, fault.NewNumericError("tracking: rejected measurement", pid.ErrNonFinite)
	}

	forwardState, yawState, verticalState := *o.forward, *o.yaw, *o.vertical
	rollback := func() {
		*o.forward, *o.yaw, *o.vertical = forwardState, yawState, verticalState
	}

	// the command inverts the forward controller output
	forward, err := o.forward.Compute(signal.Distance)
	if err != nil {
		return command.Velocity{}, fmt.Errorf("forward axis: %w", err)
	}

	yaw, err := o.yaw.Compute(float64(signal.HorizontalOffset))
	if err != nil {
		rollback()
		return command.Velocity{}, fmt.Errorf("yaw axis: %w", err)
	}

	vertical, err := o.vertical.Compute(signal.VerticalOffset)
	if err != nil {
		rollback()
		return command.Velocity{}, fmt.Errorf("vertical axis: %w", err)
	}

	return command.Move(-forward, vertical, yaw), nil
}

func (o *Orchestrator) handleLostTarget() command.Velocity {
	switch o.lostTarget {
	case LostTargetHold:
		return o.lastCommand

	default:
		o.vertical.Reset()
		o.forward.Reset()
		o.yaw.Reset()
		o.lastCommand = command.Hover()
		return o.lastCommand
	}
}

func (o *Orchestrator) transition(from, to Phase) bool {
	if !o.phase.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	o.event(fmt.Sprintf("%s -> %s", from, to))
	return true
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.landing:
		return ErrLanding
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) record(c flightlog.Cycle) {
	if o.recorder != nil {
		o.recorder.RecordCycle(c)
	}
}

func (o *Orchestrator) event(msg string) {
	if o.recorder != nil {
		o.recorder.RecordEvent(flightlog.Event{Timestamp: o.now(), Phase: o.Phase().String(), Message: msg})
	}
}
