package flight

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/flight-core/internal/ascent"
	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/failsafe"
	"github.com/roman-kulish/flight-core/internal/fault"
	"github.com/roman-kulish/flight-core/internal/flightlog"
	"github.com/roman-kulish/flight-core/internal/pid"
	"github.com/roman-kulish/flight-core/internal/telemetry"
	"github.com/roman-kulish/flight-core/internal/vision"
)

type memoryRecorder struct {
	mu     sync.Mutex
	cycles []flightlog.Cycle
	events []flightlog.Event
}

func (r *memoryRecorder) RecordCycle(c flightlog.Cycle) {
	r.mu.Lock()
	r.cycles = append(r.cycles, c)
	r.mu.Unlock()
}

func (r *memoryRecorder) RecordEvent(e flightlog.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *memoryRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msgs []string
	for _, e := range r.events {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

type commandLog struct {
	mu   sync.Mutex
	cmds []command.Velocity
}

func (l *commandLog) Publish(v command.Velocity) {
	l.mu.Lock()
	l.cmds = append(l.cmds, v)
	l.mu.Unlock()
}

func (l *commandLog) all() []command.Velocity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]command.Velocity(nil), l.cmds...)
}

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type harness struct {
	velocity  *commandLog
	takeoff   *bus.Topic[command.Trigger]
	flatTrim  *bus.Topic[command.Trigger]
	ready     *bus.Topic[bool]
	telemetry *bus.Topic[telemetry.Navdata]
	signals   *bus.Topic[vision.ErrorSignal]
	recorder  *memoryRecorder
}

func newHarness() *harness {
	return &harness{
		velocity:  &commandLog{},
		takeoff:   bus.NewTopic("takeoff", bus.Latched[command.Trigger]()),
		flatTrim:  bus.NewTopic("flat_trim", bus.Latched[command.Trigger]()),
		ready:     bus.NewTopic("ready", bus.Latched[bool]()),
		telemetry: bus.NewTopic[telemetry.Navdata]("navdata"),
		signals:   bus.NewTopic[vision.ErrorSignal]("error_signal"),
		recorder:  &memoryRecorder{},
	}
}

func (h *harness) links() Links {
	return Links{
		Velocity:  h.velocity,
		Takeoff:   h.takeoff,
		FlatTrim:  h.flatTrim,
		Ready:     h.ready,
		Telemetry: h.telemetry,
		Signals:   h.signals,
	}
}

func testTuning() Tuning {
	return DefaultTuning(
		pid.Gains{Kp: 0.01},
		pid.Gains{Kp: 0.01, Ki: 0.001, Kd: 0.001, Offset: 5},
		pid.Gains{Kp: 0.002, Offset: 10},
	)
}

func newTestOrchestrator(t *testing.T, h *harness, options ...func(*Orchestrator)) *Orchestrator {
	t.Helper()

	clock := &stepClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), step: 50 * time.Millisecond}
	options = append([]func(*Orchestrator){
		WithClock(clock.now),
		WithSettleDelay(0),
		WithRecorder(h.recorder),
	}, options...)

	o, err := NewOrchestrator(h.links(), testTuning(), options...)
	require.NoError(t, err)
	return o
}

func TestNewOrchestrator_RejectsInvalidTuning(t *testing.T) {
	tuning := testTuning()
	tuning.Yaw.SlewRate = 0

	o, err := NewOrchestrator(newHarness().links(), tuning)
	require.Error(t, err)
	assert.Nil(t, o)

	var cfgErr *fault.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "yaw axis")
}

func TestNewOrchestrator_RejectsInvalidOptions(t *testing.T) {
	tests := map[string]func(*Orchestrator){
		"policy":         WithLostTargetPolicy("panic"),
		"altitude":       WithCruiseAltitude(0),
		"fault threshold": WithFaultThreshold(0),
	}

	for name, option := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewOrchestrator(newHarness().links(), testTuning(), option)

			var cfgErr *fault.ConfigError
			assert.True(t, errors.As(err, &cfgErr), err)
		})
	}
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h, WithCruiseAltitude(300), WithStallTimeout(5*time.Second))
	assert.Equal(t, Uninitialized, o.Phase())

	initialized := make(chan error, 1)
	go func() { initialized <- o.Initialize(context.Background()) }()

	require.Eventually(t, func() bool { return h.telemetry.Subscribers() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Ascending, o.Phase())

	_, trimmed := h.flatTrim.Last()
	_, tookOff := h.takeoff.Last()
	assert.True(t, trimmed, "flat trim sent")
	assert.True(t, tookOff, "take-off sent")

	for _, alt := range []int{100, 200, 300} {
		h.telemetry.Publish(telemetry.Navdata{Altitude: alt})
	}
	require.NoError(t, <-initialized)
	assert.Equal(t, Ready, o.Phase())

	// hover after take-off, two climbs, stop at target
	assert.Equal(t, []command.Velocity{
		command.Hover(),
		command.Climb(ascent.DefaultClimbRate),
		command.Climb(ascent.DefaultClimbRate),
		command.Hover(),
	}, h.velocity.all())

	require.NoError(t, o.Ready())
	ready, ok := h.ready.Last()
	assert.True(t, ok && ready)

	tracked := make(chan error, 1)
	go func() { tracked <- o.Track(context.Background()) }()

	require.Eventually(t, func() bool { return h.signals.Subscribers() == 1 }, time.Second, time.Millisecond)
	h.signals.Publish(vision.ErrorSignal{Distance: 300})

	require.Eventually(t, func() bool { return o.Phase() == Tracking }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(h.velocity.all()) == 5 }, time.Second, time.Millisecond)

	o.ForceLanding()
	o.ForceLanding()

	select {
	case err := <-tracked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tracking did not stop on landing")
	}
	assert.Equal(t, Landing, o.Phase())
	assert.Equal(t, 0, h.signals.Subscribers())

	assert.Equal(t, []string{
		"Uninitialized -> Ascending",
		"Ascending -> Ready",
		"Ready -> Tracking",
		"landing forced in phase Tracking",
	}, h.recorder.messages())
}

func TestOrchestrator_TrackingSign(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h)
	o.phase.Store(int32(Ready))

	require.NoError(t, o.process(vision.ErrorSignal{Distance: 300}))

	out := o.forward.Output()
	assert.Negative(t, out, "target farther than the setpoint")
	assert.GreaterOrEqual(t, out, o.forward.Config().OutMin)
	assert.LessOrEqual(t, out, o.forward.Config().OutMax)

	cmds := h.velocity.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, -out, cmds[0].Forward)
	assert.Zero(t, cmds[0].Lateral)
	assert.Zero(t, cmds[0].YawRate, "centred target needs no yaw")
	assert.Zero(t, cmds[0].Vertical)
}

func TestOrchestrator_OneCommandPerSignal(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h)
	o.phase.Store(int32(Ready))

	for i := 0; i < 20; i++ {
		require.NoError(t, o.process(vision.ErrorSignal{Distance: 200 + float64(i*10), HorizontalOffset: i - 10, VerticalOffset: float64(i)}))
	}

	cmds := h.velocity.all()
	assert.Len(t, cmds, 20)
	assert.Len(t, h.recorder.cycles, 20)

	tuning := testTuning()
	for _, cmd := range cmds {
		assert.Zero(t, cmd.Lateral)
		assert.LessOrEqual(t, cmd.YawRate, tuning.Yaw.OutMax)
		assert.GreaterOrEqual(t, cmd.YawRate, tuning.Yaw.OutMin)
		assert.LessOrEqual(t, cmd.Vertical, tuning.Vertical.OutMax)
		assert.GreaterOrEqual(t, cmd.Vertical, tuning.Vertical.OutMin)
	}
}

func TestOrchestrator_LostTargetHover(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h)
	o.phase.Store(int32(Ready))

	require.NoError(t, o.process(vision.ErrorSignal{Distance: 400, HorizontalOffset: 80}))
	require.NotZero(t, o.forward.Integral())

	require.NoError(t, o.process(vision.Lost(time.Now())))

	cmds := h.velocity.all()
	require.Len(t, cmds, 2)
	assert.True(t, cmds[1].IsZero())
	assert.Zero(t, o.forward.Integral(), "controllers are reset")
	assert.Zero(t, o.forward.Output())
	assert.True(t, h.recorder.cycles[1].Signal.Lost)
}

func TestOrchestrator_LostTargetHold(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h, WithLostTargetPolicy(LostTargetHold))
	o.phase.Store(int32(Ready))

	require.NoError(t, o.process(vision.ErrorSignal{Distance: 400, HorizontalOffset: 80}))
	integral := o.forward.Integral()

	require.NoError(t, o.process(vision.Lost(time.Now())))

	cmds := h.velocity.all()
	require.Len(t, cmds, 2)
	assert.Equal(t, cmds[0], cmds[1])
	assert.Equal(t, integral, o.forward.Integral())
}

func TestOrchestrator_FaultEscalation(t *testing.T) {
	h := newHarness()

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o, err := NewOrchestrator(h.links(), testTuning(),
		WithClock(func() time.Time { return fixed }), // dt is always zero
		WithRecorder(h.recorder),
		WithFaultThreshold(3),
	)
	require.NoError(t, err)
	o.phase.Store(int32(Tracking))

	require.NoError(t, o.process(vision.ErrorSignal{Distance: 300}))
	require.NoError(t, o.process(vision.ErrorSignal{Distance: 300}))

	err = o.process(vision.ErrorSignal{Distance: 300})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyFaults))
	assert.True(t, errors.Is(err, pid.ErrNonPositiveInterval))

	assert.Empty(t, h.velocity.all(), "rejected samples produce no command")
	require.Len(t, h.recorder.cycles, 3)
	for _, c := range h.recorder.cycles {
		assert.True(t, c.Faulted())
	}
}

func TestOrchestrator_FaultCounterResets(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h, WithFaultThreshold(2))
	o.phase.Store(int32(Tracking))

	for i := 0; i < 5; i++ {
		require.NoError(t, o.process(vision.ErrorSignal{Distance: 300, VerticalOffset: nan()}))
		require.NoError(t, o.process(vision.ErrorSignal{Distance: 300}))
	}
	assert.Len(t, h.velocity.all(), 5)
}

func TestOrchestrator_RejectsBadMeasurementBeforeAnyAxis(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h)
	o.phase.Store(int32(Tracking))

	require.NoError(t, o.process(vision.ErrorSignal{Distance: 300, VerticalOffset: nan()}))
	assert.Equal(t, pid.Terms{}, o.forward.Last(), "forward axis must not advance")
	assert.Empty(t, h.velocity.all())
}

type scriptedClock struct {
	mu    sync.Mutex
	times []time.Time
	next  int
}

func (c *scriptedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.times[min(c.next, len(c.times)-1)]
	c.next++
	return t
}

func (c *scriptedClock) then(times ...time.Time) {
	c.mu.Lock()
	c.times = append(c.times, times...)
	c.mu.Unlock()
}

func TestOrchestrator_LaterAxisRejectionRollsBackEarlierAxes(t *testing.T) {
	h := newHarness()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// controllers are built vertical, forward, yaw and computed forward, yaw, vertical
	clock := &scriptedClock{times: []time.Time{
		base, base, base,
		base.Add(100 * time.Millisecond), base.Add(100 * time.Millisecond), base.Add(-time.Second),
	}}
	o, err := NewOrchestrator(h.links(), testTuning(), WithClock(clock.now), WithRecorder(h.recorder))
	require.NoError(t, err)

	_, err = o.compute(vision.ErrorSignal{Distance: 300, HorizontalOffset: 80, VerticalOffset: 20})
	require.Error(t, err)
	assert.ErrorIs(t, err, pid.ErrNonPositiveInterval)
	assert.Contains(t, err.Error(), "vertical axis")

	assert.Equal(t, pid.Terms{}, o.forward.Last(), "forward axis must not advance")
	assert.Zero(t, o.forward.Integral())
	assert.Zero(t, o.forward.Output())
	assert.Equal(t, pid.Terms{}, o.yaw.Last(), "yaw axis must not advance")

	later := base.Add(200 * time.Millisecond)
	clock.then(later, later, later)

	cmd, err := o.compute(vision.ErrorSignal{Distance: 300, HorizontalOffset: 80, VerticalOffset: 20})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, o.forward.Last().Dt, 1e-9, "interval measured from the last accepted sample")
	assert.InDelta(t, 0.2, o.yaw.Last().Dt, 1e-9)
	assert.InDelta(t, 0.2, o.vertical.Last().Dt, 1e-9)
	assert.Equal(t, -o.forward.Output(), cmd.Forward)
}

func TestOrchestrator_BlockedCommandIsNotRecorded(t *testing.T) {
	h := newHarness()
	interlock := failsafe.NewInterlock(h.velocity)

	links := h.links()
	links.Velocity = interlock

	clock := &stepClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), step: 50 * time.Millisecond}
	o, err := NewOrchestrator(links, testTuning(), WithClock(clock.now), WithRecorder(h.recorder))
	require.NoError(t, err)
	o.phase.Store(int32(Tracking))

	require.NoError(t, o.process(vision.ErrorSignal{Distance: 300}))
	interlock.Engage()
	require.NoError(t, o.process(vision.ErrorSignal{Distance: 320}))
	require.NoError(t, o.process(vision.Lost(time.Now())))

	require.Len(t, h.velocity.all(), 1)
	require.Len(t, h.recorder.cycles, 3)

	sent := h.recorder.cycles[0]
	assert.False(t, sent.Faulted())
	assert.Equal(t, h.velocity.all()[0], sent.Command)

	for _, c := range h.recorder.cycles[1:] {
		assert.Equal(t, blockedFault, c.Fault)
		assert.True(t, c.Command.IsZero())
	}
	assert.EqualValues(t, 2, interlock.Blocked())
}

func TestOrchestrator_WrongPhase(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h)

	assert.ErrorIs(t, o.Ready(), ErrWrongPhase)
	assert.ErrorIs(t, o.Track(context.Background()), ErrWrongPhase)

	o.phase.Store(int32(Ready))
	assert.ErrorIs(t, o.Initialize(context.Background()), ErrWrongPhase)
}

func TestOrchestrator_AscentStall(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h, WithStallTimeout(20*time.Millisecond))

	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ascent.ErrTelemetryStalled))

	var availErr *fault.AvailabilityError
	assert.True(t, errors.As(err, &availErr))
	assert.Equal(t, Ascending, o.Phase(), "the caller decides to land")
}

func TestOrchestrator_LandingDuringSettle(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(t, h, WithSettleDelay(time.Minute))

	done := make(chan error, 1)
	go func() { done <- o.Initialize(context.Background()) }()

	require.Eventually(t, func() bool { return o.Phase() == Ascending }, time.Second, time.Millisecond)
	o.ForceLanding()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLanding)
	case <-time.After(time.Second):
		t.Fatal("initialize did not stop on landing")
	}
	assert.Empty(t, h.velocity.all(), "no velocity after landing")
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "Tracking", Tracking.String())
	assert.Equal(t, "Landing", Landing.String())
	assert.Equal(t, "Unknown", Phase(42).String())
}

func nan() float64 {
	return math.NaN()
}
