package sim

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/telemetry"
)

// Flight stages
const (
	StageLanded   = "LANDED"
	StageAirborne = "AIRBORNE"
	StageLanding  = "LANDING"
)

const (
	// TakeoffAltitude is where the drone hovers after the take-off manoeuvre, in centimetres
	TakeoffAltitude = 100

	// Physics constants
	tickRate      = 100 * time.Millisecond
	climbScale    = 200.0 // cm/s at a vertical command of 1.0
	descentRate   = 50.0  // cm/s while landing
	batteryDrain  = 0.01  // percent per second airborne
	commandBuffer = 16
)

// Links are the topics the simulated drone is wired to
type Links struct {
	Navdata  bus.Publisher[telemetry.Navdata]
	Velocity bus.Source[command.Velocity]
	Takeoff  bus.Source[command.Trigger]
	Land     bus.Source[command.Trigger]
}

// WithTickRate sets the physics and telemetry period
func WithTickRate(tick time.Duration) func(*Drone) {
	return func(d *Drone) {
		d.tick = tick
	}
}

// WithLogger sets the logger for the simulated drone
func WithLogger(logger *slog.Logger) func(*Drone) {
	return func(d *Drone) {
		d.logger = logger.With(slog.String("component", "sim"))
	}
}

// Drone is a one-dimensional stand-in for the real airframe: it takes off, follows vertical
// velocity commands and lands, reporting its altitude on every tick. Forward and yaw commands
// are accepted and ignored.
type Drone struct {
	links Links

	mu       sync.Mutex
	stage    string
	altitude float64
	vertical float64
	battery  float64

	tick   time.Duration
	logger *slog.Logger
}

// NewDrone creates a landed drone with a full battery
func NewDrone(links Links, options ...func(*Drone)) *Drone {
	d := Drone{
		links:   links,
		stage:   StageLanded,
		battery: 100,
		tick:    tickRate,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

// Run drives the simulation until ctx is done
func (d *Drone) Run(ctx context.Context) {
	velocity := d.links.Velocity.Subscribe(commandBuffer)
	defer velocity.Unsubscribe()

	takeoff := d.links.Takeoff.Subscribe(1)
	defer takeoff.Unsubscribe()

	land := d.links.Land.Subscribe(1)
	defer land.Unsubscribe()

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-takeoff.C:
			d.takeOff()

		case <-land.C:
			d.land()

		case v := <-velocity.C:
			d.command(v)

		case now := <-ticker.C:
			if nav, ok := d.step(now.Sub(last).Seconds(), now); ok {
				d.links.Navdata.Publish(nav)
			}
			last = now
		}
	}
}

// Stage returns the current flight stage
func (d *Drone) Stage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stage
}

// Altitude returns the current altitude in centimetres
func (d *Drone) Altitude() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.altitude)
}

func (d *Drone) takeOff() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stage != StageLanded {
		return
	}
	d.stage = StageAirborne
	d.altitude = TakeoffAltitude
	d.vertical = 0
	d.logger.Info("airborne")
}

func (d *Drone) land() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stage != StageAirborne {
		return
	}
	d.stage = StageLanding
	d.vertical = 0
	d.logger.Info("landing")
}

func (d *Drone) command(v command.Velocity) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stage == StageAirborne {
		d.vertical = v.Vertical
	}
}

// step advances the physics by dt seconds and reports navdata while the drone is off the ground
func (d *Drone) step(dt float64, now time.Time) (telemetry.Navdata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.stage {
	case StageAirborne:
		d.altitude = max(0, d.altitude+d.vertical*climbScale*dt)
		d.battery = max(0, d.battery-batteryDrain*dt)

	case StageLanding:
		d.altitude = max(0, d.altitude-descentRate*dt)
		if d.altitude == 0 {
			d.stage = StageLanded
			d.logger.Info("landed")
		}

	default:
		return telemetry.Navdata{}, false
	}

	battery := d.battery
	return telemetry.Navdata{Timestamp: now, Altitude: int(d.altitude), Battery: &battery}, true
}
