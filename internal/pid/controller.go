package pid

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roman-kulish/flight-core/internal/fault"
)

var (
	// ErrNonPositiveInterval is returned when the time since the previous sample is zero or
	// negative, which would make the derivative term undefined.
	ErrNonPositiveInterval = errors.New("non-positive sample interval")

	// ErrNonFinite is returned for NaN or infinite process values and for outputs that
	// could not be computed as a finite number.
	ErrNonFinite = errors.New("non-finite value")
)

// Gains are the tuning parameters of a single axis.
type Gains struct {
	Kp     float64 `yaml:"kp" json:"kp"`
	Ki     float64 `yaml:"ki" json:"ki"`
	Kd     float64 `yaml:"kd" json:"kd"`
	Offset float64 `yaml:"offset" json:"offset"` // deadband: |error| <= Offset produces no action
}

// Config describes a single-axis controller.
type Config struct {
	Setpoint float64 `yaml:"setpoint" json:"setpoint"`
	SlewRate float64 `yaml:"slewRate" json:"slewRate"` // max output change per call, not per second
	OutMin   float64 `yaml:"outMin" json:"outMin"`
	OutMax   float64 `yaml:"outMax" json:"outMax"`
	Gains    Gains   `yaml:"gains" json:"gains"`
}

func (c *Config) Validate() error {
	values := []struct {
		name  string
		value float64
	}{
		{"setpoint", c.Setpoint},
		{"slew rate", c.SlewRate},
		{"output min", c.OutMin},
		{"output max", c.OutMax},
		{"kp", c.Gains.Kp},
		{"ki", c.Gains.Ki},
		{"kd", c.Gains.Kd},
		{"offset", c.Gains.Offset},
	}
	for _, v := range values {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fault.NewConfigError(fmt.Sprintf("pid.Config: %s must be a finite number", v.name))
		}
	}

	if c.SlewRate <= 0 {
		return fault.NewConfigError(fmt.Sprintf("pid.Config: slew rate must be positive: %g given", c.SlewRate))
	}
	if c.OutMin >= c.OutMax {
		return fault.NewConfigError(fmt.Sprintf("pid.Config: output min must be less than max: %g >= %g", c.OutMin, c.OutMax))
	}
	if c.Gains.Offset < 0 {
		return fault.NewConfigError(fmt.Sprintf("pid.Config: offset must not be negative: %g given", c.Gains.Offset))
	}

	return nil
}

// Terms holds the intermediate values of the last accepted sample
type Terms struct {
	Error      float64
	Dt         float64
	Integral   float64
	Derivative float64
	Output     float64
}

// WithClock replaces the wall clock used to measure the interval between samples
func WithClock(clock func() time.Time) func(*Controller) {
	return func(c *Controller) {
		c.now = clock
	}
}

// Controller is a single-axis PID controller with deadband, slew-rate limiting and output
// clamping. It is not safe for concurrent use: the only writer of its state is Compute.
type Controller struct {
	cfg Config
	now func() time.Time

	integral   float64
	hist       history
	prevOutput float64
	prevTime   time.Time
	last       Terms
}

// New validates cfg and creates a Controller. The previous sample time is initialised here
// so the first Compute sees the time elapsed since construction.
func New(cfg Config, options ...func(*Controller)) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := Controller{
		cfg: cfg,
		now: time.Now,
	}

	for _, option := range options {
		option(&c)
	}

	c.prevTime = c.now()
	return &c, nil
}

// Compute feeds a new measurement through the control law and returns the actuator output.
// A rejected sample returns a *fault.NumericError and leaves the controller state untouched.
func (c *Controller) Compute(processValue float64) (float64, error) {
	if math.IsNaN(processValue) || math.IsInf(processValue, 0) {
		return 0, fault.NewNumericError("pid: rejected sample", ErrNonFinite)
	}

	now := c.now()
	dt := now.Sub(c.prevTime).Seconds()
	if dt <= 0 {
		return 0, fault.NewNumericError(fmt.Sprintf("pid: rejected sample (dt=%gs)", dt), ErrNonPositiveInterval)
	}

	e := c.cfg.Setpoint - processValue
	if math.IsInf(e, 0) {
		return 0, fault.NewNumericError("pid: rejected sample", ErrNonFinite)
	}

	integral := clampFinite(c.integral + e*dt)

	// smoothed four-point difference, rejects single-sample noise at the cost of some lag
	derivative := (e + 3*c.hist.back(1) - 3*c.hist.back(2) - c.hist.back(3)) / 6 / dt

	var output float64
	if math.Abs(e) > c.cfg.Gains.Offset {
		output = term(c.cfg.Gains.Kp, e) + term(c.cfg.Gains.Ki, integral) + term(c.cfg.Gains.Kd, derivative)
	}
	if math.IsNaN(output) {
		return 0, fault.NewNumericError("pid: rejected sample", ErrNonFinite)
	}

	switch {
	case output-c.prevOutput > c.cfg.SlewRate:
		output = c.prevOutput + c.cfg.SlewRate
	case output-c.prevOutput < -c.cfg.SlewRate:
		output = c.prevOutput - c.cfg.SlewRate
	}

	output = math.Max(c.cfg.OutMin, math.Min(output, c.cfg.OutMax))

	c.integral = integral
	c.hist.push(e)
	c.prevOutput = output
	c.prevTime = now
	c.last = Terms{
		Error:      e,
		Dt:         dt,
		Integral:   integral,
		Derivative: derivative,
		Output:     output,
	}

	return output, nil
}

// Reset clears the accumulated state and restarts the sample interval from now.
func (c *Controller) Reset() {
	c.integral = 0
	c.hist.reset()
	c.prevOutput = 0
	c.prevTime = c.now()
	c.last = Terms{}
}

// Config returns the controller configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Setpoint returns the target value of the controlled variable
func (c *Controller) Setpoint() float64 {
	return c.cfg.Setpoint
}

// Output returns the last accepted output
func (c *Controller) Output() float64 {
	return c.prevOutput
}

// Integral returns the accumulated integral of the error
func (c *Controller) Integral() float64 {
	return c.integral
}

// Last returns the terms of the last accepted sample
func (c *Controller) Last() Terms {
	return c.last
}

// term multiplies a gain by its input, treating a zero gain as switching the term off
// even when the input has overflowed.
func term(gain, value float64) float64 {
	if gain == 0 {
		return 0
	}
	return gain * value
}

func clampFinite(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	}
	return v
}
