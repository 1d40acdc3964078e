package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/flight-core/internal/ascent"
	"github.com/roman-kulish/flight-core/internal/failsafe"
	"github.com/roman-kulish/flight-core/internal/fault"
	"github.com/roman-kulish/flight-core/internal/flight"
	"github.com/roman-kulish/flight-core/internal/pid"
)

const (
	// GainsArgs is the number of positional gain arguments: {kp, ki, kd, offset} for the
	// altitude, forward and yaw axes, in that order.
	GainsArgs = 12

	defaultListen        = "127.0.0.1:8765"
	defaultDataDirectory = "data"
	defaultDroneID       = "drone"
)

type TimeDuration time.Duration

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main application configuration
type Config struct {
	Settings Settings      `yaml:"settings"`
	Flight   FlightConfig  `yaml:"flight"`
	Gains    GainsConfig   `yaml:"gains"`
	Storage  StorageConfig `yaml:"storage"`
	Server   ServerConfig  `yaml:"server"`
	Vision   VisionConfig  `yaml:"vision"`
	Simulate bool          `yaml:"simulate"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// FlightConfig represents the lifecycle and failsafe settings
type FlightConfig struct {
	DroneID        string                  `yaml:"droneId"`
	CruiseAltitude int                     `yaml:"cruiseAltitude"` // centimetres
	ClimbRate      float64                 `yaml:"climbRate"`
	SettleDelay    TimeDuration            `yaml:"settleDelay"`
	StallTimeout   TimeDuration            `yaml:"stallTimeout"`
	GracePeriod    TimeDuration            `yaml:"gracePeriod"`
	LostTarget     flight.LostTargetPolicy `yaml:"lostTarget"`
	FaultThreshold uint8                   `yaml:"faultThreshold"`
}

// GainsConfig holds the gains of the three tracking axes
type GainsConfig struct {
	Altitude pid.Gains `yaml:"altitude"`
	Forward  pid.Gains `yaml:"forward"`
	Yaw      pid.Gains `yaml:"yaw"`
}

// StorageConfig represents flight recorder settings
type StorageConfig struct {
	DataDirectory string       `yaml:"dataDirectory"`
	MaxBatchSize  int          `yaml:"maxBatchSize"`
	FlushInterval TimeDuration `yaml:"flushInterval"` // zero keeps the recorder default
}

// ServerConfig represents the websocket bridge settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// VisionConfig describes the detector subprocess. An empty command means the detector connects
// over the websocket bridge instead.
type VisionConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LoadConfig reads and validates the YAML configuration at path, filling in defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := DefaultConfig()
	if err = yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns the configuration used for any value the file leaves out. Gains default
// to zero, which leaves every axis idle.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: "info"},
		Flight: FlightConfig{
			DroneID:        defaultDroneID,
			CruiseAltitude: flight.DefaultCruiseAltitude,
			ClimbRate:      ascent.DefaultClimbRate,
			StallTimeout:   TimeDuration(ascent.DefaultStallTimeout),
			SettleDelay:    TimeDuration(flight.DefaultSettleDelay),
			GracePeriod:    TimeDuration(failsafe.DefaultGracePeriod),
			LostTarget:     flight.LostTargetHover,
			FaultThreshold: flight.DefaultFaultThreshold,
		},
		Storage: StorageConfig{DataDirectory: defaultDataDirectory},
		Server:  ServerConfig{Listen: defaultListen},
	}
}

func (c *Config) Validate() error {
	switch c.Settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fault.NewConfigError(fmt.Sprintf("app.Config: unknown log level '%s'", c.Settings.LogLevel))
	}

	if c.Flight.DroneID == "" {
		return fault.NewConfigError("app.Config: drone id is required")
	}
	if c.Flight.CruiseAltitude <= 0 {
		return fault.NewConfigError(fmt.Sprintf("app.Config: cruise altitude must be positive: %d given", c.Flight.CruiseAltitude))
	}
	if c.Flight.ClimbRate <= 0 || c.Flight.ClimbRate > 1 {
		return fault.NewConfigError(fmt.Sprintf("app.Config: climb rate must be within (0, 1]: %g given", c.Flight.ClimbRate))
	}
	if c.Flight.SettleDelay < 0 || c.Flight.StallTimeout < 0 || c.Flight.GracePeriod < 0 || c.Storage.FlushInterval < 0 {
		return fault.NewConfigError("app.Config: durations must not be negative")
	}
	if !c.Flight.LostTarget.Valid() {
		return fault.NewConfigError(fmt.Sprintf("app.Config: unknown lost target policy '%s'", c.Flight.LostTarget))
	}
	if c.Flight.FaultThreshold == 0 {
		return fault.NewConfigError("app.Config: fault threshold must be positive")
	}
	if c.Storage.MaxBatchSize < 0 {
		return fault.NewConfigError(fmt.Sprintf("app.Config: max batch size must not be negative: %d given", c.Storage.MaxBatchSize))
	}
	if c.Server.Listen == "" && !c.Simulate {
		return fault.NewConfigError("app.Config: a listen address is required unless simulating")
	}

	tuning := c.Tuning()
	if err := tuning.Validate(); err != nil {
		return fault.NewConfigError(fmt.Sprintf("app.Config: gains: %s", err))
	}

	return nil
}

// Tuning combines the configured gains with the default setpoints, slew rates and bounds
func (c *Config) Tuning() flight.Tuning {
	return flight.DefaultTuning(c.Gains.Altitude, c.Gains.Forward, c.Gains.Yaw)
}

// ParseGains parses the twelve positional gain arguments. Every value must be a finite number
// and the offsets must not be negative.
func ParseGains(args []string) (GainsConfig, error) {
	if len(args) != GainsArgs {
		return GainsConfig{}, fault.NewConfigError(fmt.Sprintf("app.ParseGains: expected %d values, %d given", GainsArgs, len(args)))
	}

	values := make([]float64, GainsArgs)
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return GainsConfig{}, fault.NewConfigError(fmt.Sprintf("app.ParseGains: argument %d: '%s' is not a number", i+1, arg))
		}
		values[i] = v
	}

	gains := func(v []float64) pid.Gains {
		return pid.Gains{Kp: v[0], Ki: v[1], Kd: v[2], Offset: v[3]}
	}
	g := GainsConfig{
		Altitude: gains(values[0:4]),
		Forward:  gains(values[4:8]),
		Yaw:      gains(values[8:12]),
	}

	tuning := flight.DefaultTuning(g.Altitude, g.Forward, g.Yaw)
	if err := tuning.Validate(); err != nil {
		return GainsConfig{}, fault.NewConfigError(fmt.Sprintf("app.ParseGains: %s", err))
	}

	return g, nil
}
