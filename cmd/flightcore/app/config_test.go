package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/flight-core/internal/fault"
	"github.com/roman-kulish/flight-core/internal/flight"
	"github.com/roman-kulish/flight-core/internal/pid"
)

const testConfig = `
settings:
  logLevel: debug
flight:
  droneId: bebop-1
  cruiseAltitude: 900
  settleDelay: 1500ms
  gracePeriod: 1s
  lostTarget: hold
  faultThreshold: 3
gains:
  altitude: {kp: 0.002, ki: 0, kd: 0.0005, offset: 10}
  forward: {kp: 0.001, ki: 0.0001, kd: 0, offset: 20}
  yaw: {kp: 0.004, ki: 0, kd: 0.001, offset: 15}
storage:
  dataDirectory: flights
  flushInterval: 500ms
server:
  listen: ":9000"
vision:
  command: detector
  args: ["--camera", "0"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Settings.LogLevel)
	assert.Equal(t, "bebop-1", config.Flight.DroneID)
	assert.Equal(t, 900, config.Flight.CruiseAltitude)
	assert.Equal(t, 1500*time.Millisecond, config.Flight.SettleDelay.Duration())
	assert.Equal(t, time.Second, config.Flight.GracePeriod.Duration())
	assert.Equal(t, flight.LostTargetHold, config.Flight.LostTarget)
	assert.Equal(t, uint8(3), config.Flight.FaultThreshold)
	assert.Equal(t, pid.Gains{Kp: 0.001, Ki: 0.0001, Offset: 20}, config.Gains.Forward)
	assert.Equal(t, "flights", config.Storage.DataDirectory)
	assert.Equal(t, 500*time.Millisecond, config.Storage.FlushInterval.Duration())
	assert.Equal(t, ":9000", config.Server.Listen)
	assert.Equal(t, "detector", config.Vision.Command)
	assert.Equal(t, []string{"--camera", "0"}, config.Vision.Args)

	// left out of the file
	assert.Equal(t, 0.6, config.Flight.ClimbRate)
	assert.Equal(t, 10*time.Second, config.Flight.StallTimeout.Duration())

	tuning := config.Tuning()
	assert.Equal(t, 250.0, tuning.Forward.Setpoint)
	assert.Equal(t, config.Gains.Yaw, tuning.Yaw.Gains)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "flight: [not, a, map]"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "flight:\n  settleDelay: soon\n"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"log level", func(c *Config) { c.Settings.LogLevel = "verbose" }},
		{"drone id", func(c *Config) { c.Flight.DroneID = "" }},
		{"altitude", func(c *Config) { c.Flight.CruiseAltitude = 0 }},
		{"climb rate", func(c *Config) { c.Flight.ClimbRate = 1.5 }},
		{"negative duration", func(c *Config) { c.Flight.GracePeriod = TimeDuration(-time.Second) }},
		{"lost target", func(c *Config) { c.Flight.LostTarget = "circle" }},
		{"fault threshold", func(c *Config) { c.Flight.FaultThreshold = 0 }},
		{"batch size", func(c *Config) { c.Storage.MaxBatchSize = -1 }},
		{"listen", func(c *Config) { c.Server.Listen = "" }},
		{"negative offset", func(c *Config) { c.Gains.Yaw.Offset = -1 }},
	}

	require.NoError(t, DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := config.Validate()
			require.Error(t, err)

			var cfgErr *fault.ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}

	config := DefaultConfig()
	config.Server.Listen = ""
	config.Simulate = true
	assert.NoError(t, config.Validate(), "the simulator does not need the bridge")
}

func TestParseGains(t *testing.T) {
	args := []string{
		"0.002", "0", "0.0005", "10",
		"0.001", "0.0001", "0", "20",
		"0.004", "0", "0.001", "15",
	}

	gains, err := ParseGains(args)
	require.NoError(t, err)
	assert.Equal(t, pid.Gains{Kp: 0.002, Kd: 0.0005, Offset: 10}, gains.Altitude)
	assert.Equal(t, pid.Gains{Kp: 0.001, Ki: 0.0001, Offset: 20}, gains.Forward)
	assert.Equal(t, pid.Gains{Kp: 0.004, Kd: 0.001, Offset: 15}, gains.Yaw)
}

func TestParseGains_Errors(t *testing.T) {
	valid := []string{"1", "0", "0", "1", "1", "0", "0", "1", "1", "0", "0", "1"}

	tests := []struct {
		name string
		args []string
	}{
		{"missing", valid[:11]},
		{"extra", append(append([]string{}, valid...), "1")},
		{"not a number", replaceAt(valid, 5, "fast")},
		{"nan", replaceAt(valid, 0, "NaN")},
		{"infinite", replaceAt(valid, 8, "+Inf")},
		{"negative offset", replaceAt(valid, 7, "-3")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGains(tt.args)
			require.Error(t, err)

			var cfgErr *fault.ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func replaceAt(args []string, i int, v string) []string {
	out := append([]string{}, args...)
	out[i] = v
	return out
}
