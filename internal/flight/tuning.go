package flight

import (
	"fmt"

	"github.com/roman-kulish/flight-core/internal/pid"
)

// Tuning is the configuration of the three tracking axes.
type Tuning struct {
	Vertical pid.Config `yaml:"vertical" json:"vertical"` // vertical offset -> vertical velocity
	Forward  pid.Config `yaml:"forward" json:"forward"`   // distance -> forward velocity
	Yaw      pid.Config `yaml:"yaw" json:"yaw"`           // horizontal offset -> yaw rate
}

// DefaultTuning returns the field-tested setpoints, slew rates and output bounds of each axis
// combined with the given gains.
func DefaultTuning(vertical, forward, yaw pid.Gains) Tuning {
	return Tuning{
		Vertical: pid.Config{Setpoint: 0, SlewRate: 0.5, OutMin: -0.4, OutMax: 0.4, Gains: vertical},
		Forward:  pid.Config{Setpoint: 250, SlewRate: 0.2, OutMin: -0.3, OutMax: 0.3, Gains: forward},
		Yaw:      pid.Config{Setpoint: 0, SlewRate: 0.2, OutMin: -0.5, OutMax: 0.5, Gains: yaw},
	}
}

// Validate checks every axis, so no controller is built from a partially valid tuning.
func (t *Tuning) Validate() error {
	axes := []struct {
		name string
		cfg  *pid.Config
	}{
		{"vertical", &t.Vertical},
		{"forward", &t.Forward},
		{"yaw", &t.Yaw},
	}
	for _, axis := range axes {
		if err := axis.cfg.Validate(); err != nil {
			return fmt.Errorf("%s axis: %w", axis.name, err)
		}
	}
	return nil
}
