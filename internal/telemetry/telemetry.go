package telemetry

import (
	"sync"
	"time"
)

// Provider returns the most recent navigation data, or nil if none has been received
type Provider interface {
	Get() *Navdata
}

// Navdata is the navigation data reported by the drone
type Navdata struct {
	Timestamp time.Time `json:"timestamp"`         // Timestamp of telemetry measurement
	Altitude  int       `json:"altitude"`          // Altitude above ground in centimetres
	Battery   *float64  `json:"battery,omitempty"` // Battery charge in percent
}

// Latest is a Provider that remembers the last Navdata it was given
type Latest struct {
	mu   sync.RWMutex
	last *Navdata
}

// Update stores n as the most recent navigation data
func (l *Latest) Update(n Navdata) {
	l.mu.Lock()
	l.last = &n
	l.mu.Unlock()
}

func (l *Latest) Get() *Navdata {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.last == nil {
		return nil
	}
	n := *l.last
	return &n
}
