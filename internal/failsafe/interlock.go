package failsafe

import (
	"sync"
	"sync/atomic"

	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
)

// Interlock guards the velocity command path. Once engaged, velocity commands are discarded.
// Engage waits for an in-flight Publish to finish, so no velocity command can be sent after
// Engage returns.
type Interlock struct {
	next bus.Publisher[command.Velocity]

	mu      sync.Mutex
	engaged bool
	blocked atomic.Uint64
}

// NewInterlock wraps the velocity publisher
func NewInterlock(next bus.Publisher[command.Velocity]) *Interlock {
	return &Interlock{next: next}
}

func (i *Interlock) Publish(v command.Velocity) {
	i.TryPublish(v)
}

// TryPublish forwards v unless the interlock is engaged and reports whether it was forwarded
func (i *Interlock) TryPublish(v command.Velocity) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.engaged {
		i.blocked.Add(1)
		return false
	}
	i.next.Publish(v)
	return true
}

// Engage closes the velocity path for good
func (i *Interlock) Engage() {
	i.mu.Lock()
	i.engaged = true
	i.mu.Unlock()
}

// Engaged reports whether the velocity path is closed
func (i *Interlock) Engaged() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.engaged
}

// Blocked returns the number of velocity commands discarded after Engage
func (i *Interlock) Blocked() uint64 {
	return i.blocked.Load()
}
