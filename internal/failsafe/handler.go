package failsafe

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
)

const (
	// DefaultGracePeriod is the pause between the trigger and the land command
	DefaultGracePeriod = 2 * time.Second

	reasonInterrupted = "interrupted"
)

// WithGracePeriod sets the pause between the trigger and the land command
func WithGracePeriod(d time.Duration) func(*Handler) {
	return func(h *Handler) {
		h.gracePeriod = d
	}
}

// WithOnLanding sets the hook invoked once the land command is sent, typically the
// orchestrator's ForceLanding.
func WithOnLanding(fn func()) func(*Handler) {
	return func(h *Handler) {
		h.onLanding = fn
	}
}

// WithShutdown sets the hook that tears the rest of the process down after landing
func WithShutdown(fn func()) func(*Handler) {
	return func(h *Handler) {
		h.shutdown = fn
	}
}

// WithLogger sets the logger for the handler
func WithLogger(logger *slog.Logger) func(*Handler) {
	return func(h *Handler) {
		h.logger = logger.With(slog.String("component", "failsafe"))
	}
}

// Handler lands the drone when the flight context is cancelled or Trigger is called.
// It owns the land command path and acts on the velocity path only through the Interlock, so
// it never reads or waits for orchestrator state.
type Handler struct {
	land      bus.Publisher[command.Trigger]
	interlock *Interlock

	trigger  chan string
	done     chan struct{}
	landOnce sync.Once

	gracePeriod time.Duration
	onLanding   func()
	shutdown    func()
	logger      *slog.Logger
}

// New creates a Handler with a discard logger
func New(land bus.Publisher[command.Trigger], interlock *Interlock, options ...func(*Handler)) *Handler {
	h := Handler{
		land:        land,
		interlock:   interlock,
		trigger:     make(chan string, 1),
		done:        make(chan struct{}),
		gracePeriod: DefaultGracePeriod,
		onLanding:   func() {},
		shutdown:    func() {},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// Trigger requests a landing from inside the process, e.g. after an ascent failure.
// It never blocks; only the first request counts.
func (h *Handler) Trigger(reason string) {
	select {
	case h.trigger <- reason:
	default:
	}
}

// Run supervises the flight. It blocks until ctx is cancelled or Trigger is called, then lands.
func (h *Handler) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		h.Land(reasonInterrupted)
	case reason := <-h.trigger:
		h.Land(reason)
	case <-h.done:
	}
}

// Land performs the landing sequence at most once: the velocity path is closed immediately,
// then after the grace period the land command is sent and the hooks run.
func (h *Handler) Land(reason string) {
	h.landOnce.Do(func() {
		defer close(h.done)

		h.interlock.Engage()
		h.logger.Warn("failsafe triggered, velocity commands disabled", slog.String("reason", reason))

		if h.gracePeriod > 0 {
			time.Sleep(h.gracePeriod)
		}

		h.logger.Info("landing")
		h.land.Publish(command.Trigger{})

		h.onLanding()
		h.shutdown()
	})
}

// Done is closed once the landing sequence has completed
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
