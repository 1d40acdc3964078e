package storage

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/flight-core/internal/flightlog"
	"github.com/roman-kulish/flight-core/internal/telemetry"
)

const (
	maxBatchSize  = 100
	flushInterval = time.Second
	queueSize     = 1024
)

// WithMaxBatchSize sets the maximum number of cycles stored within a single database transaction.
func WithMaxBatchSize(size int) func(*Recorder) {
	return func(r *Recorder) {
		r.maxBatchSize = size
	}
}

// WithFlushInterval sets how long cycles may wait in memory before they are written
func WithFlushInterval(d time.Duration) func(*Recorder) {
	return func(r *Recorder) {
		r.flushInterval = d
	}
}

// WithLogger sets the logger for the recorder
func WithLogger(logger *slog.Logger) func(*Recorder) {
	return func(r *Recorder) {
		r.logger = logger.With(slog.String("component", "recorder"))
	}
}

// Recorder writes a flight's cycles, events and telemetry to a Store off the control path.
// The Record methods never block: when the queue is full the record is dropped and counted.
type Recorder struct {
	store     Store
	sessionID int64

	cycles    chan flightlog.Cycle
	events    chan flightlog.Event
	telemetry chan telemetry.Navdata
	dropped   atomic.Uint64

	maxBatchSize  int
	flushInterval time.Duration
	logger        *slog.Logger
}

// NewRecorder creates a Recorder for the given session
func NewRecorder(store Store, sessionID int64, options ...func(*Recorder)) *Recorder {
	r := Recorder{
		store:         store,
		sessionID:     sessionID,
		cycles:        make(chan flightlog.Cycle, queueSize),
		events:        make(chan flightlog.Event, queueSize),
		telemetry:     make(chan telemetry.Navdata, queueSize),
		maxBatchSize:  maxBatchSize,
		flushInterval: flushInterval,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

func (r *Recorder) RecordCycle(c flightlog.Cycle) {
	select {
	case r.cycles <- c:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) RecordEvent(e flightlog.Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Publish records navigation data, so the recorder can subscribe straight to a telemetry topic
func (r *Recorder) Publish(n telemetry.Navdata) {
	select {
	case r.telemetry <- n:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded because the queue was full
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes queued records until ctx is done, then drains the queues and writes what is left.
// Writes are not bound to ctx: the tail of the flight still has to reach the disk after the
// flight context is gone.
func (r *Recorder) Run(ctx context.Context) {
	wctx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	pending := make([]flightlog.Cycle, 0, r.maxBatchSize)

	for {
		select {
		case c := <-r.cycles:
			pending = append(pending, c)
			if len(pending) >= r.maxBatchSize {
				pending = r.flush(wctx, pending)
			}

		case e := <-r.events:
			r.storeEvent(wctx, e)

		case n := <-r.telemetry:
			r.storeTelemetry(wctx, n)

		case <-ticker.C:
			pending = r.flush(wctx, pending)

		case <-ctx.Done():
			r.drain(wctx, pending)
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context, pending []flightlog.Cycle) {
	for {
		select {
		case c := <-r.cycles:
			pending = append(pending, c)
		case e := <-r.events:
			r.storeEvent(ctx, e)
		case n := <-r.telemetry:
			r.storeTelemetry(ctx, n)
		default:
			r.flush(ctx, pending)
			if dropped := r.Dropped(); dropped > 0 {
				r.logger.Warn("records dropped", slog.Uint64("count", dropped))
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, pending []flightlog.Cycle) []flightlog.Cycle {
	for chunk := range slices.Chunk(pending, r.maxBatchSize) {
		if err := r.store.StoreCycles(ctx, r.sessionID, chunk); err != nil {
			r.logger.Error("error storing cycles", slog.Int("count", len(chunk)), slog.Any("error", err))
		}
	}
	return pending[:0]
}

func (r *Recorder) storeEvent(ctx context.Context, e flightlog.Event) {
	if err := r.store.StoreEvent(ctx, r.sessionID, &e); err != nil {
		r.logger.Error("error storing event", slog.String("phase", e.Phase), slog.Any("error", err))
	}
}

func (r *Recorder) storeTelemetry(ctx context.Context, n telemetry.Navdata) {
	if _, err := r.store.StoreTelemetry(ctx, r.sessionID, &n); err != nil {
		r.logger.Error("error storing telemetry", slog.Any("error", err))
	}
}
