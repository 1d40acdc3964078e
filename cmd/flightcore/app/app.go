package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/failsafe"
	"github.com/roman-kulish/flight-core/internal/flight"
	"github.com/roman-kulish/flight-core/internal/sim"
	"github.com/roman-kulish/flight-core/internal/storage"
	"github.com/roman-kulish/flight-core/internal/telemetry"
	"github.com/roman-kulish/flight-core/internal/transport"
	"github.com/roman-kulish/flight-core/internal/vision"
)

const (
	navdataBuffer   = 64
	shutdownTimeout = 5 * time.Second
)

// topics is the in-process bus every component is wired through
type topics struct {
	signals  *bus.Topic[vision.ErrorSignal]
	navdata  *bus.Topic[telemetry.Navdata]
	velocity *bus.Topic[command.Velocity]
	takeoff  *bus.Topic[command.Trigger]
	land     *bus.Topic[command.Trigger]
	flatTrim *bus.Topic[command.Trigger]
	ready    *bus.Topic[bool]
}

func newTopics(logger *slog.Logger) *topics {
	return &topics{
		signals:  bus.NewTopic("error_signal", bus.WithLogger[vision.ErrorSignal](logger)),
		navdata:  bus.NewTopic("navdata", bus.WithLogger[telemetry.Navdata](logger)),
		velocity: bus.NewTopic("cmd_vel", bus.WithLogger[command.Velocity](logger)),
		takeoff:  bus.NewTopic("takeoff", bus.Latched[command.Trigger](), bus.WithLogger[command.Trigger](logger)),
		land:     bus.NewTopic("land", bus.Latched[command.Trigger](), bus.WithLogger[command.Trigger](logger)),
		flatTrim: bus.NewTopic("flat_trim", bus.Latched[command.Trigger](), bus.WithLogger[command.Trigger](logger)),
		ready:    bus.NewTopic("ready", bus.Latched[bool](), bus.WithLogger[bool](logger)),
	}
}

// Run flies a single tracking flight: take off, climb, track until the failsafe lands the
// drone, then flush the flight recorder. Positional args, if any, are the twelve tracking gains
// and take precedence over the configuration file.
func Run(ctx context.Context, config *Config, logger *slog.Logger, args []string) error {
	if len(args) > 0 {
		gains, err := ParseGains(args)
		if err != nil {
			return err
		}
		config.Gains = gains
	}

	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing storage: %s", err))
		}
	}()

	sessionID, flightID, err := store.CreateSession(ctx, config.Flight.DroneID, config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	logger = logger.With(slog.String("flight", flightID.String()))

	t := newTopics(logger)
	interlock := failsafe.NewInterlock(t.velocity)
	recorder := storage.NewRecorder(store, sessionID, recorderOptions(&config.Storage, logger)...)

	orchestrator, err := flight.NewOrchestrator(flight.Links{
		Velocity:  interlock,
		Takeoff:   t.takeoff,
		FlatTrim:  t.flatTrim,
		Ready:     t.ready,
		Telemetry: t.navdata,
		Signals:   t.signals,
	}, config.Tuning(),
		flight.WithLogger(logger),
		flight.WithRecorder(recorder),
		flight.WithCruiseAltitude(config.Flight.CruiseAltitude),
		flight.WithSettleDelay(config.Flight.SettleDelay.Duration()),
		flight.WithClimbRate(config.Flight.ClimbRate),
		flight.WithStallTimeout(config.Flight.StallTimeout.Duration()),
		flight.WithLostTargetPolicy(config.Flight.LostTarget),
		flight.WithFaultThreshold(config.Flight.FaultThreshold),
	)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	// the flight context is cancelled by the failsafe once the land command is out
	flightCtx, cancelFlight := context.WithCancel(ctx)
	defer cancelFlight()

	handler := failsafe.New(t.land, interlock,
		failsafe.WithGracePeriod(config.Flight.GracePeriod.Duration()),
		failsafe.WithOnLanding(orchestrator.ForceLanding),
		failsafe.WithShutdown(cancelFlight),
		failsafe.WithLogger(logger),
	)

	// supporting goroutines outlive the flight so the landing is still recorded
	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(auxCtx)
	}()

	var latest telemetry.Latest
	navdata := t.navdata.Subscribe(navdataBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer navdata.Unsubscribe()
		for {
			select {
			case <-auxCtx.Done():
				return
			case n := <-navdata.C:
				latest.Update(n)
				recorder.Publish(n)
			}
		}
	}()

	var drone *sim.Drone
	if config.Simulate {
		drone = sim.NewDrone(sim.Links{
			Navdata:  t.navdata,
			Velocity: t.velocity,
			Takeoff:  t.takeoff,
			Land:     t.land,
		}, sim.WithLogger(logger))

		wg.Add(1)
		go func() {
			defer wg.Done()
			drone.Run(auxCtx)
		}()
	}

	server := startServer(config.Server.Listen, t, handler, logger)

	go handler.Run(ctx)

	start := time.Now()
	flightErr := fly(flightCtx, orchestrator, config.Vision, t, handler, logger)
	if flightErr != nil {
		handler.Trigger(flightErr.Error())
	}

	<-handler.Done()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("stopping server: %s", err))
		}
		cancel()
	}

	cancelAux()
	wg.Wait()

	summary := []any{
		slog.String("duration", humanize.RelTime(start, time.Now(), "", "")),
		slog.String(t.signals.Name(), humanize.Comma(int64(t.signals.Dropped()))+" dropped"),
		slog.String("records", humanize.Comma(int64(recorder.Dropped()))+" dropped"),
		slog.String("blocked", humanize.Comma(int64(interlock.Blocked()))+" velocity commands"),
	}
	summary = append(summary, navdataSummary(&latest)...)
	if drone != nil {
		summary = append(summary, slog.String("sim", drone.Stage()))
	}
	logger.Info("flight finished", summary...)

	if flightErr != nil && !errors.Is(flightErr, context.Canceled) {
		return flightErr
	}
	return nil
}

// fly runs the flight lifecycle and returns the error that ended it, if any. A nil error means
// the flight was ended by a forced landing.
func fly(ctx context.Context, o *flight.Orchestrator, config VisionConfig, t *topics, handler *failsafe.Handler, logger *slog.Logger) error {
	if err := o.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing flight: %w", err)
	}

	if config.Command != "" {
		path, err := vision.FindRuntime(config.Command)
		if err != nil {
			return err
		}

		detector := vision.NewProcess(path, config.Args, t.signals, vision.WithLogger(logger))
		stopped, err := detector.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting detector: %w", err)
		}
		defer detector.Stop()

		go watchDetector(ctx, stopped, handler)
	}

	if err := o.Ready(); err != nil {
		return err
	}

	if err := o.Track(ctx); err != nil {
		return fmt.Errorf("tracking: %w", err)
	}
	return nil
}

// navdataSummary reports the last known altitude and battery charge
func navdataSummary(p telemetry.Provider) []any {
	n := p.Get()
	if n == nil {
		return nil
	}

	attrs := []any{slog.Int("altitude", n.Altitude)}
	if n.Battery != nil {
		attrs = append(attrs, slog.String("battery", humanize.FtoaWithDigits(*n.Battery, 1)+"%"))
	}
	return attrs
}

// watchDetector lands the drone once the detector stops while the flight is still on. A closed
// channel without a reason counts as well.
func watchDetector(ctx context.Context, stopped <-chan error, handler interface{ Trigger(string) }) {
	err, ok := <-stopped
	if ctx.Err() != nil {
		return
	}
	if !ok || err == nil {
		err = vision.ErrDetectorExited
	}
	handler.Trigger(fmt.Sprintf("detector stopped: %s", err))
}

func startServer(listen string, t *topics, handler *failsafe.Handler, logger *slog.Logger) *http.Server {
	if listen == "" {
		return nil
	}

	server := &http.Server{
		Addr: listen,
		Handler: transport.NewServer(
			transport.VisionLink{Signals: t.signals, Ready: t.ready},
			transport.DroneLink{
				Navdata:  t.navdata,
				Velocity: t.velocity,
				Takeoff:  t.takeoff,
				Land:     t.land,
				FlatTrim: t.flatTrim,
			},
			transport.WithLogger(logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", slog.String("address", listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err.Error())
			handler.Trigger(fmt.Sprintf("server stopped: %s", err))
		}
	}()

	return server
}

func recorderOptions(config *StorageConfig, logger *slog.Logger) []func(*storage.Recorder) {
	options := []func(*storage.Recorder){storage.WithLogger(logger)}
	if config.MaxBatchSize > 0 {
		options = append(options, storage.WithMaxBatchSize(config.MaxBatchSize))
	}
	if config.FlushInterval > 0 {
		options = append(options, storage.WithFlushInterval(config.FlushInterval.Duration()))
	}
	return options
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	dbPath := config.DataDirectory
	if !filepath.IsAbs(dbPath) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dbPath = filepath.Join(wd, dbPath)
	}

	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory '%s': %w", dbPath, err)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("flight_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}
