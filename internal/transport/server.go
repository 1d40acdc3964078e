package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roman-kulish/flight-core/internal/bus"
	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/telemetry"
	"github.com/roman-kulish/flight-core/internal/vision"
)

const (
	writeWait      = 5 * time.Second
	outboundBuffer = 16
)

// VisionLink connects the detector endpoint to the bus
type VisionLink struct {
	Signals bus.Publisher[vision.ErrorSignal]
	Ready   bus.Source[bool]
}

// DroneLink connects the drone endpoint to the bus
type DroneLink struct {
	Navdata  bus.Publisher[telemetry.Navdata]
	Velocity bus.Source[command.Velocity]
	Takeoff  bus.Source[command.Trigger]
	Land     bus.Source[command.Trigger]
	FlatTrim bus.Source[command.Trigger]
}

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "transport"))
	}
}

// Server bridges the bus to websocket clients: the detector on /vision and the drone driver
// on /drone. Every connection has exactly one writer goroutine.
type Server struct {
	vision VisionLink
	drone  DroneLink

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	logger   *slog.Logger
}

// NewServer creates a new Server with a discard logger
func NewServer(vision VisionLink, drone DroneLink, options ...func(*Server)) *Server {
	s := Server{
		vision: vision,
		drone:  drone,
		mux:    http.NewServeMux(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	s.mux.HandleFunc("/vision", s.handleVision)
	s.mux.HandleFunc("/drone", s.handleDrone)

	return &s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("endpoint", "vision"), slog.Any("error", err))
		return
	}

	logger := s.logger.With(slog.String("endpoint", "vision"), slog.String("remote", r.RemoteAddr))
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan Envelope, outboundBuffer)
	go relay(ctx, s.vision.Ready.Subscribe(1), TypeReady, out, logger)
	go writeLoop(ctx, conn, out, logger)

	s.readLoop(conn, logger, func(env Envelope) error {
		if env.Type != TypeErrorSignal {
			return fmt.Errorf("unexpected message type '%s'", env.Type)
		}

		var signal vision.ErrorSignal
		if err := env.Decode(&signal); err != nil {
			return err
		}
		if signal.Timestamp.IsZero() {
			signal.Timestamp = time.Now()
		}
		s.vision.Signals.Publish(signal)
		return nil
	})
}

func (s *Server) handleDrone(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("endpoint", "drone"), slog.Any("error", err))
		return
	}

	logger := s.logger.With(slog.String("endpoint", "drone"), slog.String("remote", r.RemoteAddr))
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan Envelope, outboundBuffer)
	go relayCommands(ctx, s.drone, out, logger)
	go writeLoop(ctx, conn, out, logger)

	s.readLoop(conn, logger, func(env Envelope) error {
		if env.Type != TypeNavdata {
			return fmt.Errorf("unexpected message type '%s'", env.Type)
		}

		var nav telemetry.Navdata
		if err := env.Decode(&nav); err != nil {
			return err
		}
		if nav.Timestamp.IsZero() {
			nav.Timestamp = time.Now()
		}
		s.drone.Navdata.Publish(nav)
		return nil
	})
}

// readLoop decodes inbound envelopes until the client goes away. Malformed messages are logged
// and skipped.
func (s *Server) readLoop(conn *websocket.Conn, logger *slog.Logger, handle func(Envelope) error) {
	defer conn.Close()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection lost", slog.Any("error", err))
				return
			}
			logger.Info("client disconnected")
			return
		}

		var env Envelope
		if err = json.Unmarshal(p, &env); err != nil {
			logger.Warn("malformed message", slog.Any("error", err))
			continue
		}

		if err = handle(env); err != nil {
			logger.Warn("message rejected", slog.String("type", env.Type), slog.Any("error", err))
		}
	}
}

// relay forwards a subscription into the connection's outbound queue as envelopes of one type
func relay[T any](ctx context.Context, sub *bus.Subscription[T], typ string, out chan<- Envelope, logger *slog.Logger) {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sub.C:
			if !ok {
				return
			}

			env, err := NewEnvelope(typ, msg)
			if err != nil {
				logger.Error(err.Error())
				continue
			}

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// relayCommands forwards every drone command into the connection's outbound queue from a single
// goroutine, so the wire order is the bus order. Velocity commands still buffered when land
// arrives go out before it; nothing on the velocity topic is relayed after land.
func relayCommands(ctx context.Context, link DroneLink, out chan<- Envelope, logger *slog.Logger) {
	velocity := link.Velocity.Subscribe(outboundBuffer)
	defer velocity.Unsubscribe()

	takeoff := link.Takeoff.Subscribe(1)
	defer takeoff.Unsubscribe()

	land := link.Land.Subscribe(1)
	defer land.Unsubscribe()

	flatTrim := link.FlatTrim.Subscribe(1)
	defer flatTrim.Unsubscribe()

	send := func(typ string, msg any) bool {
		env, err := NewEnvelope(typ, msg)
		if err != nil {
			logger.Error(err.Error())
			return true
		}

		select {
		case out <- env:
			return true
		case <-ctx.Done():
			return false
		}
	}

	velocityC, takeoffC, landC, flatTrimC := velocity.C, takeoff.C, land.C, flatTrim.C
	for {
		select {
		case <-ctx.Done():
			return

		case v, ok := <-velocityC:
			if !ok {
				velocityC = nil
				continue
			}
			if !send(TypeVelocity, v) {
				return
			}

		case msg, ok := <-takeoffC:
			if !ok {
				takeoffC = nil
				continue
			}
			if !send(TypeTakeoff, msg) {
				return
			}

		case msg, ok := <-flatTrimC:
			if !ok {
				flatTrimC = nil
				continue
			}
			if !send(TypeFlatTrim, msg) {
				return
			}

		case msg, ok := <-landC:
			if !ok {
				landC = nil
				continue
			}

			// velocity published before land is already in the buffer
			for pending := true; pending && velocityC != nil; {
				select {
				case v, ok := <-velocityC:
					if !ok {
						pending = false
						continue
					}
					if !send(TypeVelocity, v) {
						return
					}
				default:
					pending = false
				}
			}

			if velocityC != nil {
				velocity.Unsubscribe()
				velocityC = nil
				logger.Info("velocity relay closed after land")
			}

			if !send(TypeLand, msg) {
				return
			}
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan Envelope, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case env := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Warn("write failed", slog.String("type", env.Type), slog.Any("error", err))
				return
			}
		}
	}
}
