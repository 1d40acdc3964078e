package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/roman-kulish/flight-core/internal/flightlog"
	"github.com/roman-kulish/flight-core/internal/telemetry"
)

// Store provides an interface for the flight recorder storage operations.
// It handles sessions, control cycles, flight events and telemetry in a thread-safe manner.
// All operations that write to the database should be considered atomic.
type Store interface {
	// CreateSession starts a new flight and returns its identifiers.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - droneID: Identifier of the airframe
	//   - config: Optional flight configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - sessionID: Database identifier for the created session
	//   - flightID: Globally unique identifier of the flight
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, droneID string, config any) (sessionID int64, flightID uuid.UUID, err error)

	// Session retrieves a specific flight session by its ID.
	Session(ctx context.Context, id int64) (session *flightlog.Session, err error)

	// Sessions returns all flight sessions stored in the database, ordered by start time.
	Sessions(ctx context.Context) (sessions []*flightlog.Session, err error)

	// StoreCycles saves control cycles of a session in a single atomic transaction.
	StoreCycles(ctx context.Context, sessionID int64, cycles []flightlog.Cycle) error

	// StoreEvent saves a flight event of a session.
	StoreEvent(ctx context.Context, sessionID int64, e *flightlog.Event) error

	// StoreTelemetry saves navigation data of a session.
	StoreTelemetry(ctx context.Context, sessionID int64, t *telemetry.Navdata) (telemetryID int64, err error)

	// Close releases all database connections and resources.
	// After Close is called, the store instance cannot be reused.
	// It is safe to call Close multiple times.
	Close() error
}
