package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/flight-core/internal/flightlog"
)

// CycleReader provides an iterator-based interface for reading recorded control cycles with
// optional time filtering.
type CycleReader interface {
	// Session returns metadata about the flight this reader is accessing.
	Session() *flightlog.Session

	// Next advances the iterator and returns true if there is another cycle to read, false when
	// the iteration is complete or if an error occurred.
	Next(context.Context) bool

	// Current returns the current cycle in the iteration.
	// If called after Next() returns false, the behavior is undefined.
	Current() *flightlog.Cycle

	// Error returns any error that occurred during iteration.
	// If Next() returns false, Error() should be checked to distinguish between
	// end of data and an error condition.
	Error() error

	// Close releases any resources associated with the reader.
	Close() error
}

// ReaderOption configures a cycle reader with specific filtering criteria.
type ReaderOption func(*SqliteCycleReader)

// WithStartTime excludes cycles recorded before t.
func WithStartTime(t time.Time) ReaderOption {
	return func(r *SqliteCycleReader) {
		r.startTime = &t
	}
}

// WithEndTime excludes cycles recorded after t.
func WithEndTime(t time.Time) ReaderOption {
	return func(r *SqliteCycleReader) {
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *SqliteCycleReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

func newSqliteCycleReader(ctx context.Context, db *sql.DB, sessionID int64, opts ...ReaderOption) (*SqliteCycleReader, error) {
	cr := &SqliteCycleReader{
		db:        db,
		sessionID: sessionID,
	}
	for _, opt := range opts {
		opt(cr)
	}
	if err := cr.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return cr, nil
}

// SqliteCycleReader implements CycleReader for SQLite database backend.
type SqliteCycleReader struct {
	db *sql.DB

	sessionID int64
	session   *flightlog.Session

	startTime *time.Time // Optional start of time range filter
	endTime   *time.Time // Optional end of time range filter

	current *flightlog.Cycle
	rows    *sql.Rows
	err     error
}

func (cr *SqliteCycleReader) init(ctx context.Context) error {
	if cr.db == nil {
		return errors.New("database connection required")
	}
	if cr.sessionID <= 0 {
		return errors.New("session ID required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "loading session", fn: cr.loadSession},
		{msg: "initializing filters", fn: cr.initFilters},
		{msg: "initializing query", fn: cr.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (cr *SqliteCycleReader) loadSession(ctx context.Context) (err error) {
	stmt, err := cr.db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if cr.session, err = scanSession(stmt.QueryRowContext(ctx, cr.sessionID)); err != nil {
		return fmt.Errorf("querying session: %w", err)
	}
	return
}

func (cr *SqliteCycleReader) initFilters(ctx context.Context) (err error) {
	if cr.startTime != nil && cr.endTime != nil {
		if cr.startTime.After(*cr.endTime) {
			return fmt.Errorf("start time %s is after end time %s", cr.startTime, cr.endTime)
		}
		cr.normalizeFilters()
		return nil
	}

	stmt, err := cr.db.PrepareContext(ctx, selectFilterValuesSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var startTime, endTime sqliteTime
	if err = stmt.QueryRowContext(ctx, cr.sessionID).Scan(&startTime, &endTime); err != nil {
		return fmt.Errorf("scanning filters data: %w", err)
	}

	if !startTime.Valid || !endTime.Valid {
		return nil // no cycles recorded, the query yields nothing
	}

	if cr.startTime == nil {
		cr.startTime = &startTime.Time
	}
	if cr.endTime == nil {
		cr.endTime = &endTime.Time
	}
	cr.normalizeFilters()

	return nil
}

// normalizeFilters converts the filters to UTC, timestamps are stored and compared as UTC text
func (cr *SqliteCycleReader) normalizeFilters() {
	start, end := cr.startTime.UTC(), cr.endTime.UTC()
	cr.startTime, cr.endTime = &start, &end
}

func (cr *SqliteCycleReader) initQuery(ctx context.Context) (err error) {
	if cr.startTime == nil || cr.endTime == nil {
		return nil
	}

	stmt, err := cr.db.PrepareContext(ctx, selectCyclesSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if cr.rows, err = stmt.QueryContext(ctx, cr.sessionID, *cr.startTime, *cr.endTime); err != nil {
		return err
	}
	return nil
}

func (cr *SqliteCycleReader) scanCycle() (*flightlog.Cycle, error) {
	var data cycleData
	err := cr.rows.Scan(
		&data.Timestamp,
		&data.Distance,
		&data.HorizontalOffset,
		&data.VerticalOffset,
		&data.Lost,
		&data.Forward,
		&data.Vertical,
		&data.YawRate,
		&data.Fault,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning cycle: %w", err)
	}

	c := fromCycleData(&data)
	return &c, nil
}

func (cr *SqliteCycleReader) Session() *flightlog.Session {
	return cr.session
}

func (cr *SqliteCycleReader) Next(ctx context.Context) bool {
	if cr.err != nil || cr.rows == nil {
		return false
	}

	select {
	case <-ctx.Done():
		cr.err = ctx.Err()
		return false
	default:
	}

	if !cr.rows.Next() {
		cr.current = nil
		return false
	}

	cr.current, cr.err = cr.scanCycle()
	return cr.err == nil
}

func (cr *SqliteCycleReader) Current() *flightlog.Cycle {
	return cr.current
}

func (cr *SqliteCycleReader) Error() error {
	if cr.err != nil {
		return cr.err
	}
	if cr.rows != nil {
		return cr.rows.Err()
	}
	return nil
}

func (cr *SqliteCycleReader) Close() error {
	if cr.rows != nil {
		err := cr.rows.Close()
		cr.current = nil
		cr.rows = nil
		return err
	}
	return nil
}
