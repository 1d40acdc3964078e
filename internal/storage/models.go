package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

type cycleData struct {
	SessionID        int64
	Timestamp        time.Time
	Distance         float64
	HorizontalOffset int
	VerticalOffset   float64
	Lost             bool
	Forward          float64
	Vertical         float64
	YawRate          float64
	Fault            sql.NullString
}

type telemetryData struct {
	SessionID int64
	Timestamp time.Time
	Altitude  int
	Battery   sql.NullFloat64
}

// sqliteTime scans DATETIME values that lost their declared column type, which is what the
// driver returns for aggregates such as MIN(timestamp).
type sqliteTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqliteTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil

	case time.Time:
		t.Time, t.Valid = v, true
		return nil

	case []byte:
		return t.parse(string(v))

	case string:
		return t.parse(v)
	}

	return fmt.Errorf("unsupported datetime type %T", value)
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time, t.Valid = ts, true
			return nil
		}
	}
	return fmt.Errorf("unrecognised datetime %q", s)
}
