package storage

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    flight_id  TEXT     NOT NULL UNIQUE,
    start_time DATETIME NOT NULL,
    drone_id   TEXT     NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS cycles (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id        INTEGER  NOT NULL REFERENCES sessions (id),
    timestamp         DATETIME NOT NULL,
    distance          REAL     NOT NULL,
    horizontal_offset INTEGER  NOT NULL,
    vertical_offset   REAL     NOT NULL,
    lost              INTEGER  NOT NULL DEFAULT 0,
    forward           REAL     NOT NULL,
    vertical          REAL     NOT NULL,
    yaw_rate          REAL     NOT NULL,
    fault             TEXT
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER  NOT NULL REFERENCES sessions (id),
    timestamp  DATETIME NOT NULL,
    phase      TEXT     NOT NULL,
    message    TEXT     NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER  NOT NULL REFERENCES sessions (id),
    timestamp  DATETIME NOT NULL,
    altitude   INTEGER  NOT NULL,
    battery    REAL
);`

	// created on close, so bulk inserts during the flight don't pay for index maintenance
	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_cycles_session_timestamp ON cycles (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_session_timestamp ON events (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_telemetry_session_timestamp ON telemetry (session_id, timestamp);`

	insertSessionSQL = `
INSERT INTO sessions (
                      flight_id,
                      start_time,
                      drone_id,
                      config)
VALUES (?, ?, ?, ?)`

	selectSessionSQL = `
SELECT 
    id, 
    flight_id,
    start_time, 
    drone_id, 
    config 
FROM sessions 
WHERE 
    id = ?`

	selectSessionsSQL = `
SELECT 
    id, 
    flight_id,
    start_time, 
    drone_id, 
    config 
FROM sessions
ORDER BY start_time`

	insertTelemetrySQL = `
INSERT INTO telemetry (session_id,
                       timestamp,
                       altitude,
                       battery)
VALUES (?, ?, ?, ?)`

	insertEventSQL = `
INSERT INTO events (session_id,
                    timestamp,
                    phase,
                    message)
VALUES (?, ?, ?, ?)`

	selectEventsSQL = `
SELECT 
    timestamp, 
    phase, 
    message
FROM events
WHERE 
    session_id = ?
ORDER BY timestamp, id`

	insertCycleSQL = `
    INSERT INTO cycles (
        session_id,
        timestamp,
        distance,
        horizontal_offset,
        vertical_offset,
        lost,
        forward,
        vertical,
        yaw_rate,
        fault
    )
    VALUES `

	selectFilterValuesSQL = `
SELECT 
    MIN(timestamp), 
    MAX(timestamp)
FROM cycles
WHERE session_id = ?`

	selectCyclesSQL = `
SELECT 
    timestamp, 
    distance, 
    horizontal_offset, 
    vertical_offset, 
    lost,
    forward,
    vertical,
    yaw_rate,
    fault
FROM cycles
WHERE 
    session_id = ?
	AND timestamp BETWEEN ? AND ?
ORDER BY timestamp, id`
)
