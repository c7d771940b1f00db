package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database connection
	// Use WAL mode for better concurrency
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// schema is the full set of tables the engine reads and writes, per
// spec §6 "Store tables (touched by engine)".
const schema = `
CREATE TABLE IF NOT EXISTS candles (
	instrument   TEXT NOT NULL,
	time         TEXT NOT NULL,
	granularity  TEXT NOT NULL,
	open_bid     TEXT, high_bid TEXT, low_bid TEXT, close_bid TEXT,
	open_ask     TEXT, high_ask TEXT, low_ask TEXT, close_ask TEXT,
	open_mid     TEXT, high_mid TEXT, low_mid TEXT, close_mid TEXT,
	volume       INTEGER NOT NULL DEFAULT 0,
	complete     INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE(instrument, time, granularity)
);

CREATE TABLE IF NOT EXISTS volatility (
	instrument   TEXT NOT NULL,
	asset_class  TEXT NOT NULL,
	time         TEXT NOT NULL,
	hv20         TEXT, hv50 TEXT,
	sma15        TEXT, sma30 TEXT, sma50 TEXT,
	bb_upper     TEXT, bb_middle TEXT, bb_lower TEXT,
	atr          TEXT,
	UNIQUE(instrument, time)
);

CREATE TABLE IF NOT EXISTS correlation (
	pair1        TEXT NOT NULL,
	pair2        TEXT NOT NULL,
	time         TEXT NOT NULL,
	correlation  REAL NOT NULL,
	window_size  INTEGER NOT NULL,
	UNIQUE(pair1, pair2, time),
	CHECK (pair1 < pair2)
);

CREATE TABLE IF NOT EXISTS best_pairs (
	time         TEXT NOT NULL,
	pair1        TEXT NOT NULL,
	pair2        TEXT NOT NULL,
	correlation  REAL NOT NULL,
	category     TEXT NOT NULL,
	rank         INTEGER NOT NULL,
	reason       TEXT
);

CREATE TABLE IF NOT EXISTS job_log (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name           TEXT NOT NULL,
	start_time         TEXT NOT NULL,
	end_time           TEXT,
	duration_seconds   REAL,
	status             TEXT NOT NULL,
	error_message      TEXT,
	records_processed  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_candles_instrument_time ON candles(instrument, granularity, time);
CREATE INDEX IF NOT EXISTS idx_correlation_time ON correlation(time);
CREATE INDEX IF NOT EXISTS idx_best_pairs_time ON best_pairs(time);
`

// Migrate creates the engine's tables if they do not already exist. It is
// safe to call on every startup.
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Begin starts a new transaction
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}
