package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS calibrations (
    device        TEXT PRIMARY KEY,
    calibrated_at TIMESTAMP NOT NULL,
    confidence    REAL NOT NULL,
    payload       TEXT NOT NULL
)`

	upsertCalibrationSQL = `
INSERT INTO calibrations (device, calibrated_at, confidence, payload)
VALUES (?, ?, ?, ?)
ON CONFLICT(device) DO UPDATE SET
    calibrated_at = excluded.calibrated_at,
    confidence    = excluded.confidence,
    payload       = excluded.payload`

	selectCalibrationSQL = `
SELECT payload
FROM calibrations
WHERE device = ?`
)

// SqliteStore keeps calibrations in a SQLite table, one row per device.
type SqliteStore struct {
	dbPath string

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore returns a store backed by the database at dbPath. The
// database and schema are created on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func (s *SqliteStore) getDB() (*sql.DB, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.dbErr = fmt.Errorf("opening connection: %w", err)
			return
		}
		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		s.db = db
	})

	if s.db == nil && s.dbErr == nil {
		// Close won the race for dbOnce.
		return nil, ErrClosed
	}
	return s.db, s.dbErr
}

// Load implements CalibrationStore.
func (s *SqliteStore) Load(ctx context.Context, device string) (rec *Record, err error) {
	if err = validDevice(device); err != nil {
		return nil, err
	}
	db, err := s.getDB()
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}

	var payload string
	err = db.QueryRowContext(ctx, selectCalibrationSQL, device).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying calibration: %w", err)
	}

	var doc calibrationDoc
	if err = json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decoding calibration: %w", err)
	}
	return fromDoc(doc)
}

// Save implements CalibrationStore.
func (s *SqliteStore) Save(ctx context.Context, rec *Record) (err error) {
	if err = validDevice(rec.Device); err != nil {
		return err
	}
	doc := toDoc(rec)
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding calibration: %w", err)
	}

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, upsertCalibrationSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx, doc.Device, doc.CalibratedAt, doc.Confidence, string(payload)); err != nil {
		return fmt.Errorf("saving calibration: %w", err)
	}
	return nil
}

// Close implements CalibrationStore.
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// Keeps a later getDB from opening the database.
		s.dbOnce.Do(func() {})
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
