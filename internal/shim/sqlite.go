package shim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS shim_records (
	address        TEXT PRIMARY KEY,
	timestamp_ns   INTEGER NOT NULL,
	line_width_50  REAL NOT NULL,
	line_width_055 REAL NOT NULL,
	threshold_50   REAL NOT NULL,
	threshold_055  REAL NOT NULL,
	passed         INTEGER NOT NULL
)`

// SQLiteStore keeps records in a shim_records table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" works.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("shim: open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shim: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (Record, error) {
	var (
		rec    Record
		ts     int64
		passed int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT timestamp_ns, line_width_50, line_width_055, threshold_50, threshold_055, passed
		FROM shim_records WHERE address = ?`, key).
		Scan(&ts, &rec.LineWidth50, &rec.LineWidth055, &rec.Threshold50, &rec.Threshold055, &passed)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("shim: load %s: %w", key, err)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Passed = passed != 0
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, rec Record) error {
	passed := 0
	if rec.Passed {
		passed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shim_records (address, timestamp_ns, line_width_50, line_width_055, threshold_50, threshold_055, passed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			timestamp_ns = excluded.timestamp_ns,
			line_width_50 = excluded.line_width_50,
			line_width_055 = excluded.line_width_055,
			threshold_50 = excluded.threshold_50,
			threshold_055 = excluded.threshold_055,
			passed = excluded.passed`,
		key, rec.Timestamp.UnixNano(), rec.LineWidth50, rec.LineWidth055, rec.Threshold50, rec.Threshold055, passed)
	if err != nil {
		return fmt.Errorf("shim: save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
