package telemetry

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// SQLSink ships round summaries to a SQL database via database/sql. The
// driver is left to the operator: this package never imports a concrete
// driver package, so the binary stays driver-agnostic; wire one in with a
// blank import (e.g. `_ "github.com/mattn/go-sqlite3"`) in a build-tagged
// file, matching how store/dbstore.go keeps its backend choice out of the
// core package.
type SQLSink struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS round_summaries (
	timestamp      TEXT    NOT NULL,
	device_uuid    TEXT    NOT NULL,
	round          INTEGER NOT NULL,
	bytes_written  INTEGER NOT NULL,
	bytes_read     INTEGER NOT NULL,
	bad_sectors    INTEGER NOT NULL,
	abort_reason   TEXT    NOT NULL
)`

const insertSQL = `
INSERT INTO round_summaries
	(timestamp, device_uuid, round, bytes_written, bytes_read, bad_sectors, abort_reason)
VALUES (?, ?, ?, ?, ?, ?, ?)`

// NewSQLSink opens driverName/dsn (as sql.Open expects) and ensures the
// round_summaries table exists.
func NewSQLSink(ctx context.Context, driverName, dsn string) (*SQLSink, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "telemetry: open %s", driverName)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "telemetry: ping %s", driverName)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "telemetry: create table")
	}
	return &SQLSink{db: db}, nil
}

// Record inserts one round summary row.
func (s *SQLSink) Record(ctx context.Context, rs RoundSummary) error {
	_, err := s.db.ExecContext(ctx, insertSQL,
		rs.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		rs.DeviceUUID,
		rs.Round,
		rs.BytesWritten,
		rs.BytesRead,
		rs.BadSectors,
		rs.AbortReason,
	)
	if err != nil {
		return errors.Wrapf(err, "telemetry: insert round %d", rs.Round)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLSink) Close() error {
	return s.db.Close()
}
