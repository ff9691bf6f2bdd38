package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/vibration-monitor/internal/motion"
)

// dialect captures what differs between the database/sql backed engines
type dialect struct {
	driverName string
	schema     string
	dsn        func(dsn string) string
	timeArg    func(t time.Time) any
	transient  func(err error) bool
}

var dialects = map[Driver]dialect{
	DriverSQLite: {
		driverName: "sqlite3",
		schema:     sqliteSchemaSQL,
		dsn:        sqliteDSN,
		timeArg: func(t time.Time) any {
			return t.UTC().Format(time.DateTime) // matches CURRENT_TIMESTAMP text
		},
		transient: isTransientSQLiteError,
	},
	DriverDuckDB: {
		driverName: "duckdb",
		schema:     duckdbSchemaSQL,
		dsn:        func(dsn string) string { return dsn },
		timeArg:    func(t time.Time) any { return t },
	},
}

func sqliteDSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return dsn
	}
	return fmt.Sprintf("file:%s?%s", dsn, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
}

func isTransientSQLiteError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	switch sqliteErr.Code {
	case sqlite3.ErrBusy,
		sqlite3.ErrLocked,
		sqlite3.ErrIoErr,
		sqlite3.ErrCantOpen,
		sqlite3.ErrFull,
		sqlite3.ErrProtocol,
		sqlite3.ErrReadonly:
		return true
	default:
		return false
	}
}

// SQLStore handles database operations for the embedded engines (SQLite and
// DuckDB) through database/sql, holding a single connection
type SQLStore struct {
	driver  Driver
	dialect dialect
	dsn     string
	opts    options

	db *sql.DB
}

// NewSQLStore creates a store for an embedded engine. For SQLite the dsn may be
// a plain file path, WAL journaling is enabled in that case.
func NewSQLStore(driver Driver, dsn string, opts ...Option) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("driver '%s' is not supported by the SQL store", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("empty %s dsn", driver)
	}

	o, err := buildOptions(driver, opts)
	if err != nil {
		return nil, err
	}

	return &SQLStore{driver: driver, dialect: d, dsn: dsn, opts: o}, nil
}

func (s *SQLStore) connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.connectTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.connectTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *SQLStore) Open(ctx context.Context) error {
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.dialect.driverName, s.dialect.dsn(s.dsn))
	if err != nil {
		return classify(fmt.Errorf("opening %s database: %w", s.driver, err), s.dialect.transient)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := s.connectContext(ctx)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return classify(fmt.Errorf("connecting to %s database: %w", s.driver, err), s.dialect.transient)
	}

	if s.opts.createTable {
		if _, err = db.ExecContext(ctx, buildSchemaSQL(s.dialect.schema, s.opts.table)); err != nil {
			_ = db.Close()
			return classify(fmt.Errorf("initializing schema: %w", err), s.dialect.transient)
		}
	}

	s.db = db
	s.opts.logger.Info("connected to database", slog.String("table", s.opts.table))

	return nil
}

func (s *SQLStore) Reconnect(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.opts.logger.Warn(fmt.Sprintf("closing stale connection: %s", err.Error()))
		}
		s.db = nil
	}

	return s.Open(ctx)
}

func (s *SQLStore) InsertBatch(ctx context.Context, batch motion.Batch) (err error) {
	if len(batch) == 0 {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("%w: %w", ErrTransient, ErrNotConnected)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err), s.dialect.transient)
	}
	defer rollbackWithError(tx, &err)

	query := buildInsertSQL(s.opts.table, len(batch), questionPlaceholder)
	if _, err = tx.ExecContext(ctx, query, batchArgs(batch)...); err != nil {
		return classify(fmt.Errorf("inserting %d samples: %w", len(batch), err), s.dialect.transient)
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("committing transaction: %w", err), s.dialect.transient)
	}

	return nil
}

func (s *SQLStore) SamplesAfter(ctx context.Context, afterID int64, limit int) ([]StoredSample, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx, buildSelectAfterSQL(s.opts.table, questionPlaceholder), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}

	return scanSamples(rows)
}

func (s *SQLStore) SamplesBetween(ctx context.Context, from, to time.Time) ([]StoredSample, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}

	query := buildSelectBetweenSQL(s.opts.table, questionPlaceholder)
	rows, err := s.db.QueryContext(ctx, query, s.dialect.timeArg(from), s.dialect.timeArg(to))
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}

	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) (samples []StoredSample, err error) {
	defer closeWithError(rows, &err)

	for rows.Next() {
		var s StoredSample
		if err = rows.Scan(&s.ID, &s.Timestamp, &s.X, &s.Y, &s.Z, &s.Change); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		samples = append(samples, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}

	return samples, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	if err != nil {
		return fmt.Errorf("closing %s database: %w", s.driver, err)
	}
	return nil
}
