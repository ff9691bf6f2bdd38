package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roman-kulish/vibration-monitor/internal/motion"
)

// closeTimeout bounds the graceful termination message sent on close
const closeTimeout = 2 * time.Second

// isTransientPostgresError reports whether err means the connection has to be
// re-established. Server errors are classified by SQLSTATE class, errors that
// never reached the server are raised by the connection itself.
func isTransientPostgresError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}

	return pgerrcode.IsConnectionException(pgErr.Code) ||
		pgerrcode.IsOperatorIntervention(pgErr.Code) ||
		pgerrcode.IsInsufficientResources(pgErr.Code) ||
		pgerrcode.IsSystemError(pgErr.Code) ||
		pgErr.Code == pgerrcode.SerializationFailure ||
		pgErr.Code == pgerrcode.DeadlockDetected
}

// PostgresStore persists samples to PostgreSQL over a single pgx connection
type PostgresStore struct {
	config *pgx.ConnConfig
	opts   options

	conn *pgx.Conn
}

// NewPostgresStore creates a store for the connection string dsn, which may be
// a URL or a keyword/value string. The connection is not opened until Open.
func NewPostgresStore(dsn string, opts ...Option) (*PostgresStore, error) {
	o, err := buildOptions(DriverPostgres, opts)
	if err != nil {
		return nil, err
	}

	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if o.connectTimeout > 0 {
		config.ConnectTimeout = o.connectTimeout
	}

	return &PostgresStore{config: config, opts: o}, nil
}

func (s *PostgresStore) Open(ctx context.Context) error {
	if s.conn != nil && !s.conn.IsClosed() {
		return nil
	}

	conn, err := pgx.ConnectConfig(ctx, s.config)
	if err != nil {
		return classify(fmt.Errorf("connecting to postgres %s:%d: %w", s.config.Host, s.config.Port, err), isTransientPostgresError)
	}

	if s.opts.createTable {
		if _, err = conn.Exec(ctx, buildSchemaSQL(postgresSchemaSQL, s.opts.table)); err != nil {
			s.closeConn(conn)
			return classify(fmt.Errorf("initializing schema: %w", err), isTransientPostgresError)
		}
	}

	s.conn = conn
	s.opts.logger.Info("connected to database",
		slog.String("host", s.config.Host),
		slog.String("database", s.config.Database),
		slog.String("table", s.opts.table))

	return nil
}

func (s *PostgresStore) closeConn(conn *pgx.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	return conn.Close(ctx)
}

func (s *PostgresStore) Reconnect(ctx context.Context) error {
	if s.conn != nil {
		if err := s.closeConn(s.conn); err != nil {
			s.opts.logger.Warn(fmt.Sprintf("closing stale connection: %s", err.Error()))
		}
		s.conn = nil
	}

	return s.Open(ctx)
}

func (s *PostgresStore) InsertBatch(ctx context.Context, batch motion.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("%w: %w", ErrTransient, ErrNotConnected)
	}

	query := buildInsertSQL(s.opts.table, len(batch), dollarPlaceholder)
	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, batchArgs(batch)...)
		return err
	})
	if err != nil {
		return classify(fmt.Errorf("inserting %d samples: %w", len(batch), err), isTransientPostgresError)
	}

	return nil
}

func (s *PostgresStore) SamplesAfter(ctx context.Context, afterID int64, limit int) ([]StoredSample, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}

	rows, err := s.conn.Query(ctx, buildSelectAfterSQL(s.opts.table, dollarPlaceholder), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}

	return collectSamples(rows)
}

func (s *PostgresStore) SamplesBetween(ctx context.Context, from, to time.Time) ([]StoredSample, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}

	rows, err := s.conn.Query(ctx, buildSelectBetweenSQL(s.opts.table, dollarPlaceholder), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}

	return collectSamples(rows)
}

func collectSamples(rows pgx.Rows) ([]StoredSample, error) {
	samples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredSample, error) {
		var s StoredSample
		err := row.Scan(&s.ID, &s.Timestamp, &s.X, &s.Y, &s.Z, &s.Change)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning samples: %w", err)
	}

	return samples, nil
}

func (s *PostgresStore) Close() error {
	if s.conn == nil {
		return nil
	}

	err := s.closeConn(s.conn)
	s.conn = nil

	if err != nil {
		return fmt.Errorf("closing postgres connection: %w", err)
	}
	return nil
}
