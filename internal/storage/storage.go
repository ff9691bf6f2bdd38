package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/roman-kulish/vibration-monitor/internal/motion"
)

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
	DriverDuckDB   Driver = "duckdb"

	// DefaultTable is the table read by the dashboard
	DefaultTable = "vibration_data"

	// DefaultConnectTimeout bounds a single connection attempt
	DefaultConnectTimeout = 5 * time.Second
)

var (
	// ErrTransient marks a connectivity class failure. The store must be
	// reconnected before it is used again.
	ErrTransient = errors.New("transient storage failure")

	// ErrFatal marks a failure that will repeat for the same batch, such as a
	// constraint violation
	ErrFatal = errors.New("fatal storage failure")

	// ErrNotConnected is returned when the store has no open connection
	ErrNotConnected = errors.New("store is not connected")

	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Driver names a supported database engine
type Driver string

// ParseDriver parses a driver name
func ParseDriver(name string) (Driver, error) {
	switch d := Driver(name); d {
	case DriverPostgres, DriverSQLite, DriverDuckDB:
		return d, nil
	case "sqlite3":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unknown storage driver '%s'", name)
	}
}

// MaxBatchSize returns the largest batch a single multi-row insert can carry
// on driver, or 0 for an unknown driver
func MaxBatchSize(driver Driver) int {
	return maxBindParameters[driver] / insertColumns
}

// StoredSample is a sample as persisted, with the identity assigned by the store
type StoredSample struct {
	ID        int64
	Timestamp time.Time
	motion.Sample
}

// Store persists batches of samples. Every method that writes is atomic,
// implementations hold a single connection and never retry internally.
// A Store is owned by one goroutine.
type Store interface {
	// Open establishes the connection.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//
	// Returns:
	//   - error: If the connection cannot be established
	Open(ctx context.Context) error

	// Reconnect closes the current connection, if any, and opens a new one.
	// It makes a single attempt.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//
	// Returns:
	//   - error: If the connection cannot be re-established
	Reconnect(ctx context.Context) error

	// InsertBatch writes all samples in a single transaction using one
	// multi-row insert. Either all rows are committed or none are.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - batch: Samples in arrival order, an empty batch is a no-op
	//
	// Returns:
	//   - error: wrapping ErrTransient when the connection must be re-established,
	//     or ErrFatal when the batch was rejected
	InsertBatch(ctx context.Context, batch motion.Batch) error

	// SamplesAfter returns up to limit samples with an id greater than afterID,
	// ordered by id.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - afterID: Exclusive lower id bound, 0 reads from the beginning
	//   - limit: Maximum number of rows to return
	//
	// Returns:
	//   - samples: Persisted samples
	//   - error: If the query fails
	SamplesAfter(ctx context.Context, afterID int64, limit int) ([]StoredSample, error)

	// SamplesBetween returns samples with from <= timestamp < to, ordered by id.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - from: Inclusive lower timestamp bound
	//   - to: Exclusive upper timestamp bound
	//
	// Returns:
	//   - samples: Persisted samples
	//   - error: If the query fails
	SamplesBetween(ctx context.Context, from, to time.Time) ([]StoredSample, error)

	// Close releases the connection. It is safe to call Close multiple times.
	//
	// Returns:
	//   - error: If the connection cannot be closed cleanly
	Close() error
}

type options struct {
	table          string
	createTable    bool
	connectTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		table:          DefaultTable,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}
}

// Option configures a store
type Option func(*options)

// WithTable sets the table samples are written to
func WithTable(table string) Option {
	return func(o *options) {
		o.table = table
	}
}

// WithCreateTable makes Open create the table if it does not exist
func WithCreateTable(create bool) Option {
	return func(o *options) {
		o.createTable = create
	}
}

// WithConnectTimeout bounds a single connection attempt
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(driver Driver, opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if !tableNamePattern.MatchString(o.table) {
		return o, fmt.Errorf("invalid table name '%s'", o.table)
	}
	if o.connectTimeout < 0 {
		return o, fmt.Errorf("invalid connect timeout: %s", o.connectTimeout)
	}

	o.logger = o.logger.With(slog.String("link", "store"), slog.String("driver", string(driver)))
	return o, nil
}

// New creates a store for the driver. The connection is not opened until
// Store.Open is called.
func New(driver Driver, dsn string, opts ...Option) (Store, error) {
	var s Store
	var err error
	switch driver {
	case DriverPostgres:
		if s, err = NewPostgresStore(dsn, opts...); err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}

	case DriverSQLite, DriverDuckDB:
		if s, err = NewSQLStore(driver, dsn, opts...); err != nil {
			return nil, fmt.Errorf("creating %s store: %w", driver, err)
		}

	default:
		return nil, fmt.Errorf("unknown storage driver '%s'", driver)
	}

	return s, nil
}
